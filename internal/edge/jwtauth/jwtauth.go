// Package jwtauth verifies inbound bearer tokens from Stage instances:
// EdDSA-signed JWTs whose issuer must match the X-Chorus-Instance-Id header,
// whose audience must be this bridge, and whose jti claim is checked against
// the replay cache so a captured token cannot be replayed.
package jwtauth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// HeaderInstanceID carries the sending Stage's instance id on every
// authenticated request.
const HeaderInstanceID = "X-Chorus-Instance-Id"

// JTIStore is the replay cache surface the authenticator needs.
// *repository.Repository satisfies it.
type JTIStore interface {
	RememberJTI(ctx context.Context, jti, instanceID string, expiresAt, nowUnix int64) (bool, error)
}

// Config tunes an Authenticator.
type Config struct {
	// Enabled gates enforcement; when false the middleware only requires the
	// instance header.
	Enabled bool
	// PublicKeyHex is the Ed25519 verify key for inbound tokens.
	PublicKeyHex string
	// BridgeInstanceID is the expected token audience.
	BridgeInstanceID string
}

// Authenticator validates inbound bearer tokens.
type Authenticator struct {
	enabled   bool
	publicKey ed25519.PublicKey
	audience  string
	jti       JTIStore
	logger    *slog.Logger
}

// New parses the configured verify key and builds an Authenticator.
// Enforcement enabled without a key is a configuration error.
func New(cfg Config, jtiStore JTIStore, logger *slog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		enabled:  cfg.Enabled,
		audience: cfg.BridgeInstanceID,
		jti:      jtiStore,
		logger:   logger,
	}
	if cfg.PublicKeyHex != "" {
		raw, err := hex.DecodeString(cfg.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding jwt public key hex: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("jwt public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		a.publicKey = ed25519.PublicKey(raw)
	}
	if cfg.Enabled && a.publicKey == nil {
		return nil, fmt.Errorf("jwt enforcement enabled without a public key")
	}
	return a, nil
}

// Middleware returns the authentication middleware. Every request must carry
// the instance header; bearer validation applies only when enforcement is on.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			instanceID := r.Header.Get(HeaderInstanceID)
			if instanceID == "" {
				writeAuthError(w, http.StatusBadRequest, "missing_instance_header", "X-Chorus-Instance-Id header is required")
				return
			}

			if !a.enabled {
				next.ServeHTTP(w, r)
				return
			}

			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing_token", "Authorization header with Bearer token is required")
				return
			}

			if err := a.validate(r.Context(), strings.TrimPrefix(authz, "Bearer "), instanceID); err != nil {
				a.logger.Warn("bearer token rejected",
					slog.String("instance_id", instanceID),
					slog.String("error", err.Error()))
				writeAuthError(w, http.StatusUnauthorized, "invalid_token", err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validate checks signature, issuer, audience, expiry, and jti uniqueness.
func (a *Authenticator) validate(ctx context.Context, token, instanceID string) error {
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return a.publicKey, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithAudience(a.audience),
		jwt.WithIssuer(instanceID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("unexpected claims type")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return fmt.Errorf("missing jti claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("missing exp claim")
	}

	fresh, err := a.jti.RememberJTI(ctx, jti, instanceID, exp.Unix(), models.Now().Unix())
	if err != nil {
		return fmt.Errorf("jti cache: %w", err)
	}
	if !fresh {
		return fmt.Errorf("jti replay detected")
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
