package workers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// outboundJWTLifetime bounds how long a minted bearer token stays valid.
const outboundJWTLifetime = 5 * time.Minute

// processQueuedMessages is one outbound-federation tick: check out due rows
// and attempt each delivery. Per-row errors are isolated.
func (m *Manager) processQueuedMessages(ctx context.Context) error {
	now := models.Now().Unix()
	rows, err := m.ledger.CheckoutOutboundFederationMessages(ctx, now, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("checking out outbound rows: %w", err)
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.sendMessage(ctx, row); err != nil {
			m.logger.Warn("outbound federation delivery failed",
				slog.String("ledger_id", row.ID.String()),
				slog.String("target", row.TargetInstanceURL),
				slog.String("error", err.Error()))
			m.handleOutboundFailure(ctx, row)
		}
	}
	return nil
}

// sendMessage re-signs the stored envelope with the bridge's key and POSTs it
// to the target Stage. The re-signature is the attestation boundary: the
// outbound envelope authenticates the bridge, not the original Stage.
func (m *Manager) sendMessage(ctx context.Context, row models.OutboundFederationLedger) error {
	env, err := models.ParseEnvelopeUnsigned(row.RawEnvelope)
	if err != nil {
		return fmt.Errorf("parsing stored envelope: %w", err)
	}

	if m.signingKey != nil {
		env.Signature = ed25519.Sign(m.signingKey, env.MessageData)
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	if err := m.egress.Wait(ctx); err != nil {
		return err
	}

	target := strings.TrimRight(row.TargetInstanceURL, "/") + "/api/bridge/federation/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Chorus-Instance-Id", m.cfg.BridgeInstanceID)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	if token, err := m.mintJWT(row.TargetInstanceURL); err != nil {
		return err
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}

	now := models.Now().Unix()
	if err := m.ledger.UpdateOutboundFederationMessageStatus(ctx, row.ID.String(), models.LedgerStatusDelivered, now); err != nil {
		return fmt.Errorf("marking row delivered: %w", err)
	}
	m.logger.Info("outbound federation message delivered",
		slog.String("ledger_id", row.ID.String()),
		slog.String("target", row.TargetInstanceURL),
		slog.String("message_type", string(row.MessageType)))
	return nil
}

// handleOutboundFailure bumps the attempt counter and either schedules a
// bounded-exponential retry (base · 2^attempts) or marks the row failed.
func (m *Manager) handleOutboundFailure(ctx context.Context, row models.OutboundFederationLedger) {
	now := models.Now().Unix()
	attempts := row.Attempts + 1
	if attempts <= m.cfg.OutboundMaxRetries {
		retryAt := now + m.cfg.OutboundRetryDelaySeconds*(1<<attempts)
		if err := m.ledger.UpdateOutboundFederationMessageForRetry(ctx, row.ID.String(), attempts, retryAt, now); err != nil {
			m.logger.Error("scheduling outbound retry failed",
				slog.String("ledger_id", row.ID.String()),
				slog.String("error", err.Error()))
		}
		return
	}
	if err := m.ledger.UpdateOutboundFederationMessageStatus(ctx, row.ID.String(), models.LedgerStatusFailed, now); err != nil {
		m.logger.Error("marking outbound row failed",
			slog.String("ledger_id", row.ID.String()),
			slog.String("error", err.Error()))
	}
	m.logger.Error("outbound federation message failed permanently",
		slog.String("ledger_id", row.ID.String()),
		slog.Int("attempts", attempts))
}

// mintJWT builds the bearer token for a target Stage: issuer is this bridge,
// audience is the target, with a fresh jti for replay protection.
func (m *Manager) mintJWT(targetInstanceID string) (string, error) {
	if m.jwtSigningKey == nil {
		return "", nil
	}
	now := models.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": m.cfg.BridgeInstanceID,
		"aud": targetInstanceID,
		"iat": now.Unix(),
		"exp": now.Add(outboundJWTLifetime).Unix(),
		"jti": uuid.NewString(),
	})
	signed, err := token.SignedString(m.jwtSigningKey)
	if err != nil {
		return "", fmt.Errorf("signing outbound jwt: %w", err)
	}
	return signed, nil
}
