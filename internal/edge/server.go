// Package edge implements the bridge's HTTP surface with the chi router:
// thin handlers that decode the request, enforce the instance header, rate
// limit, and JWT auth, then hand the work to the bridge core.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chorus-social/chorus-bridge/internal/bridgecore"
	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
	"github.com/chorus-social/chorus-bridge/internal/edge/jwtauth"
	"github.com/chorus-social/chorus-bridge/internal/models"
	"github.com/chorus-social/chorus-bridge/internal/ratelimit"
)

// BridgeService is the core surface the edge needs. *bridgecore.Core
// satisfies it.
type BridgeService interface {
	ProcessEnvelope(ctx context.Context, rawEnvelope []byte, idempotencyKey, stageInstance string) (models.Receipt, string, error)
	QueueExport(ctx context.Context, req bridgecore.ExportRequest, stageInstance string) (string, error)
	RecordModeration(ctx context.Context, req bridgecore.ModerationRequest, stageInstance string) (string, models.Receipt, error)
	GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error)
	TrustedPeers() map[string]string
}

// ReadyChecker reports whether the durable store is reachable.
type ReadyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	Addr           string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Server is the bridge's HTTP API server.
type Server struct {
	Router  *chi.Mux
	cfg     Config
	svc     BridgeService
	ready   ReadyChecker
	limiter ratelimit.Limiter
	auth    *jwtauth.Authenticator
	logger  *slog.Logger
	server  *http.Server
}

// NewServer wires the middleware chain and routes.
func NewServer(cfg Config, svc BridgeService, ready ReadyChecker, limiter ratelimit.Limiter, auth *jwtauth.Authenticator, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		Router:  chi.NewRouter(),
		cfg:     cfg,
		svc:     svc,
		ready:   ready,
		limiter: limiter,
		auth:    auth,
		logger:  logger,
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(slogMiddleware(s.logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	s.Router.Use(maxBodySize(s.cfg.MaxBodyBytes))
}

func (s *Server) registerRoutes() {
	s.Router.Route("/api/bridge", func(r chi.Router) {
		r.Get("/day-proof/{day}", s.handleGetDayProof)
		r.Get("/federation/peers", s.handleGetPeers)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware())
			r.Use(s.auth.Middleware())
			r.Post("/federation/send", s.handleFederationSend)
			r.Post("/export", s.handleExport)
			r.Post("/moderation/event", s.handleModerationEvent)
		})
	})

	s.Router.Get("/health/live", s.handleLive)
	s.Router.Get("/health/ready", s.handleReady)
}

// rateLimitMiddleware rejects senders over their fixed-window budget. Keyed
// purely on the instance header so no user identity reaches the limiter.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			instanceID := r.Header.Get(jwtauth.HeaderInstanceID)
			if instanceID == "" {
				// The auth middleware produces the canonical 400 for this.
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := s.limiter.Allow(r.Context(), instanceID)
			if err != nil {
				s.logger.Warn("rate limit check failed", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				s.writeError(w, bridgeerr.New(bridgeerr.KindRateLimited, "rate limit exceeded for this instance"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", slog.String("addr", s.cfg.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
	}
}

// writeError maps a pipeline error to its HTTP status per the error kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		s.writeJSON(w, be.Kind.HTTPStatus(), map[string]any{
			"error": map[string]string{
				"code":    be.Kind.String(),
				"message": be.Message,
			},
		})
		return
	}
	s.logger.Error("unhandled error at edge", slog.String("error", err.Error()))
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]string{"code": "Internal", "message": "internal error"},
	})
}

// slogMiddleware logs one line per request.
func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// maxBodySize caps request body reads.
func maxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
