// Package workers implements the bridge's reliable delivery loops: the
// Stage-to-Stage outbound federation worker and the ActivityPub delivery
// worker. Both poll their ledger for due rows, attempt delivery, and record
// the outcome with bounded exponential backoff. A worker error never stops
// the loop; it only annotates the row.
package workers

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chorus-social/chorus-bridge/internal/activitypub"
	"github.com/chorus-social/chorus-bridge/internal/eventbus"
	"github.com/chorus-social/chorus-bridge/internal/models"
)

// Ledger is the repository surface the workers need. *repository.Repository
// satisfies it.
type Ledger interface {
	CheckoutOutboundFederationMessages(ctx context.Context, nowUnix int64, limit int) ([]models.OutboundFederationLedger, error)
	UpdateOutboundFederationMessageStatus(ctx context.Context, id string, status models.LedgerStatus, nowUnix int64) error
	UpdateOutboundFederationMessageForRetry(ctx context.Context, id string, attempts int, retryAt, nowUnix int64) error
	CheckoutExports(ctx context.Context, nowUnix int64, limit int) ([]models.ExportLedger, error)
	UpdateExportStatus(ctx context.Context, id string, status models.LedgerStatus, nowUnix int64) error
	UpdateExportForRetry(ctx context.Context, id string, attempts int, retryAt, nowUnix int64) error
}

// Config carries the worker tunables.
type Config struct {
	BridgeInstanceID string

	OutboundInterval          time.Duration
	OutboundMaxRetries        int
	OutboundRetryDelaySeconds int64

	ActivityPubInterval          time.Duration
	ActivityPubMaxRetries        int
	ActivityPubRetryDelaySeconds int64

	RequestTimeout time.Duration
	BatchSize      int

	// EgressRPS and EgressBurst pace outbound HTTP traffic so a large
	// backlog drain does not hammer peers.
	EgressRPS   float64
	EgressBurst int

	// BridgePrivateKeyHex is the Ed25519 key (hex seed) used to re-sign
	// outbound envelopes. Empty disables signing with a warning.
	BridgePrivateKeyHex string

	// JWTSigningKeyHex is the Ed25519 key (hex seed) used to mint outbound
	// bearer tokens. Empty disables JWT auth with a warning.
	JWTSigningKeyHex string
}

// Manager owns both delivery loops.
type Manager struct {
	cfg        Config
	ledger     Ledger
	translator *activitypub.Translator
	bus        *eventbus.Bus
	client     *http.Client
	egress     *rate.Limiter
	logger     *slog.Logger

	signingKey    ed25519.PrivateKey
	jwtSigningKey ed25519.PrivateKey

	outboundWake chan struct{}
	exportWake   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager validates the configured keys and builds a Manager. Invalid key
// material is a startup error, never a silently unsigned worker.
func NewManager(cfg Config, ledger Ledger, translator *activitypub.Translator, bus *eventbus.Bus, logger *slog.Logger) (*Manager, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.EgressRPS <= 0 {
		cfg.EgressRPS = 50
	}
	if cfg.EgressBurst <= 0 {
		cfg.EgressBurst = 100
	}

	m := &Manager{
		cfg:          cfg,
		ledger:       ledger,
		translator:   translator,
		bus:          bus,
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		egress:       rate.NewLimiter(rate.Limit(cfg.EgressRPS), cfg.EgressBurst),
		logger:       logger,
		outboundWake: make(chan struct{}, 1),
		exportWake:   make(chan struct{}, 1),
	}

	var err error
	m.signingKey, err = parseSigningKey(cfg.BridgePrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge private key: %w", err)
	}
	if m.signingKey == nil {
		logger.Warn("bridge private key not configured, outbound envelopes will not be signed")
	}

	m.jwtSigningKey, err = parseSigningKey(cfg.JWTSigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge jwt signing key: %w", err)
	}
	if m.jwtSigningKey == nil {
		logger.Warn("bridge jwt signing key not configured, outbound requests will not carry bearer tokens")
	}

	return m, nil
}

// parseSigningKey decodes a hex Ed25519 key: either a 32-byte seed or a full
// 64-byte private key. Empty input yields a nil key.
func parseSigningKey(hexKey string) (ed25519.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("expected %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// Start launches both worker loops. They run until the context is cancelled
// or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.bus != nil {
		if _, err := m.bus.Subscribe(eventbus.SubjectOutboundEnqueued, func([]byte) { m.wake(m.outboundWake) }); err != nil {
			m.logger.Warn("subscribing for outbound wake-ups failed", slog.String("error", err.Error()))
		}
		if _, err := m.bus.Subscribe(eventbus.SubjectExportEnqueued, func([]byte) { m.wake(m.exportWake) }); err != nil {
			m.logger.Warn("subscribing for export wake-ups failed", slog.String("error", err.Error()))
		}
	}

	m.wg.Add(2)
	go m.runLoop(ctx, "outbound-federation", m.cfg.OutboundInterval, m.outboundWake, m.processQueuedMessages)
	go m.runLoop(ctx, "activitypub-delivery", m.cfg.ActivityPubInterval, m.exportWake, m.processQueuedExports)

	m.logger.Info("delivery workers started",
		slog.Duration("outbound_interval", m.cfg.OutboundInterval),
		slog.Duration("activitypub_interval", m.cfg.ActivityPubInterval))
}

// Stop cancels the loops and waits for in-flight attempts to conclude.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.client.CloseIdleConnections()
	m.logger.Info("delivery workers stopped")
}

func (m *Manager) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runLoop ticks on the interval and additionally wakes early when the event
// bus signals a fresh enqueue. A tick error is logged and the loop continues.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, tick func(context.Context) error) {
	defer m.wg.Done()

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if err := tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("worker tick failed",
				slog.String("worker", name),
				slog.String("error", err.Error()))
		}
	}
}
