// Package eventbus wraps a NATS core connection used to nudge the outbound
// workers when a ledger row is enqueued, so delivery starts on the next wake
// instead of the next poll tick. Reliability never depends on the bus: the
// ledgers plus the polling loops are the delivery contract, and a lost or
// unpublished notification only costs latency.
package eventbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects follow the pattern chorus.bridge.<queue>.<action>.
const (
	SubjectOutboundEnqueued = "chorus.bridge.outbound.enqueued"
	SubjectExportEnqueued   = "chorus.bridge.export.enqueued"
)

// Bus is a thin publish/subscribe wrapper over a NATS connection.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New connects to the NATS server at the given URL.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("chorus-bridge"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))
	return &Bus{conn: nc, logger: logger}, nil
}

// Publish sends a payload to a subject. Best effort: callers treat failure as
// a missed wake-up, never as a lost message.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject and returns an unsubscribe func.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return func() { sub.Unsubscribe() }, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("draining NATS connection", slog.String("error", err.Error()))
	}
	b.conn.Close()
}
