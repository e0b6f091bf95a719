// Package conductor implements the client layer for the Conductor ordering
// network: a single polymorphic Client interface with HTTP, gRPC, and
// in-memory implementations, composed with two transparent decorators
// (response cache, health-aware connection pool) and a per-client circuit
// breaker. Cross-cutting behavior is always added by wrapping, never by
// subtyping.
package conductor

import (
	"context"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// Event is a single submission to the Conductor network. The epoch is always
// derived from the inner message's day field, never from wall-clock time.
type Event struct {
	EventType string            `json:"event_type"`
	Epoch     int32             `json:"epoch"`
	Payload   []byte            `json:"payload_b64"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Client is the polymorphic Conductor interface. All implementations must be
// safe for concurrent use.
type Client interface {
	// GetDayProof fetches the canonical proof for a day, or nil if the
	// Conductor has none.
	GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error)

	// SubmitEvent submits one ordered event and returns its receipt.
	SubmitEvent(ctx context.Context, event Event) (models.Receipt, error)

	// SubmitEventsBatch submits multiple events in one operation.
	SubmitEventsBatch(ctx context.Context, events []Event) ([]models.Receipt, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	// Close releases underlying resources.
	Close() error
}
