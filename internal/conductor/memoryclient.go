package conductor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// MemoryClient is the in-process Conductor used in memory mode and in tests.
// Submitted events are retained in order; receipts hash the payload so equal
// payloads yield equal event hashes.
type MemoryClient struct {
	mu        sync.Mutex
	proofs    map[int32]models.DayProofRecord
	events    []Event
	healthy   bool
	submitErr error
}

// NewMemoryClient returns an empty, healthy in-memory Conductor.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		proofs:  make(map[int32]models.DayProofRecord),
		healthy: true,
	}
}

// GetDayProof returns the stored proof for a day, or nil.
func (c *MemoryClient) GetDayProof(_ context.Context, day int32) (*models.DayProofRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proofs[day]; ok {
		rec := p
		return &rec, nil
	}
	return nil, nil
}

// SubmitEvent records the event and returns a deterministic receipt.
func (c *MemoryClient) SubmitEvent(_ context.Context, event Event) (models.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return models.Receipt{}, c.submitErr
	}
	c.events = append(c.events, event)
	sum := sha256.Sum256(event.Payload)
	return models.Receipt{EventHash: hex.EncodeToString(sum[:]), Epoch: event.Epoch}, nil
}

// SubmitEventsBatch records all events, failing the whole batch on injected error.
func (c *MemoryClient) SubmitEventsBatch(ctx context.Context, events []Event) ([]models.Receipt, error) {
	receipts := make([]models.Receipt, 0, len(events))
	for _, e := range events {
		r, err := c.SubmitEvent(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("batch submit: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// HealthCheck reports the configured health flag.
func (c *MemoryClient) HealthCheck(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Close is a no-op.
func (c *MemoryClient) Close() error { return nil }

// SetDayProof seeds a proof.
func (c *MemoryClient) SetDayProof(rec models.DayProofRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proofs[rec.Day] = rec
}

// SetHealthy flips the health flag.
func (c *MemoryClient) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

// FailSubmits makes every subsequent submit return err (nil restores success).
func (c *MemoryClient) FailSubmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// Events returns a copy of all submitted events.
func (c *MemoryClient) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
