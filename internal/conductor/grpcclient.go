package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chorus-social/chorus-bridge/internal/models"
	"github.com/chorus-social/chorus-bridge/internal/wire"
)

// Fully-qualified gRPC method names on the Conductor service, matching
// proto/federation.proto.
const (
	methodSubmitEvent       = "/chorus.federation.v1.Conductor/SubmitEvent"
	methodGetDayProof       = "/chorus.federation.v1.Conductor/GetDayProof"
	methodSubmitEventsBatch = "/chorus.federation.v1.Conductor/SubmitEventsBatch"
)

// protoCodec frames the hand-maintained protobuf messages over gRPC. It
// registers under the standard "proto" name so the Conductor side sees plain
// protobuf content.
type protoCodec struct{}

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wire.Message)
	if !ok {
		return nil, fmt.Errorf("conductor: cannot marshal %T as a wire message", v)
	}
	return m.MarshalWire(), nil
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wire.Message)
	if !ok {
		return fmt.Errorf("conductor: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func (protoCodec) Name() string { return "proto" }

// GRPCClient talks to the Conductor's gRPC service. Retry and circuit-breaker
// semantics are identical to the HTTP client's.
type GRPCClient struct {
	conn       *grpc.ClientConn
	breaker    *CircuitBreaker
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// GRPCClientConfig tunes a GRPCClient.
type GRPCClientConfig struct {
	Target                  string
	MaxRetries              int
	RetryDelay              time.Duration
	Timeout                 time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// NewGRPCClient dials the Conductor gRPC endpoint. The connection is lazy;
// transport failures surface on the first call.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger) (*GRPCClient, error) {
	conn, err := grpc.NewClient(cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(protoCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing conductor grpc target %s: %w", cfg.Target, err)
	}
	return &GRPCClient{
		conn:       conn,
		breaker:    NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
		logger:     logger,
	}, nil
}

// GetDayProof fetches the proof for a day over gRPC. An empty proof_hash in
// the response means the Conductor has no proof for that day.
func (c *GRPCClient) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	var rec *models.DayProofRecord
	err := executeWithRetry(ctx, c.breaker, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var resp dayProofResponseMsg
		if err := c.conn.Invoke(ctx, methodGetDayProof, &dayProofRequestMsg{DayNumber: day}, &resp); err != nil {
			return fmt.Errorf("conductor GetDayProof(%d): %w", day, err)
		}
		if resp.ProofHash == "" {
			rec = nil
			return nil
		}
		rec = &models.DayProofRecord{
			Day:       resp.DayNumber,
			Proof:     resp.Proof,
			ProofHash: resp.ProofHash,
			Canonical: resp.Canonical,
			Source:    resp.Source,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitEvent submits one event over gRPC.
func (c *GRPCClient) SubmitEvent(ctx context.Context, event Event) (models.Receipt, error) {
	var receipt models.Receipt
	err := executeWithRetry(ctx, c.breaker, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var resp conductorReceiptMsg
		if err := c.conn.Invoke(ctx, methodSubmitEvent, eventToWire(event), &resp); err != nil {
			return fmt.Errorf("conductor SubmitEvent: %w", err)
		}
		receipt = models.Receipt{EventHash: resp.EventHash, Epoch: resp.Epoch}
		return nil
	})
	return receipt, err
}

// SubmitEventsBatch submits multiple events in one call.
func (c *GRPCClient) SubmitEventsBatch(ctx context.Context, events []Event) ([]models.Receipt, error) {
	var receipts []models.Receipt
	err := executeWithRetry(ctx, c.breaker, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		batch := &eventBatchMsg{Events: make([]*conductorEventMsg, 0, len(events))}
		for _, e := range events {
			batch.Events = append(batch.Events, eventToWire(e))
		}

		var resp receiptBatchMsg
		if err := c.conn.Invoke(ctx, methodSubmitEventsBatch, batch, &resp); err != nil {
			return fmt.Errorf("conductor SubmitEventsBatch: %w", err)
		}
		receipts = receipts[:0]
		for _, r := range resp.Receipts {
			receipts = append(receipts, models.Receipt{EventHash: r.EventHash, Epoch: r.Epoch})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// HealthCheck probes the service with a day-zero proof request, bypassing the
// breaker so an open breaker can observe recovery.
func (c *GRPCClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp dayProofResponseMsg
	if err := c.conn.Invoke(ctx, methodGetDayProof, &dayProofRequestMsg{DayNumber: 0}, &resp); err != nil {
		c.logger.Warn("conductor grpc health check failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Close tears down the gRPC connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
