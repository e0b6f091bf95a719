package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// HTTPClient talks to the Conductor's JSON-over-HTTP API. Each call runs
// behind the client's circuit breaker with retry (see executeWithRetry).
type HTTPClient struct {
	baseURL    string
	client     *http.Client
	breaker    *CircuitBreaker
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// HTTPClientConfig tunes an HTTPClient.
type HTTPClientConfig struct {
	BaseURL                 string
	MaxRetries              int
	RetryDelay              time.Duration
	Timeout                 time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// NewHTTPClient creates a Conductor HTTP client.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

type dayProofWire struct {
	DayNumber int32  `json:"day_number"`
	Proof     string `json:"proof"`
	ProofHash string `json:"proof_hash"`
	Canonical bool   `json:"canonical"`
	Source    string `json:"source"`
}

// GetDayProof fetches the proof for a day. A 404 is a nil proof, not an error.
func (c *HTTPClient) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	var rec *models.DayProofRecord
	err := executeWithRetry(ctx, c.breaker, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/day-proof/%d", c.baseURL, day), nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			rec = nil
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("conductor day-proof %d: status %d", day, resp.StatusCode)
		}

		var wire dayProofWire
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("decoding day proof: %w", err)
		}
		rec = &models.DayProofRecord{
			Day:       wire.DayNumber,
			Proof:     []byte(wire.Proof),
			ProofHash: wire.ProofHash,
			Canonical: wire.Canonical,
			Source:    wire.Source,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitEvent posts one event to /events.
func (c *HTTPClient) SubmitEvent(ctx context.Context, event Event) (models.Receipt, error) {
	var receipt models.Receipt
	err := executeWithRetry(ctx, c.breaker, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		return c.postJSON(ctx, "/events", event, &receipt)
	})
	return receipt, err
}

// SubmitEventsBatch posts multiple events to /events/batch.
func (c *HTTPClient) SubmitEventsBatch(ctx context.Context, events []Event) ([]models.Receipt, error) {
	var receipts []models.Receipt
	err := executeWithRetry(ctx, c.breaker, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		receipts = receipts[:0]
		return c.postJSON(ctx, "/events/batch", events, &receipts)
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// HealthCheck probes the Conductor's /health endpoint. Health checks bypass
// the breaker: they are what lets an open breaker observe recovery.
func (c *HTTPClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("conductor health check failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding conductor request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("conductor %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding conductor response: %w", err)
	}
	return nil
}
