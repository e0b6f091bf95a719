package conductor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
	"github.com/chorus-social/chorus-bridge/internal/models"
)

// poolRetryBaseDelay is the inter-client backoff used when a request fails
// over to another pool member. Distinct from, and much shorter than, each
// client's own circuit-breaker retry delay.
const poolRetryBaseDelay = 100 * time.Millisecond

// poolMember tracks the health bookkeeping for one concrete client.
type poolMember struct {
	client    Client
	healthy   bool
	lastCheck time.Time
	usage     int
}

// Pool decorates N concrete clients with health-aware round-robin selection.
// A background loop re-checks every member on an interval; a member that
// fails a request is provisionally marked unhealthy until its next
// successful health check.
type Pool struct {
	mu         sync.Mutex
	members    []*poolMember
	rrIndex    int
	interval   time.Duration
	maxRetries int
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a pool over the given clients and starts its health loop.
func NewPool(clients []Client, healthCheckInterval time.Duration, maxRetries int, logger *slog.Logger) *Pool {
	members := make([]*poolMember, len(clients))
	for i, c := range clients {
		members[i] = &poolMember{client: c, healthy: true}
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	p := &Pool{
		members:    members,
		interval:   healthCheckInterval,
		maxRetries: maxRetries,
		logger:     logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.healthLoop(ctx)

	return p
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

func (p *Pool) checkAll(ctx context.Context) {
	p.mu.Lock()
	members := make([]*poolMember, len(p.members))
	copy(members, p.members)
	p.mu.Unlock()

	for i, m := range members {
		healthy := m.client.HealthCheck(ctx)
		p.mu.Lock()
		wasHealthy := m.healthy
		m.healthy = healthy
		m.lastCheck = time.Now()
		p.mu.Unlock()

		if healthy != wasHealthy {
			p.logger.Info("conductor pool member health changed",
				slog.Int("member", i),
				slog.Bool("healthy", healthy),
			)
		}
	}
}

// nextHealthy selects the next healthy member round-robin, or nil.
func (p *Pool) nextHealthy() *poolMember {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []*poolMember
	for _, m := range p.members {
		if m.healthy {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	m := healthy[p.rrIndex%len(healthy)]
	p.rrIndex++
	m.usage++
	return m
}

// markUnhealthy provisionally flags a member after a request failure. The
// next successful background health check restores it.
func (p *Pool) markUnhealthy(member *poolMember) {
	p.mu.Lock()
	member.healthy = false
	p.mu.Unlock()
}

// execute runs op against up to maxRetries distinct healthy members with
// exponential backoff between failovers.
func (p *Pool) execute(ctx context.Context, op func(Client) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		m := p.nextHealthy()
		if m == nil {
			return bridgeerr.New(bridgeerr.KindBackendUnavailable, "no healthy conductor backend")
		}

		if err := op(m.client); err != nil {
			lastErr = err
			p.markUnhealthy(m)
			if attempt < p.maxRetries-1 {
				if serr := sleepCtx(ctx, poolRetryBaseDelay*(1<<attempt)); serr != nil {
					return serr
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}

// GetDayProof fetches a day proof through the pool.
func (p *Pool) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	var rec *models.DayProofRecord
	err := p.execute(ctx, func(c Client) error {
		var opErr error
		rec, opErr = c.GetDayProof(ctx, day)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitEvent submits an event through the pool.
func (p *Pool) SubmitEvent(ctx context.Context, event Event) (models.Receipt, error) {
	var receipt models.Receipt
	err := p.execute(ctx, func(c Client) error {
		var opErr error
		receipt, opErr = c.SubmitEvent(ctx, event)
		return opErr
	})
	return receipt, err
}

// SubmitEventsBatch submits a batch through the pool.
func (p *Pool) SubmitEventsBatch(ctx context.Context, events []Event) ([]models.Receipt, error) {
	var receipts []models.Receipt
	err := p.execute(ctx, func(c Client) error {
		var opErr error
		receipts, opErr = c.SubmitEventsBatch(ctx, events)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// HealthCheck reports whether any member is currently healthy.
func (p *Pool) HealthCheck(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.healthy {
			return true
		}
	}
	return false
}

// Close stops the health loop and closes every member.
func (p *Pool) Close() error {
	p.cancel()
	p.wg.Wait()

	var firstErr error
	for _, m := range p.members {
		if err := m.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
