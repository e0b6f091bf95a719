package conductor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_RoundRobinAcrossHealthyMembers(t *testing.T) {
	a := NewMemoryClient()
	b := NewMemoryClient()
	pool := NewPool([]Client{a, b}, time.Hour, 3, testLogger())
	defer pool.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := pool.SubmitEvent(ctx, Event{EventType: "e", Epoch: 1, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("SubmitEvent %d: %v", i, err)
		}
	}

	if got := len(a.Events()); got != 2 {
		t.Errorf("member a received %d events, want 2", got)
	}
	if got := len(b.Events()); got != 2 {
		t.Errorf("member b received %d events, want 2", got)
	}
}

func TestPool_FailoverMarksUnhealthy(t *testing.T) {
	bad := NewMemoryClient()
	bad.FailSubmits(errors.New("backend down"))
	good := NewMemoryClient()

	pool := NewPool([]Client{bad, good}, time.Hour, 3, testLogger())
	defer pool.Close()

	ctx := context.Background()
	// First call may land on the bad member; the pool must fail over.
	if _, err := pool.SubmitEvent(ctx, Event{EventType: "e", Epoch: 1, Payload: []byte("x")}); err != nil {
		t.Fatalf("SubmitEvent with failover: %v", err)
	}

	// The bad member is now provisionally unhealthy: all traffic goes to good.
	for i := 0; i < 3; i++ {
		if _, err := pool.SubmitEvent(ctx, Event{EventType: "e", Epoch: 1, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("SubmitEvent %d: %v", i, err)
		}
	}
	if len(good.Events()) != 4 {
		t.Errorf("good member received %d events, want 4", len(good.Events()))
	}
}

func TestPool_NoHealthyBackend(t *testing.T) {
	bad := NewMemoryClient()
	bad.FailSubmits(errors.New("down"))

	pool := NewPool([]Client{bad}, time.Hour, 2, testLogger())
	defer pool.Close()

	ctx := context.Background()
	// First call fails against the single member and marks it unhealthy, so
	// its next attempt finds no healthy member; the second call returns
	// BackendUnavailable at once.
	if _, err := pool.SubmitEvent(ctx, Event{EventType: "e", Epoch: 1}); err == nil {
		t.Fatal("expected failure against an all-bad pool")
	}
	_, err := pool.SubmitEvent(ctx, Event{EventType: "e", Epoch: 1})
	if !bridgeerr.Is(err, bridgeerr.KindBackendUnavailable) {
		t.Errorf("err = %v, want BackendUnavailable", err)
	}
}

func TestPool_HealthCheckAggregates(t *testing.T) {
	a := NewMemoryClient()
	pool := NewPool([]Client{a}, time.Hour, 2, testLogger())
	defer pool.Close()

	if !pool.HealthCheck(context.Background()) {
		t.Error("pool with a healthy member should report healthy")
	}

	a.FailSubmits(errors.New("down"))
	pool.SubmitEvent(context.Background(), Event{EventType: "e"})
	if pool.HealthCheck(context.Background()) {
		t.Error("pool with no healthy members should report unhealthy")
	}
}

func TestPool_BackgroundHealthRestore(t *testing.T) {
	a := NewMemoryClient()
	pool := NewPool([]Client{a}, 20*time.Millisecond, 2, testLogger())
	defer pool.Close()

	a.FailSubmits(errors.New("down"))
	pool.SubmitEvent(context.Background(), Event{EventType: "e"})
	if pool.HealthCheck(context.Background()) {
		t.Fatal("member should be provisionally unhealthy")
	}

	// The member recovers; the background loop should restore it.
	a.FailSubmits(nil)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.HealthCheck(context.Background()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("health loop never restored a recovered member")
}
