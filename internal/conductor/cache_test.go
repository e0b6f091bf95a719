package conductor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// countingClient wraps MemoryClient and counts GetDayProof calls.
type countingClient struct {
	*MemoryClient
	mu    sync.Mutex
	calls int
}

func (c *countingClient) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.MemoryClient.GetDayProof(ctx, day)
}

func (c *countingClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCachedClient_DayProofCached(t *testing.T) {
	inner := &countingClient{MemoryClient: NewMemoryClient()}
	inner.SetDayProof(models.DayProofRecord{Day: 7, Proof: []byte("p"), ProofHash: "abcd", Canonical: true, Source: "conductor"})

	cached := NewCachedClient(inner, 10)
	ctx := context.Background()

	first, err := cached.GetDayProof(ctx, 7)
	if err != nil {
		t.Fatalf("GetDayProof: %v", err)
	}
	if first == nil || first.ProofHash != "abcd" {
		t.Fatalf("proof = %+v, want hash abcd", first)
	}

	second, err := cached.GetDayProof(ctx, 7)
	if err != nil {
		t.Fatalf("GetDayProof cached: %v", err)
	}
	if second.ProofHash != "abcd" {
		t.Fatalf("cached proof = %+v", second)
	}
	if inner.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1 (second read served from cache)", inner.callCount())
	}
}

func TestCachedClient_NilProofNotCached(t *testing.T) {
	inner := &countingClient{MemoryClient: NewMemoryClient()}
	cached := NewCachedClient(inner, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec, err := cached.GetDayProof(ctx, 99)
		if err != nil {
			t.Fatalf("GetDayProof: %v", err)
		}
		if rec != nil {
			t.Fatalf("proof = %+v, want nil", rec)
		}
	}
	if inner.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2 (absent proofs are not cached)", inner.callCount())
	}
}

func TestLRUCache_TrueLRUEviction(t *testing.T) {
	c := newLRUCache(3)
	for day := int32(1); day <= 3; day++ {
		c.set(fmt.Sprintf("day_proof:%d", day), models.DayProofRecord{Day: day}, time.Hour)
	}

	// Touch day 1 so day 2 becomes the least recently accessed.
	if _, ok := c.get("day_proof:1"); !ok {
		t.Fatal("day 1 should be present")
	}

	c.set("day_proof:4", models.DayProofRecord{Day: 4}, time.Hour)

	if _, ok := c.get("day_proof:2"); ok {
		t.Error("day 2 (least recently accessed) should have been evicted")
	}
	for _, key := range []string{"day_proof:1", "day_proof:3", "day_proof:4"} {
		if _, ok := c.get(key); !ok {
			t.Errorf("%s should have survived eviction", key)
		}
	}
	if c.len() != 3 {
		t.Errorf("len = %d, want 3", c.len())
	}
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	c := newLRUCache(10)
	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	c.set("day_proof:1", models.DayProofRecord{Day: 1}, time.Hour)

	clock = clock.Add(30 * time.Minute)
	if _, ok := c.get("day_proof:1"); !ok {
		t.Fatal("entry should still be live at half TTL")
	}

	clock = clock.Add(31 * time.Minute)
	if _, ok := c.get("day_proof:1"); ok {
		t.Error("entry should have expired past its TTL")
	}
}

func TestCachedClient_SubmitNeverCached(t *testing.T) {
	inner := NewMemoryClient()
	cached := NewCachedClient(inner, 10)
	ctx := context.Background()

	event := Event{EventType: "federation_envelope", Epoch: 1, Payload: []byte("x")}
	for i := 0; i < 2; i++ {
		if _, err := cached.SubmitEvent(ctx, event); err != nil {
			t.Fatalf("SubmitEvent: %v", err)
		}
	}
	if len(inner.Events()) != 2 {
		t.Errorf("submitted events = %d, want 2 (submissions pass through)", len(inner.Events()))
	}
}
