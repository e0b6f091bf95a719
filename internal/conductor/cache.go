package conductor

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// dayProofCacheTTL is the fixed TTL for cached day proofs. Proofs are
// immutable once canonical, so an hour is safe.
const dayProofCacheTTL = time.Hour

// lruEntry is one cached day proof with its insertion time and TTL.
type lruEntry struct {
	key        string
	value      models.DayProofRecord
	insertedAt time.Time
	ttl        time.Duration
}

// lruCache is a bounded TTL cache with true LRU eviction: Get refreshes
// recency, and inserting into a full cache evicts the least recently
// accessed entry.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	items   map[string]*list.Element
	now     func() time.Time
}

func newLRUCache(maxSize int) *lruCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &lruCache{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element, maxSize),
		now:     time.Now,
	}
}

func (c *lruCache) get(key string) (models.DayProofRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return models.DayProofRecord{}, false
	}
	entry := el.Value.(*lruEntry)
	if c.now().Sub(entry.insertedAt) > entry.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return models.DayProofRecord{}, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) set(key string, value models.DayProofRecord, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.insertedAt = c.now()
		entry.ttl = ttl
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}

	el := c.order.PushFront(&lruEntry{key: key, value: value, insertedAt: c.now(), ttl: ttl})
	c.items[key] = el
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CachedClient decorates any Client with a day-proof response cache.
// Submissions are never cached.
type CachedClient struct {
	inner Client
	cache *lruCache
}

// NewCachedClient wraps inner with a bounded day-proof cache.
func NewCachedClient(inner Client, maxSize int) *CachedClient {
	return &CachedClient{inner: inner, cache: newLRUCache(maxSize)}
}

// GetDayProof serves from the cache when possible, fetching and caching on miss.
func (c *CachedClient) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	key := fmt.Sprintf("day_proof:%d", day)
	if rec, ok := c.cache.get(key); ok {
		return &rec, nil
	}

	rec, err := c.inner.GetDayProof(ctx, day)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		c.cache.set(key, *rec, dayProofCacheTTL)
	}
	return rec, nil
}

// SubmitEvent passes through; events are never cached.
func (c *CachedClient) SubmitEvent(ctx context.Context, event Event) (models.Receipt, error) {
	return c.inner.SubmitEvent(ctx, event)
}

// SubmitEventsBatch passes through; events are never cached.
func (c *CachedClient) SubmitEventsBatch(ctx context.Context, events []Event) ([]models.Receipt, error) {
	return c.inner.SubmitEventsBatch(ctx, events)
}

// HealthCheck passes through.
func (c *CachedClient) HealthCheck(ctx context.Context) bool {
	return c.inner.HealthCheck(ctx)
}

// Close closes the wrapped client.
func (c *CachedClient) Close() error {
	return c.inner.Close()
}
