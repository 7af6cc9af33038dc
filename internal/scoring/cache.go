package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

// CachedScorer wraps a Scorer with an in-memory LRU cache keyed by the full
// request, features included, so new history never reuses a stale score.
type CachedScorer struct {
	inner   domain.Scorer
	cache   *lruCache[string, prediction]
	metrics *observability.Metrics
}

// NewCachedScorer creates a cache decorator around a scorer.
func NewCachedScorer(inner domain.Scorer, maxEntries int, metrics *observability.Metrics) *CachedScorer {
	return &CachedScorer{
		inner:   inner,
		cache:   newLRUCache[string, prediction](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedScorer) Score(ctx context.Context, cellID string, date time.Time, hour int, f domain.Features) (float64, float64, error) {
	key := fmt.Sprintf("%s|%s|%02d|%v", cellID, domain.DateKey(date), hour, f)
	if p, ok := c.cache.get(key); ok {
		c.metrics.ScorerCache.WithLabelValues("hit").Inc()
		return p.predicted, p.confidence, nil
	}
	c.metrics.ScorerCache.WithLabelValues("miss").Inc()

	pred, conf, err := c.inner.Score(ctx, cellID, date, hour, f)
	if err != nil {
		return 0, 0, err
	}
	c.cache.put(key, prediction{predicted: pred, confidence: conf})
	return pred, conf, nil
}

type prediction struct {
	predicted  float64
	confidence float64
}

// lruCache is a mutex-guarded LRU map. The list runs from the most recently
// used entry at head to the eviction candidate at tail.
type lruCache[K comparable, V any] struct {
	capacity int
	mu       sync.Mutex
	items    map[K]*node[K, V]
	head     *node[K, V]
	tail     *node[K, V]
}

type node[K comparable, V any] struct {
	key        K
	value      V
	prev, next *node[K, V]
}

func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	return &lruCache[K, V]{
		capacity: max(capacity, 1),
		items:    make(map[K]*node[K, V]),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(n)
	c.pushFront(n)
	return n.value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		n.value = value
		c.unlink(n)
		c.pushFront(n)
		return
	}

	n := &node[K, V]{key: key, value: value}
	c.items[key] = n
	c.pushFront(n)

	for len(c.items) > c.capacity {
		victim := c.tail
		c.unlink(victim)
		delete(c.items, victim.key)
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache[K, V]) pushFront(n *node[K, V]) {
	n.prev, n.next = nil, c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *lruCache[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
