package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

type countingScorer struct {
	calls int
	err   error
}

func (c *countingScorer) Score(_ context.Context, _ string, _ time.Time, hour int, _ domain.Features) (float64, float64, error) {
	c.calls++
	if c.err != nil {
		return 0, 0, c.err
	}
	return float64(hour), 0.5, nil
}

func TestCachedScorer_Hit(t *testing.T) {
	inner := &countingScorer{}
	c := NewCachedScorer(inner, 10, observability.NewMetricsForTesting())
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	p1, _, err := c.Score(ctx, "dp3wjz", day, 3, domain.Features{Hour: 3})
	require.NoError(t, err)
	p2, _, err := c.Score(ctx, "dp3wjz", day, 3, domain.Features{Hour: 3})
	require.NoError(t, err)

	assert.InDelta(t, p1, p2, 0)
	assert.Equal(t, 1, inner.calls, "should only call inner once")
}

func TestCachedScorer_FeaturesArePartOfKey(t *testing.T) {
	inner := &countingScorer{}
	c := NewCachedScorer(inner, 10, observability.NewMetricsForTesting())
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, _, _ = c.Score(context.Background(), "dp3wjz", day, 3, domain.Features{Rolling7d: 1})
	_, _, _ = c.Score(context.Background(), "dp3wjz", day, 3, domain.Features{Rolling7d: 2})
	assert.Equal(t, 2, inner.calls)
}

func TestCachedScorer_ErrorsAreNotCached(t *testing.T) {
	inner := &countingScorer{err: errors.New("unavailable")}
	c := NewCachedScorer(inner, 10, observability.NewMetricsForTesting())

	for i := 0; i < 2; i++ {
		_, _, err := c.Score(context.Background(), "dp3wjz", time.Time{}, 1, domain.Features{})
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)
	assert.Zero(t, c.cache.len())
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache[string, int](2)
	c.put("a", 1)
	c.put("b", 2)
	_, _ = c.get("a")
	c.put("c", 3)

	_, ok := c.get("b")
	assert.False(t, ok, "b was least recently used")
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.len())

	c.put("a", 10)
	v, _ = c.get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, c.len())
}
