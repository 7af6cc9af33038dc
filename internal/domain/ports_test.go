package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceSource_OrdersAndFilters(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	src := SliceSource{
		{ID: "c", Timestamp: base.Add(3 * time.Hour)},
		{ID: "a", Timestamp: base.Add(1 * time.Hour)},
		{ID: "b", Timestamp: base.Add(2 * time.Hour)},
		{ID: "b2", Timestamp: base.Add(2 * time.Hour)},
	}

	var ids []string
	for e, err := range src.Events(context.Background(), base.Add(time.Hour), base.Add(3*time.Hour)) {
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", "b2"}, ids)

	// The receiver is not reordered.
	assert.Equal(t, "c", src[0].ID)
}

func TestSliceSource_Unbounded(t *testing.T) {
	src := SliceSource{{ID: "x", Timestamp: time.Now()}}
	n := 0
	for _, err := range src.Events(context.Background(), time.Time{}, time.Time{}) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestSliceSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := SliceSource{{ID: "x", Timestamp: time.Now()}}
	for _, err := range src.Events(ctx, time.Time{}, time.Time{}) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestScorerFunc(t *testing.T) {
	var s Scorer = ScorerFunc(func(_ context.Context, cellID string, _ time.Time, hour int, _ Features) (float64, float64, error) {
		return float64(hour), 0.5, nil
	})
	p, c, err := s.Score(context.Background(), "dp3wjz", time.Time{}, 4, Features{})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, p, 0)
	assert.InDelta(t, 0.5, c, 0)
}
