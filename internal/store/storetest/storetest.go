// Package storetest holds the behaviour every AggregateStore backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) domain.AggregateStore

func day(s string) time.Time {
	d, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func bucket(cell, date string, hour, count int) domain.AggregateBucket {
	return domain.AggregateBucket{
		CellID:     cell,
		Date:       day(date),
		Hour:       hour,
		Count:      count,
		Rolling1d:  count,
		Rolling7d:  count * 2,
		Rolling30d: count * 3,
		IsWarm:     true,
	}
}

// keys reduces buckets to comparable strings so backends are free to return
// equivalent time values with different internal locations.
func keys(bs []domain.AggregateBucket) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Key().String()
	}
	return out
}

func normalize(bs []domain.AggregateBucket) []domain.AggregateBucket {
	out := make([]domain.AggregateBucket, len(bs))
	for i, b := range bs {
		b.Date = b.Date.UTC()
		out[i] = b
	}
	return out
}

// Run exercises the AggregateStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty cell", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Get(ctx, "dp3wjz", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, _, ok, err := s.DateBounds(ctx, "dp3wjz")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put and get ordered", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, bucket("dp3wjz", "2024-03-02", 5, 1)))
		require.NoError(t, s.Put(ctx, bucket("dp3wjz", "2024-03-01", 23, 2)))
		require.NoError(t, s.Put(ctx, bucket("dp3wjz", "2024-03-01", 4, 3)))
		require.NoError(t, s.Put(ctx, bucket("dp3wjy", "2024-03-01", 4, 9)))

		got, err := s.Get(ctx, "dp3wjz", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, []string{"dp3wjz/2024-03-01/04", "dp3wjz/2024-03-01/23", "dp3wjz/2024-03-02/05"}, keys(got))

		want := bucket("dp3wjz", "2024-03-01", 4, 3)
		if diff := cmp.Diff(want, normalize(got)[0]); diff != "" {
			t.Errorf("bucket mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, bucket("dp3wjz", "2024-03-01", 4, 1)))
		require.NoError(t, s.Put(ctx, bucket("dp3wjz", "2024-03-01", 4, 7)))

		got, err := s.Get(ctx, "dp3wjz", time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 7, got[0].Count)
		assert.Equal(t, 21, got[0].Rolling30d)
	})

	t.Run("range is inclusive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutBatch(ctx, []domain.AggregateBucket{
			bucket("dp3wjz", "2024-03-01", 0, 1),
			bucket("dp3wjz", "2024-03-02", 0, 1),
			bucket("dp3wjz", "2024-03-03", 12, 1),
			bucket("dp3wjz", "2024-03-04", 0, 1),
		}))

		got, err := s.Get(ctx, "dp3wjz", day("2024-03-02"), day("2024-03-03"))
		require.NoError(t, err)
		assert.Equal(t, []string{"dp3wjz/2024-03-02/00", "dp3wjz/2024-03-03/12"}, keys(got))

		got, err = s.Get(ctx, "dp3wjz", day("2024-03-03"), time.Time{})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.Get(ctx, "dp3wjz", time.Time{}, day("2024-03-01"))
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("date bounds", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutBatch(ctx, []domain.AggregateBucket{
			bucket("dp3wjz", "2024-02-10", 3, 1),
			bucket("dp3wjz", "2024-03-20", 1, 1),
			bucket("dp3wjz", "2024-03-01", 0, 1),
		}))
		first, last, ok, err := s.DateBounds(ctx, "dp3wjz")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2024-02-10", domain.DateKey(first))
		assert.Equal(t, "2024-03-20", domain.DateKey(last))
	})

	t.Run("replace cell", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutBatch(ctx, []domain.AggregateBucket{
			bucket("dp3wjz", "2024-03-01", 1, 1),
			bucket("dp3wjz", "2024-03-02", 1, 1),
			bucket("dp3wjy", "2024-03-02", 1, 5),
		}))
		require.NoError(t, s.ReplaceCell(ctx, "dp3wjz", []domain.AggregateBucket{
			bucket("dp3wjz", "2024-03-05", 2, 4),
		}))

		got, err := s.Get(ctx, "dp3wjz", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, []string{"dp3wjz/2024-03-05/02"}, keys(got))

		other, err := s.Get(ctx, "dp3wjy", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Len(t, other, 1)

		require.NoError(t, s.ReplaceCell(ctx, "dp3wjz", nil))
		_, _, ok, err := s.DateBounds(ctx, "dp3wjz")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent writers on distinct cells", func(t *testing.T) {
		s := newStore(t)
		cells := []string{"dp3wjz", "dp3wjy", "dp3wjx", "dp3wjw"}
		var wg sync.WaitGroup
		for _, c := range cells {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for h := 0; h < 24; h++ {
					assert.NoError(t, s.Put(ctx, bucket(c, "2024-03-01", h, h+1)))
				}
			}()
		}
		wg.Wait()

		for _, c := range cells {
			got, err := s.Get(ctx, c, time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Len(t, got, 24, c)
		}
	})
}
