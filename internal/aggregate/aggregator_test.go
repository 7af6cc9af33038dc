package aggregate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/aggregate"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/grid"
	"github.com/couchcryptid/crime-grid-engine/internal/store/memory"
)

var (
	chicago = domain.Bounds{MinLat: 41.6, MinLon: -87.9, MaxLat: 42.1, MaxLon: -87.5}
	now     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

// Loop and Bucktown points sit in different precision-6 cells.
const (
	loopLat, loopLon = 41.8781, -87.6298
	buckLat, buckLon = 41.9211, -87.6756
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAggregator(t *testing.T, store domain.AggregateStore) *aggregate.Aggregator {
	t.Helper()
	agg, err := aggregate.New(store, grid.NewIndexer(chicago), aggregate.Config{Precision: 6},
		clockwork.NewFakeClockAt(now), discardLogger())
	require.NoError(t, err)
	return agg
}

func event(id string, lat, lon float64, ts time.Time) domain.Event {
	return domain.Event{ID: id, Latitude: lat, Longitude: lon, Timestamp: ts, Category: "THEFT"}
}

func cellOf(t *testing.T, lat, lon float64) string {
	t.Helper()
	c, err := grid.NewIndexer(chicago).Assign(lat, lon, 6)
	require.NoError(t, err)
	return c.ID
}

func allBuckets(t *testing.T, s domain.AggregateStore, cellID string) []domain.AggregateBucket {
	t.Helper()
	bs, err := s.Get(context.Background(), cellID, time.Time{}, time.Time{})
	require.NoError(t, err)
	return bs
}

// assertRollingIdentity checks every bucket against literal sums of the
// cell's daily counts.
func assertRollingIdentity(t *testing.T, buckets []domain.AggregateBucket) {
	t.Helper()
	if len(buckets) == 0 {
		return
	}
	daily := map[string]int{}
	first := buckets[0].Date
	for _, b := range buckets {
		daily[domain.DateKey(b.Date)] += b.Count
		if b.Date.Before(first) {
			first = b.Date
		}
	}
	sum := func(end time.Time, days int) int {
		n := 0
		for k := 0; k < days; k++ {
			n += daily[domain.DateKey(end.AddDate(0, 0, -k))]
		}
		return n
	}
	for _, b := range buckets {
		key := b.Key().String()
		assert.Equal(t, sum(b.Date, 1), b.Rolling1d, "rolling_1d %s", key)
		assert.Equal(t, sum(b.Date, 7), b.Rolling7d, "rolling_7d %s", key)
		assert.Equal(t, sum(b.Date, 30), b.Rolling30d, "rolling_30d %s", key)
		assert.Equal(t, domain.DaysBetween(first, b.Date)+1 < aggregate.WarmupDays, b.IsWarm, "is_warm %s", key)
	}
}

func TestNew_InvalidPrecision(t *testing.T) {
	_, err := aggregate.New(memory.New(), grid.NewIndexer(chicago), aggregate.Config{Precision: 13},
		clockwork.NewFakeClockAt(now), discardLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestIngest_NewCellStartsLineage(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)

	ts := time.Date(2024, 5, 20, 14, 35, 0, 0, time.UTC)
	got, err := agg.Ingest(context.Background(), event("e1", loopLat, loopLon, ts))
	require.NoError(t, err)

	want := []domain.AggregateBucket{{
		CellID:     cellOf(t, loopLat, loopLon),
		Date:       time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC),
		Hour:       14,
		Count:      1,
		Rolling1d:  1,
		Rolling7d:  1,
		Rolling30d: 1,
		IsWarm:     true,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ingest result mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, got, allBuckets(t, store, want[0].CellID))
}

func TestIngest_SevenDayScenario(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	base := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	counts := []int{3, 5, 2, 4, 6, 1, 0}
	n := 0
	for i, c := range counts {
		day := base.AddDate(0, 0, i-len(counts)+1)
		for j := 0; j < c; j++ {
			n++
			ts := day.Add(time.Duration(j*3+1) * time.Hour)
			_, err := agg.Ingest(ctx, event("e"+string(rune('a'+n)), loopLat, loopLon, ts))
			require.NoError(t, err)
		}
	}

	cellID := cellOf(t, loopLat, loopLon)
	r, err := agg.RollingAt(ctx, cellID, base)
	require.NoError(t, err)
	assert.Equal(t, 21, r.Rolling7d)
	assert.Equal(t, 0, r.Rolling1d)
	assert.Equal(t, 21, r.Rolling30d)

	buckets := allBuckets(t, store, cellID)
	last := buckets[len(buckets)-1]
	assert.Equal(t, "2024-05-30", domain.DateKey(last.Date))
	assert.Equal(t, 1, last.Rolling1d)
	assert.Equal(t, 21, last.Rolling7d)
	assertRollingIdentity(t, buckets)
}

func TestIngest_WindowsIncludeZeroDays(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	d0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	_, err := agg.Ingest(ctx, event("a", loopLat, loopLon, d0))
	require.NoError(t, err)
	got, err := agg.Ingest(ctx, event("b", loopLat, loopLon, d0.AddDate(0, 0, 7)))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Rolling7d, "day 0 is outside the 7 day window ending on day 7")
	assert.Equal(t, 2, got[0].Rolling30d)
}

func TestIngest_RollingIdentityRandomized(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	r := rand.New(rand.NewPCG(42, 1))
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 400; i++ {
		ts := start.Add(time.Duration(r.IntN(100*24*60)) * time.Minute)
		_, err := agg.Ingest(ctx, event("e", loopLat, loopLon, ts))
		require.NoError(t, err)
	}
	assertRollingIdentity(t, allBuckets(t, store, cellOf(t, loopLat, loopLon)))
}

func TestIngest_LateEventMovesFirstDay(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	d := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i += 4 {
		_, err := agg.Ingest(ctx, event("e", loopLat, loopLon, d.AddDate(0, 0, i)))
		require.NoError(t, err)
	}
	// Late arrival 20 days before the first observed day.
	_, err := agg.Ingest(ctx, event("late", loopLat, loopLon, d.AddDate(0, 0, -20)))
	require.NoError(t, err)

	buckets := allBuckets(t, store, cellOf(t, loopLat, loopLon))
	assertRollingIdentity(t, buckets)
	assert.Equal(t, "2024-03-12", domain.DateKey(buckets[0].Date))
}

func TestRebuild_EqualsSequentialIngest(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 9))
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	points := [][2]float64{{loopLat, loopLon}, {buckLat, buckLon}, {41.75, -87.6}, {42.0, -87.8}}

	var events []domain.Event
	for i := 0; i < 600; i++ {
		p := points[r.IntN(len(points))]
		ts := start.Add(time.Duration(r.IntN(120*24*60)) * time.Minute)
		events = append(events, event("e", p[0], p[1], ts))
	}
	// Invalid events are skipped by rebuild and rejected by ingest alike.
	events = append(events,
		event("far", 40.0, -80.0, start),
		event("future", loopLat, loopLon, now.Add(time.Hour)),
	)

	ctx := context.Background()
	ingestStore := memory.New()
	ingestAgg := newAggregator(t, ingestStore)
	shuffled := append([]domain.Event(nil), events...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for _, e := range shuffled {
		_, _ = ingestAgg.Ingest(ctx, e)
	}

	rebuildStore := memory.New()
	rebuilt, err := newAggregator(t, rebuildStore).Rebuild(ctx, domain.SliceSource(events), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, rebuilt)

	total := 0
	for _, b := range rebuilt {
		total += b.Count
	}
	assert.Equal(t, 600, total)

	for _, p := range points {
		cellID := cellOf(t, p[0], p[1])
		want := allBuckets(t, ingestStore, cellID)
		got := allBuckets(t, rebuildStore, cellID)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("cell %s rebuild differs from ingest (-ingest +rebuild):\n%s", cellID, diff)
		}
		assertRollingIdentity(t, got)
	}
}

func TestRebuild_ReplacesExistingHistory(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := agg.Ingest(ctx, event("dup", loopLat, loopLon, ts))
		require.NoError(t, err)
	}

	_, err := agg.Rebuild(ctx, domain.SliceSource{event("once", loopLat, loopLon, ts)}, time.Time{}, time.Time{})
	require.NoError(t, err)

	buckets := allBuckets(t, store, cellOf(t, loopLat, loopLon))
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].Count)

	// Running the same rebuild again leaves the store unchanged.
	_, err = agg.Rebuild(ctx, domain.SliceSource{event("once", loopLat, loopLon, ts)}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, buckets, allBuckets(t, store, cellOf(t, loopLat, loopLon)))
}

func TestRebuild_TimeRange(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)

	in := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	src := domain.SliceSource{
		event("before", loopLat, loopLon, in.AddDate(0, 0, -1)),
		event("in", loopLat, loopLon, in),
		event("after", loopLat, loopLon, in.AddDate(0, 0, 1)),
	}
	got, err := agg.Rebuild(context.Background(), src, in, in.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-05-01", domain.DateKey(got[0].Date))
}

func TestRebuild_RangeKeepsHistoryOutsideRange(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()
	cellID := cellOf(t, loopLat, loopLon)

	april := time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC)
	may := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	src := domain.SliceSource{
		event("apr", loopLat, loopLon, april),
		event("may", loopLat, loopLon, may),
	}
	_, err := agg.Rebuild(ctx, src, time.Time{}, time.Time{})
	require.NoError(t, err)
	full := allBuckets(t, store, cellID)
	require.Len(t, full, 2)
	assert.Equal(t, 2, full[1].Rolling30d)

	// Same events over a range starting mid-hour on May 1st: nothing changes.
	got, err := agg.Rebuild(ctx, src, time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, full, got)
	if diff := cmp.Diff(full, allBuckets(t, store, cellID)); diff != "" {
		t.Fatalf("ranged rebuild changed history (-want +got):\n%s", diff)
	}

	// A range with an extra May event only rewrites May; April survives and
	// still counts toward the May windows.
	src = append(src, event("may-2", loopLat, loopLon, may.Add(2*time.Hour)))
	_, err = agg.Rebuild(ctx, src, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	buckets := allBuckets(t, store, cellID)
	require.Len(t, buckets, 3)
	assert.Equal(t, "2024-04-20", domain.DateKey(buckets[0].Date))
	assert.Equal(t, 1, buckets[0].Count)
	assert.Equal(t, 3, buckets[2].Rolling30d)
	assert.Equal(t, 2, buckets[2].Rolling1d)
	assert.True(t, buckets[2].IsWarm)
	assertRollingIdentity(t, buckets)
}

func TestRebuild_RangeDropsStaleBucketsInsideRange(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()
	cellID := cellOf(t, loopLat, loopLon)

	ts := time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)
	for _, e := range []domain.Event{
		event("keep", loopLat, loopLon, ts.AddDate(0, 0, -2)),
		event("dup", loopLat, loopLon, ts),
		event("dup", loopLat, loopLon, ts),
	} {
		_, err := agg.Ingest(ctx, e)
		require.NoError(t, err)
	}

	_, err := agg.Rebuild(ctx, domain.SliceSource{event("dup", loopLat, loopLon, ts)}, ts, ts.Add(time.Hour))
	require.NoError(t, err)

	buckets := allBuckets(t, store, cellID)
	require.Len(t, buckets, 2)
	assert.Equal(t, 1, buckets[1].Count)
	assert.Equal(t, 2, buckets[1].Rolling7d)
	assertRollingIdentity(t, buckets)
}

func TestIngest_Rejections(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	_, err := agg.Ingest(ctx, event("future", loopLat, loopLon, now.Add(time.Minute)))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = agg.Ingest(ctx, event("zero", loopLat, loopLon, time.Time{}))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = agg.Ingest(ctx, event("far", 40.7128, -74.0060, now.Add(-time.Hour)))
	assert.ErrorIs(t, err, domain.ErrOutOfBounds)

	assert.Empty(t, allBuckets(t, store, cellOf(t, loopLat, loopLon)))
}

func TestIngest_UsesConfiguredLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	store := memory.New()
	agg, err := aggregate.New(store, grid.NewIndexer(chicago), aggregate.Config{Precision: 6, Location: loc},
		clockwork.NewFakeClockAt(now), discardLogger())
	require.NoError(t, err)

	// 02:00 UTC on May 2nd is 21:00 on May 1st in Chicago.
	got, err := agg.Ingest(context.Background(), event("e", loopLat, loopLon, time.Date(2024, 5, 2, 2, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-05-01", domain.DateKey(got[0].Date))
	assert.Equal(t, 21, got[0].Hour)
}

// flakyStore fails writes while failing is set.
type flakyStore struct {
	*memory.Store
	failing atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) PutBatch(ctx context.Context, bs []domain.AggregateBucket) error {
	if s.failing.Load() {
		return errDiskFull
	}
	return s.Store.PutBatch(ctx, bs)
}

func TestIngest_StoreFailureIsSurfacedAndRetrySafe(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	agg := newAggregator(t, store)
	ctx := context.Background()
	e := event("e", loopLat, loopLon, time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC))

	store.failing.Store(true)
	_, err := agg.Ingest(ctx, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, allBuckets(t, store, cellOf(t, loopLat, loopLon)))

	store.failing.Store(false)
	got, err := agg.Ingest(ctx, e)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Count)
}

func TestIngest_ConcurrentSameCell(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()

	const n = 64
	base := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := base.Add(time.Duration(i%5) * 24 * time.Hour).Add(time.Duration(i%3) * time.Hour)
			_, err := agg.Ingest(ctx, event("e", loopLat, loopLon, ts))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	buckets := allBuckets(t, store, cellOf(t, loopLat, loopLon))
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	assert.Equal(t, n, total)
	assertRollingIdentity(t, buckets)
}

func TestPhase(t *testing.T) {
	store := memory.New()
	agg := newAggregator(t, store)
	ctx := context.Background()
	cellID := cellOf(t, loopLat, loopLon)

	p, err := agg.Phase(ctx, cellID)
	require.NoError(t, err)
	assert.Equal(t, aggregate.PhaseEmpty, p)

	_, err = agg.Ingest(ctx, event("e", loopLat, loopLon, now.AddDate(0, 0, -10)))
	require.NoError(t, err)
	p, err = agg.Phase(ctx, cellID)
	require.NoError(t, err)
	assert.Equal(t, aggregate.PhaseWarm, p)

	_, err = agg.Ingest(ctx, event("e", loopLat, loopLon, now.AddDate(0, 0, -29)))
	require.NoError(t, err)
	p, err = agg.Phase(ctx, cellID)
	require.NoError(t, err)
	assert.Equal(t, aggregate.PhaseSteady, p)

	_, err = agg.Phase(ctx, "bad id")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
