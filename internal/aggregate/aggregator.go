// Package aggregate maintains per-cell, per-hour event counts and their exact
// rolling 1, 7 and 30 day sums.
package aggregate

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/grid"
)

// Config controls how events are bucketed.
type Config struct {
	// Precision is the cell id length events are assigned at.
	Precision int
	// Location defines civil days and hours. Nil means UTC.
	Location *time.Location
	// Parallelism caps concurrent cells during Rebuild. Zero means GOMAXPROCS.
	Parallelism int
}

// Aggregator turns events into AggregateBuckets in an external store.
// Writes to one cell are serialized; different cells proceed in parallel.
type Aggregator struct {
	store   domain.AggregateStore
	indexer *grid.Indexer
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	locks   *cellLocks
}

// New creates an Aggregator. It fails on an invalid precision.
func New(store domain.AggregateStore, indexer *grid.Indexer, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Aggregator, error) {
	if err := grid.ValidatePrecision(cfg.Precision); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	return &Aggregator{
		store:   store,
		indexer: indexer,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		locks:   newCellLocks(),
	}, nil
}

// Precision returns the precision events are assigned at.
func (a *Aggregator) Precision() int { return a.cfg.Precision }

// Location returns the time zone civil days are taken in.
func (a *Aggregator) Location() *time.Location { return a.cfg.Location }

// locate validates the event and returns its cell, civil day and hour.
func (a *Aggregator) locate(e domain.Event) (string, time.Time, int, error) {
	if e.Timestamp.IsZero() {
		return "", time.Time{}, 0, domain.InvalidArgument("event %q has no timestamp", e.ID)
	}
	if e.Timestamp.After(a.clock.Now()) {
		return "", time.Time{}, 0, domain.InvalidArgument("event %q timestamp %s is in the future", e.ID, e.Timestamp.Format(time.RFC3339))
	}
	cell, err := a.indexer.Assign(e.Latitude, e.Longitude, a.cfg.Precision)
	if err != nil {
		return "", time.Time{}, 0, err
	}
	return cell.ID, domain.CivilDay(e.Timestamp, a.cfg.Location), domain.LocalHour(e.Timestamp, a.cfg.Location), nil
}

// Ingest counts one event and writes every bucket whose derived fields
// changed, in a single atomic batch. It returns the written buckets ordered
// by (Date, Hour). On a store error nothing is written and the caller may
// retry the same event.
func (a *Aggregator) Ingest(ctx context.Context, e domain.Event) ([]domain.AggregateBucket, error) {
	cellID, day, hour, err := a.locate(e)
	if err != nil {
		return nil, err
	}

	unlock := a.locks.lock(cellID)
	defer unlock()

	first, _, ok, err := a.store.DateBounds(ctx, cellID)
	if err != nil {
		return nil, domain.StoreError("date bounds "+cellID, err)
	}

	// Days D..D+29 see the new count in their windows. A late event that
	// moves the first observed day also changes warm flags up to the old
	// first day's warm-up horizon.
	newFirst := day
	end := day.AddDate(0, 0, Window30d-1)
	if ok {
		if first.Before(day) {
			newFirst = first
		} else if horizon := first.AddDate(0, 0, WarmupDays-1); horizon.After(end) {
			end = horizon
		}
	}
	start := day.AddDate(0, 0, -(Window30d - 1))

	existing, err := a.store.Get(ctx, cellID, start, end)
	if err != nil {
		return nil, domain.StoreError("get "+cellID, err)
	}

	totals := make(dailyTotals)
	target := -1
	for i, b := range existing {
		totals[dayIndex(b.Date)] += b.Count
		if b.Hour == hour && b.Date.Equal(day) {
			target = i
		}
	}
	if target < 0 {
		existing = append(existing, domain.AggregateBucket{CellID: cellID, Date: day, Hour: hour})
		target = len(existing) - 1
	}
	stored := existing[target]
	existing[target].Count++
	totals[dayIndex(day)]++

	firstDay := dayIndex(newFirst)
	changed := make([]domain.AggregateBucket, 0, len(existing))
	for i, b := range existing {
		if b.Date.Before(day) {
			continue
		}
		updated := b
		updated.Date = domain.CivilDay(b.Date, time.UTC)
		totals.apply(&updated, firstDay)
		before := b
		if i == target {
			before = stored
		}
		if i == target || !sameDerived(before, updated) {
			changed = append(changed, updated)
		}
	}
	slices.SortFunc(changed, compareBuckets)

	if err := a.store.PutBatch(ctx, changed); err != nil {
		return nil, domain.StoreError("put batch "+cellID, err)
	}

	a.logger.Debug("event ingested",
		"event_id", e.ID,
		"cell_id", cellID,
		"date", domain.DateKey(day),
		"hour", hour,
		"buckets_written", len(changed),
	)
	return changed, nil
}

// Rebuild recomputes the buckets of every cell touched by the source's events
// in [from, to) and atomically rewrites each cell. The result equals
// ingesting the same events one by one in any order. Events that Ingest
// would reject are skipped and logged.
//
// With both bounds zero the source is the whole history and each touched
// cell is replaced outright. Otherwise the bounds are floored to the hour,
// only stored buckets whose hour starts inside the range are replaced, and
// the rest of the cell's history is kept and folded back into the rolling
// sums and warm flags. It returns every bucket of the rewritten cells. A
// failed rebuild may have rewritten some cells; retry it as a whole.
func (a *Aggregator) Rebuild(ctx context.Context, src domain.EventSource, from, to time.Time) ([]domain.AggregateBucket, error) {
	from, to = floorHour(from, a.cfg.Location), floorHour(to, a.cfg.Location)
	ranged := !from.IsZero() || !to.IsZero()
	cells := make(map[string]map[slot]int)
	events, skipped := 0, 0

	for e, err := range src.Events(ctx, from, to) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, domain.StoreError("read events", err)
		}
		cellID, day, hour, err := a.locate(e)
		if err != nil {
			skipped++
			a.logger.Debug("rebuild skipping event", "event_id", e.ID, "error", err)
			continue
		}
		counts := cells[cellID]
		if counts == nil {
			counts = make(map[slot]int)
			cells[cellID] = counts
		}
		counts[slot{day: dayIndex(day), hour: hour}]++
		events++
	}

	ids := make([]string, 0, len(cells))
	for id := range cells {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	results := make([][]domain.AggregateBucket, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallelism)
	for i, id := range ids {
		g.Go(func() error {
			unlock := a.locks.lock(id)
			defer unlock()
			counts := cells[id]
			if ranged {
				stored, err := a.store.Get(gctx, id, time.Time{}, time.Time{})
				if err != nil {
					return domain.StoreError("get "+id, err)
				}
				for _, b := range stored {
					if inRange(a.bucketStart(b), from, to) {
						continue
					}
					counts[slot{day: dayIndex(b.Date), hour: b.Hour}] += b.Count
				}
			}
			buckets := computeCell(id, counts)
			if err := a.store.ReplaceCell(gctx, id, buckets); err != nil {
				return domain.StoreError("replace cell "+id, err)
			}
			results[i] = buckets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := slices.Concat(results...)
	if skipped > 0 {
		a.logger.Warn("rebuild skipped invalid events", "skipped", skipped)
	}
	a.logger.Info("rebuild complete",
		"ranged", ranged,
		"events", events,
		"cells", len(ids),
		"buckets", len(out),
	)
	return out, nil
}

// bucketStart returns the instant the bucket's hour begins.
func (a *Aggregator) bucketStart(b domain.AggregateBucket) time.Time {
	return time.Date(b.Date.Year(), b.Date.Month(), b.Date.Day(), b.Hour, 0, 0, 0, a.cfg.Location)
}

func floorHour(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), 0, 0, 0, loc)
}

func inRange(t, from, to time.Time) bool {
	return (from.IsZero() || !t.Before(from)) && (to.IsZero() || t.Before(to))
}

// Phase reports the cell's state as of the clock's current civil day.
func (a *Aggregator) Phase(ctx context.Context, cellID string) (Phase, error) {
	if err := grid.ValidateCellID(cellID); err != nil {
		return PhaseEmpty, err
	}
	first, _, ok, err := a.store.DateBounds(ctx, cellID)
	if err != nil {
		return PhaseEmpty, domain.StoreError("date bounds "+cellID, err)
	}
	return PhaseAt(first, ok, domain.CivilDay(a.clock.Now(), a.cfg.Location)), nil
}

// RollingAt reads the cell's last 30 days ending on day and returns the
// window sums for that day.
func (a *Aggregator) RollingAt(ctx context.Context, cellID string, day time.Time) (Rolling, error) {
	if err := grid.ValidateCellID(cellID); err != nil {
		return Rolling{}, err
	}
	buckets, err := a.store.Get(ctx, cellID, day.AddDate(0, 0, -(Window30d-1)), day)
	if err != nil {
		return Rolling{}, domain.StoreError("get "+cellID, err)
	}
	return RollingAt(buckets, day), nil
}
