// Package neighborhood ranks the cells around a point by recent event count.
package neighborhood

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/grid"
)

// fetchConcurrency bounds parallel store reads per query.
const fetchConcurrency = 8

// Config tunes neighbourhood queries.
type Config struct {
	// LookbackDays is the window, ending today, that counts are summed over.
	LookbackDays int
	// Limit caps the number of results.
	Limit int
	// MaxRingDepth caps the requested ring depth.
	MaxRingDepth int
	// Location defines "today". Nil means UTC.
	Location *time.Location
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{LookbackDays: 30, Limit: 20, MaxRingDepth: 3, Location: time.UTC}
}

// Resolver answers nearby queries against an AggregateStore.
type Resolver struct {
	store   domain.AggregateStore
	indexer *grid.Indexer
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
}

// New creates a Resolver.
func New(store domain.AggregateStore, indexer *grid.Indexer, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Resolver {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Resolver{store: store, indexer: indexer, cfg: cfg, clock: clock, logger: logger}
}

// Nearby assigns the point to its cell, expands ringDepth adjacency rings
// around it and returns the cells with events in the lookback window,
// ordered by count descending then cell id ascending. Cells without events
// are left out, so an empty result is not an error.
func (r *Resolver) Nearby(ctx context.Context, lat, lon float64, precision, ringDepth int) ([]domain.NeighborResult, error) {
	if ringDepth < 0 || ringDepth > r.cfg.MaxRingDepth {
		return nil, domain.InvalidArgument("ring depth %d outside 0-%d", ringDepth, r.cfg.MaxRingDepth)
	}
	seed, err := r.indexer.Assign(lat, lon, precision)
	if err != nil {
		return nil, err
	}
	members, err := r.indexer.Ring(seed.ID, ringDepth)
	if err != nil {
		return nil, err
	}

	to := domain.CivilDay(r.clock.Now(), r.cfg.Location)
	from := to.AddDate(0, 0, -(r.cfg.LookbackDays - 1))

	counts := make([]int, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, m := range members {
		g.Go(func() error {
			buckets, err := r.store.Get(gctx, m.CellID, from, to)
			if err != nil {
				return domain.StoreError("get "+m.CellID, err)
			}
			for _, b := range buckets {
				counts[i] += b.Count
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]domain.NeighborResult, 0, len(members))
	for i, m := range members {
		if counts[i] == 0 {
			continue
		}
		cell, err := grid.CellFromID(m.CellID)
		if err != nil {
			return nil, err
		}
		results = append(results, domain.NeighborResult{
			CellID:     m.CellID,
			Centroid:   cell.Centroid,
			EventCount: counts[i],
			Ring:       m.Ring,
		})
	}
	Rank(results)
	if len(results) > r.cfg.Limit {
		results = results[:r.cfg.Limit]
	}

	r.logger.Debug("nearby resolved",
		"seed", seed.ID,
		"ring_depth", ringDepth,
		"candidates", len(members),
		"results", len(results),
	)
	return results, nil
}

// Rank orders results by event count descending, ties by cell id ascending.
func Rank(results []domain.NeighborResult) {
	slices.SortFunc(results, func(a, b domain.NeighborResult) int {
		if c := cmp.Compare(b.EventCount, a.EventCount); c != 0 {
			return c
		}
		return cmp.Compare(a.CellID, b.CellID)
	})
}
