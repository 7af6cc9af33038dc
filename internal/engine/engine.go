// Package engine wires the grid indexer, rolling aggregator, forecast
// generator and neighborhood resolver behind one value consumed by the HTTP
// API, the CLI and the streaming pipeline.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crime-grid-engine/internal/aggregate"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/forecast"
	"github.com/couchcryptid/crime-grid-engine/internal/grid"
	"github.com/couchcryptid/crime-grid-engine/internal/neighborhood"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

// Options configures an Engine.
type Options struct {
	Precision   int
	Envelope    domain.Bounds
	Location    *time.Location
	Parallelism int
	Forecast    forecast.Config
	Nearby      neighborhood.Config
	// Scorer replaces the hourly-mean forecast when set.
	Scorer domain.Scorer
}

// Engine is safe for concurrent use.
type Engine struct {
	store      domain.AggregateStore
	indexer    *grid.Indexer
	aggregator *aggregate.Aggregator
	forecaster *forecast.Generator
	resolver   *neighborhood.Resolver
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New builds an Engine over store.
func New(store domain.AggregateStore, opts Options, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) (*Engine, error) {
	indexer := grid.NewIndexer(opts.Envelope)
	agg, err := aggregate.New(store, indexer, aggregate.Config{
		Precision:   opts.Precision,
		Location:    opts.Location,
		Parallelism: opts.Parallelism,
	}, clock, logger)
	if err != nil {
		return nil, err
	}
	if opts.Forecast == (forecast.Config{}) {
		opts.Forecast = forecast.DefaultConfig()
	}
	nearby := opts.Nearby
	if nearby.Limit == 0 {
		nearby = neighborhood.DefaultConfig()
		nearby.Location = nil
	}
	if nearby.Location == nil {
		nearby.Location = agg.Location()
	}
	return &Engine{
		store:      store,
		indexer:    indexer,
		aggregator: agg,
		forecaster: forecast.New(store, opts.Scorer, opts.Forecast, logger),
		resolver:   neighborhood.New(store, indexer, nearby, clock, logger),
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Precision returns the precision events are aggregated at.
func (e *Engine) Precision() int { return e.aggregator.Precision() }

// Envelope returns the accepted coordinate box.
func (e *Engine) Envelope() domain.Bounds { return e.indexer.Envelope() }

// Assign maps a coordinate to its cell.
func (e *Engine) Assign(lat, lon float64, precision int) (domain.Cell, error) {
	return e.indexer.Assign(lat, lon, precision)
}

// Cell decodes a cell id.
func (e *Engine) Cell(cellID string) (domain.Cell, error) {
	return grid.CellFromID(cellID)
}

// Adjacent returns the up to eight neighbors of a cell.
func (e *Engine) Adjacent(cellID string) ([]string, error) {
	return e.indexer.Adjacent(cellID)
}

// Ring returns the seed and every cell within depth adjacency steps, each
// tagged with its ring.
func (e *Engine) Ring(cellID string, depth int) ([]grid.Member, error) {
	return e.indexer.Ring(cellID, depth)
}

// Ingest counts one event and returns the buckets it rewrote.
func (e *Engine) Ingest(ctx context.Context, ev domain.Event) ([]domain.AggregateBucket, error) {
	buckets, err := e.aggregator.Ingest(ctx, ev)
	if err != nil {
		e.metrics.IngestErrors.WithLabelValues(domain.ErrorKind(err)).Inc()
		return nil, err
	}
	e.metrics.EventsIngested.Inc()
	return buckets, nil
}

// Rebuild recomputes every cell with events from src in [from, to).
func (e *Engine) Rebuild(ctx context.Context, src domain.EventSource, from, to time.Time) ([]domain.AggregateBucket, error) {
	buckets, err := e.aggregator.Rebuild(ctx, src, from, to)
	if err != nil {
		e.metrics.RebuildRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	e.metrics.RebuildRuns.WithLabelValues("success").Inc()
	return buckets, nil
}

// Phase reports the warm-up state of a cell as of today.
func (e *Engine) Phase(ctx context.Context, cellID string) (aggregate.Phase, error) {
	return e.aggregator.Phase(ctx, cellID)
}

// Rolling returns the cell's window sums for day.
func (e *Engine) Rolling(ctx context.Context, cellID string, day time.Time) (aggregate.Rolling, error) {
	return e.aggregator.RollingAt(ctx, cellID, day)
}

// Aggregates returns stored buckets of a cell in [from, to], both inclusive.
func (e *Engine) Aggregates(ctx context.Context, cellID string, from, to time.Time) ([]domain.AggregateBucket, error) {
	if err := grid.ValidateCellID(cellID); err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, domain.InvalidArgument("to %s is before from %s", domain.DateKey(to), domain.DateKey(from))
	}
	buckets, err := e.store.Get(ctx, cellID, from, to)
	if err != nil {
		return nil, domain.StoreError("get "+cellID, err)
	}
	return buckets, nil
}

// Forecast projects the cell's hourly profile over days starting on from.
func (e *Engine) Forecast(ctx context.Context, cellID string, days int, from time.Time) ([]domain.ForecastPoint, error) {
	source := "fallback"
	if e.forecaster.UsesScorer() {
		source = "scorer"
	}
	points, err := e.forecaster.Forecast(ctx, cellID, days, from)
	e.metrics.ForecastRequests.WithLabelValues(source, outcome(err)).Inc()
	return points, err
}

// Profile returns the hour-of-day means behind the default forecast.
func (e *Engine) Profile(ctx context.Context, cellID string, from time.Time) (forecast.Profile, error) {
	return e.forecaster.Profile(ctx, cellID, from)
}

// Nearby ranks the cells around a point by recent event count.
func (e *Engine) Nearby(ctx context.Context, lat, lon float64, precision, ringDepth int) ([]domain.NeighborResult, error) {
	results, err := e.resolver.Nearby(ctx, lat, lon, precision, ringDepth)
	e.metrics.NearbyRequests.WithLabelValues(outcome(err)).Inc()
	return results, err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
