// Package store selects and instruments the AggregateStore backend.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/store/badger"
	"github.com/couchcryptid/crime-grid-engine/internal/store/memory"
	"github.com/couchcryptid/crime-grid-engine/internal/store/sqlite"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config selects a backend and its location.
type Config struct {
	Backend    string
	SQLitePath string
	BadgerPath string
	// SkipMigrate leaves the SQLite schema untouched on open.
	SkipMigrate bool
}

// Store is an AggregateStore that owns resources released by Close.
type Store interface {
	domain.AggregateStore
	Close() error
}

// Open builds the configured backend. SQLite databases are migrated to the
// latest schema unless SkipMigrate is set.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		if !cfg.SkipMigrate {
			if err := s.MigrateUp(); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	case BackendBadger:
		bc := badger.DefaultConfig(cfg.BadgerPath)
		bc.Logger = logger
		return badger.Open(bc)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Instrumented records latency and failures of every store call and tags
// failures with domain.ErrStore.
type Instrumented struct {
	next    Store
	backend string
	metrics *observability.Metrics
}

// Instrument wraps s. backend labels the metrics.
func Instrument(s Store, backend string, metrics *observability.Metrics) *Instrumented {
	if backend == "" {
		backend = BackendMemory
	}
	return &Instrumented{next: s, backend: backend, metrics: metrics}
}

func (s *Instrumented) observe(op string, start time.Time, err error) error {
	s.metrics.StoreOpDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues(s.backend, op).Inc()
		return domain.StoreError(op, err)
	}
	return nil
}

func (s *Instrumented) Get(ctx context.Context, cellID string, from, to time.Time) ([]domain.AggregateBucket, error) {
	start := time.Now()
	out, err := s.next.Get(ctx, cellID, from, to)
	return out, s.observe("get", start, err)
}

func (s *Instrumented) Put(ctx context.Context, b domain.AggregateBucket) error {
	start := time.Now()
	return s.observe("put", start, s.next.Put(ctx, b))
}

func (s *Instrumented) PutBatch(ctx context.Context, buckets []domain.AggregateBucket) error {
	start := time.Now()
	return s.observe("put_batch", start, s.next.PutBatch(ctx, buckets))
}

func (s *Instrumented) ReplaceCell(ctx context.Context, cellID string, buckets []domain.AggregateBucket) error {
	start := time.Now()
	return s.observe("replace_cell", start, s.next.ReplaceCell(ctx, cellID, buckets))
}

func (s *Instrumented) DateBounds(ctx context.Context, cellID string) (first, last time.Time, ok bool, err error) {
	start := time.Now()
	first, last, ok, err = s.next.DateBounds(ctx, cellID)
	return first, last, ok, s.observe("date_bounds", start, err)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}
