// Package memory provides a process-local AggregateStore.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

type key struct {
	day  int64
	hour int
}

// Store keeps aggregate buckets in maps guarded by a single RWMutex. Every
// write is applied under the lock, so batches are atomic and reads observe
// all prior writes.
type Store struct {
	mu    sync.RWMutex
	cells map[string]map[key]domain.AggregateBucket
}

// New creates an empty Store.
func New() *Store {
	return &Store{cells: make(map[string]map[key]domain.AggregateBucket)}
}

func keyOf(b domain.AggregateBucket) key {
	return key{day: b.Date.Unix() / 86400, hour: b.Hour}
}

// Get returns buckets with from <= Date <= to ordered by (Date, Hour).
func (s *Store) Get(ctx context.Context, cellID string, from, to time.Time) ([]domain.AggregateBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AggregateBucket
	for _, b := range s.cells[cellID] {
		if !from.IsZero() && b.Date.Before(from) {
			continue
		}
		if !to.IsZero() && b.Date.After(to) {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, compareBuckets)
	return out, nil
}

// Put upserts one bucket.
func (s *Store) Put(ctx context.Context, b domain.AggregateBucket) error {
	return s.PutBatch(ctx, []domain.AggregateBucket{b})
}

// PutBatch upserts every bucket under one lock acquisition.
func (s *Store) PutBatch(ctx context.Context, buckets []domain.AggregateBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range buckets {
		cell := s.cells[b.CellID]
		if cell == nil {
			cell = make(map[key]domain.AggregateBucket)
			s.cells[b.CellID] = cell
		}
		cell[keyOf(b)] = b
	}
	return nil
}

// ReplaceCell drops the cell's buckets and stores the given ones.
func (s *Store) ReplaceCell(ctx context.Context, cellID string, buckets []domain.AggregateBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cell := make(map[key]domain.AggregateBucket, len(buckets))
	for _, b := range buckets {
		b.CellID = cellID
		cell[keyOf(b)] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cell) == 0 {
		delete(s.cells, cellID)
		return nil
	}
	s.cells[cellID] = cell
	return nil
}

// DateBounds returns the earliest and latest bucket dates of the cell.
func (s *Store) DateBounds(ctx context.Context, cellID string) (first, last time.Time, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.cells[cellID] {
		if !ok || b.Date.Before(first) {
			first = b.Date
		}
		if !ok || b.Date.After(last) {
			last = b.Date
		}
		ok = true
	}
	return first, last, ok, nil
}

// Close is a no-op so Store satisfies the same lifecycle as durable backends.
func (s *Store) Close() error { return nil }

func compareBuckets(a, b domain.AggregateBucket) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	return cmp.Compare(a.Hour, b.Hour)
}
