package domain

import (
	"context"
	"iter"
	"slices"
	"time"
)

// AggregateStore is the externally owned persistence for AggregateBuckets.
// Implementations must give read-after-write visibility within a process.
type AggregateStore interface {
	// Get returns the cell's buckets with from <= Date <= to, ordered by
	// (Date, Hour). A zero from or to leaves that side unbounded.
	Get(ctx context.Context, cellID string, from, to time.Time) ([]AggregateBucket, error)

	// Put upserts a single bucket.
	Put(ctx context.Context, b AggregateBucket) error

	// PutBatch upserts all buckets atomically: either every bucket is
	// written or none is.
	PutBatch(ctx context.Context, buckets []AggregateBucket) error

	// ReplaceCell atomically deletes every bucket of the cell and writes the
	// given ones.
	ReplaceCell(ctx context.Context, cellID string, buckets []AggregateBucket) error

	// DateBounds returns the first and last dates with a stored bucket for
	// the cell. ok is false when the cell has no history.
	DateBounds(ctx context.Context, cellID string) (first, last time.Time, ok bool, err error)
}

// EventSource yields events in ascending timestamp order. A finite source
// backs rebuilds; a zero from or to leaves that side unbounded, and to is
// exclusive.
type EventSource interface {
	Events(ctx context.Context, from, to time.Time) iter.Seq2[Event, error]
}

// Scorer is an externally trained model used as an opaque scoring function.
// Confidence must lie in [0, 1]; the engine passes it through unmodified.
type Scorer interface {
	Score(ctx context.Context, cellID string, date time.Time, hour int, f Features) (predicted, confidence float64, err error)
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(ctx context.Context, cellID string, date time.Time, hour int, f Features) (float64, float64, error)

// Score calls fn.
func (fn ScorerFunc) Score(ctx context.Context, cellID string, date time.Time, hour int, f Features) (float64, float64, error) {
	return fn(ctx, cellID, date, hour, f)
}

// SliceSource is an in-memory EventSource, used for fixtures and file imports.
type SliceSource []Event

// Events yields the events inside [from, to) in timestamp order. Ties keep
// their input order.
func (s SliceSource) Events(ctx context.Context, from, to time.Time) iter.Seq2[Event, error] {
	sorted := slices.Clone(s)
	slices.SortStableFunc(sorted, func(a, b Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return func(yield func(Event, error) bool) {
		for _, e := range sorted {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !from.IsZero() && e.Timestamp.Before(from) {
				continue
			}
			if !to.IsZero() && !e.Timestamp.Before(to) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}
