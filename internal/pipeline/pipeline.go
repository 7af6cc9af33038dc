package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

// BatchExtractor reads up to batchSize raw events from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Transformer converts a raw message into a crime event.
type Transformer interface {
	Transform(ctx context.Context, raw domain.RawEvent) (domain.Event, error)
}

// Ingester applies one event to the aggregates and returns the buckets it
// rewrote.
type Ingester interface {
	Ingest(ctx context.Context, e domain.Event) ([]domain.AggregateBucket, error)
}

// Publisher forwards updated buckets downstream.
type Publisher interface {
	PublishBuckets(ctx context.Context, buckets []domain.AggregateBucket) error
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
	// flushTimeout bounds the last publish attempt made after cancellation.
	flushTimeout = 5 * time.Second
)

// Pipeline orchestrates the extract-transform-ingest-publish loop.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	ingester    Ingester
	publisher   Publisher
	logger      *slog.Logger
	metrics     *observability.Metrics
	ready       atomic.Bool
	batchSize   int
}

// New creates a Pipeline. A nil publisher disables aggregate publication.
func New(e BatchExtractor, t Transformer, i Ingester, p Publisher, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		transformer: t,
		ingester:    i,
		publisher:   p,
		logger:      logger,
		metrics:     metrics,
		batchSize:   batchSize,
	}
}

// CheckReadiness returns nil if the pipeline has ingested at least one event,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not ingested any events yet")
	}
	return nil
}

// Ready reports whether at least one event has been ingested.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// Run executes the batch loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize, "publish", p.publisher != nil)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one extract-ingest-publish cycle. Returns false if the
// pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}

	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.MessagesConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))
	*backoff = initialBackoff

	// Buckets ingested before a mid-batch stop are published too: their
	// offsets are already committed.
	updated, ingested, ok := p.ingestBatch(ctx, rawBatch, backoff)
	if !p.publish(ctx, updated, backoff) || !ok {
		return false
	}

	if ingested > 0 {
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
	}
	return true
}

// ingestBatch applies each message in order. Messages that cannot become a
// valid event are committed and skipped. A store failure is retried with
// backoff on the same event: the aggregator writes nothing on failure, so a
// retry cannot double count. Offsets are committed right after each
// successful ingest. Returns the latest version of every updated bucket, the
// number of ingested events and false if the pipeline should stop. The
// buckets are returned on a stop as well.
func (p *Pipeline) ingestBatch(ctx context.Context, rawBatch []domain.RawEvent, backoff *time.Duration) ([]domain.AggregateBucket, int, bool) {
	latest := make(map[domain.BucketKey]int)
	var updated []domain.AggregateBucket
	ingested := 0

	for _, raw := range rawBatch {
		event, err := p.transformer.Transform(ctx, raw)
		if err != nil {
			p.skip(ctx, raw, "transform failed, skipping message", err)
			continue
		}

		var buckets []domain.AggregateBucket
		for {
			buckets, err = p.ingester.Ingest(ctx, event)
			if err == nil || !errors.Is(err, domain.ErrStore) {
				break
			}
			p.logger.Error("ingest failed, retrying", "error", err, "event_id", event.ID)
			if !p.backoffOrStop(ctx, backoff) {
				return updated, ingested, false
			}
		}
		if err != nil {
			p.skip(ctx, raw, "event rejected, skipping message", err)
			continue
		}
		*backoff = initialBackoff

		ingested++
		p.commitOffset(ctx, raw)
		for _, b := range buckets {
			k := b.Key()
			if i, seen := latest[k]; seen {
				updated[i] = b
				continue
			}
			latest[k] = len(updated)
			updated = append(updated, b)
		}
	}
	return updated, ingested, true
}

// publish forwards the batch's updated buckets, retrying with backoff. The
// buckets are full snapshots, so republishing is harmless downstream. Once
// ctx is cancelled it makes one final attempt through flush and reports
// false.
func (p *Pipeline) publish(ctx context.Context, buckets []domain.AggregateBucket, backoff *time.Duration) bool {
	if p.publisher == nil || len(buckets) == 0 {
		return true
	}
	for {
		if ctx.Err() != nil {
			p.flush(ctx, buckets)
			return false
		}
		err := p.publisher.PublishBuckets(ctx, buckets)
		if err == nil {
			p.metrics.AggregatesPublished.Add(float64(len(buckets)))
			*backoff = initialBackoff
			return true
		}
		p.logger.Error("publish buckets failed", "error", err, "buckets", len(buckets))
		p.backoffOrStop(ctx, backoff)
	}
}

// flush publishes on a context detached from the cancelled one, bounded by
// flushTimeout. The source offsets of these buckets are committed, so a
// failure here leaves a gap in the changelog that only a rebuild repairs.
func (p *Pipeline) flush(ctx context.Context, buckets []domain.AggregateBucket) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := p.publisher.PublishBuckets(fctx, buckets); err != nil {
		p.logger.Error("final publish failed, buckets missing from changelog",
			"error", err, "buckets", len(buckets))
		return
	}
	p.metrics.AggregatesPublished.Add(float64(len(buckets)))
	p.logger.Info("flushed buckets on shutdown", "buckets", len(buckets))
}

func (p *Pipeline) skip(ctx context.Context, raw domain.RawEvent, msg string, err error) {
	p.logger.Warn(msg,
		"error", err,
		"topic", raw.Topic,
		"partition", raw.Partition,
		"offset", raw.Offset,
	)
	p.metrics.TransformErrors.Inc()
	p.commitOffset(ctx, raw)
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !retry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}
