package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Writer publishes updated aggregate buckets to the sink topic, keyed by
// cell id so each cell's updates stay ordered within a partition.
// It implements pipeline.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishBuckets writes all buckets in a single WriteMessages call.
func (w *Writer) PublishBuckets(ctx context.Context, buckets []domain.AggregateBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(buckets))
	for i := range buckets {
		msg, err := serializeToMessage(buckets[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d buckets: %w", len(msgs), err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an AggregateBucket into a Kafka message.
func serializeToMessage(b domain.AggregateBucket) (kafkago.Message, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize bucket %s: %w", b.Key(), err)
	}
	return kafkago.Message{
		Key:   []byte(b.CellID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "date", Value: []byte(domain.DateKey(b.Date))},
			{Key: "hour", Value: []byte(strconv.Itoa(b.Hour))},
			{Key: "is_warm", Value: []byte(strconv.FormatBool(b.IsWarm))},
		},
	}, nil
}
