//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/adapter/kafka"
	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/engine"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/pipeline"
	"github.com/couchcryptid/crime-grid-engine/internal/store/memory"
)

const (
	testSourceTopic = "test-source"
	testSinkTopic   = "test-sink"
)

var fixtureNow = time.Date(2024, time.April, 28, 12, 0, 0, 0, time.UTC)

// publishedBucket holds a deserialized message read from the sink topic.
type publishedBucket struct {
	Bucket  domain.AggregateBucket
	Key     string
	Headers map[string]string
}

func readBucket(ctx context.Context, t *testing.T, consumer *kafkago.Reader) publishedBucket {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var b domain.AggregateBucket
	require.NoError(t, json.Unmarshal(msg.Value, &b), "unmarshal sink message")
	return publishedBucket{Bucket: b, Key: string(msg.Key), Headers: headers}
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testSourceTopic,
		KafkaSinkTopic:     testSinkTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 5 * time.Second,
	}
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(memory.New(), engine.Options{Precision: 6, Envelope: config.DefaultEnvelope},
		clockwork.NewFakeClockAt(fixtureNow), observability.NewMetricsForTesting(), discardLogger())
	require.NoError(t, err)
	return eng
}

func sinkConsumer(t *testing.T, broker string) *kafkago.Reader {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

// TestKafkaReaderWriter round-trips one crime record: kafka.Reader extracts
// it, the engine ingests it and kafka.Writer publishes the touched bucket.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-reader")

	payload := loadMockData(t)[0] // JH-100001, downtown, 2024-04-20 08:15
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, kafkago.Message{Key: []byte("JH-100001"), Value: payload}))

	// The consumer group may need time to rebalance before partitions are
	// assigned, so poll until the message arrives.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawEvent
	for len(batch) == 0 {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	raw := batch[0]
	assert.Equal(t, []byte("JH-100001"), raw.Key)
	assert.JSONEq(t, string(payload), string(raw.Value))
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	event, err := pipeline.NewTransformer(discardLogger()).Transform(ctx, raw)
	require.NoError(t, err)
	buckets, err := newEngine(t).Ingest(ctx, event)
	require.NoError(t, err)
	require.NotEmpty(t, buckets)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.PublishBuckets(ctx, buckets))

	pb := readBucket(ctx, t, sinkConsumer(t, broker))
	assert.Equal(t, "dp3wjz", pb.Key)
	assert.Equal(t, "2024-04-20", pb.Headers["date"])
	assert.Equal(t, "8", pb.Headers["hour"])
	assert.Equal(t, "true", pb.Headers["is_warm"])
	assert.Equal(t, 1, pb.Bucket.Count)
	assert.Equal(t, 1, pb.Bucket.Rolling30d)
}

// TestPipelineEndToEnd wires Reader, Transformer, Engine and Writer against a
// real broker and checks the final published state of the downtown cell.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-pipeline")

	records := loadMockData(t)
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })
	msgs := make([]kafkago.Message, 0, len(records))
	for i, rec := range records {
		msgs = append(msgs, kafkago.Message{Key: []byte(fmt.Sprintf("record-%d", i)), Value: rec})
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	eng := newEngine(t)
	p := pipeline.New(reader, pipeline.NewTransformer(discardLogger()), eng, writer,
		discardLogger(), observability.NewMetricsForTesting(), 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	// Buckets are republished whenever a later event moves their rolling
	// sums, so read until the downtown cell's last day reaches its final state.
	consumer := sinkConsumer(t, broker)
	latest := map[domain.BucketKey]domain.AggregateBucket{}
	final := domain.BucketKey{CellID: "dp3wjz", Date: "2024-04-27", Hour: 0}
	for {
		pb := readBucket(ctx, t, consumer)
		assert.Equal(t, pb.Bucket.CellID, pb.Key)
		assert.Equal(t, domain.DateKey(pb.Bucket.Date), pb.Headers["date"])
		latest[pb.Bucket.Key()] = pb.Bucket
		if b, ok := latest[final]; ok && b.Rolling30d == 6 {
			break
		}
	}

	pipelineCancel()
	require.NoError(t, <-errCh)

	b := latest[final]
	assert.Equal(t, 1, b.Rolling1d)
	assert.Equal(t, 4, b.Rolling7d)
	assert.True(t, b.IsWarm)
	for key := range latest {
		assert.NotEqual(t, "2024-05-03", key.Date, "future event must not be aggregated")
	}
}

// TestPipelineTransformError verifies that a poison message is skipped and
// the valid message behind it still reaches the sink.
func TestPipelineTransformError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-poison")

	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx,
		kafkago.Message{Key: []byte("bad"), Value: []byte("not-json{{{")},
		kafkago.Message{Key: []byte("good"), Value: loadMockData(t)[0]},
	))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	p := pipeline.New(reader, pipeline.NewTransformer(discardLogger()), newEngine(t), writer,
		discardLogger(), observability.NewMetricsForTesting(), 50)
	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := sinkConsumer(t, broker)
	pb := readBucket(ctx, t, consumer)
	assert.Equal(t, "dp3wjz", pb.Key)
	assert.Equal(t, 1, pb.Bucket.Count)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no second message on sink topic")

	pipelineCancel()
	require.NoError(t, <-errCh)
}
