// Package influx reads historical crime events from InfluxDB for rebuilds.
//
// Events are stored in one measurement with tags id and category and float
// fields latitude and longitude; the point time is the event timestamp.
package influx

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Source is a finite domain.EventSource backed by a Flux range query.
type Source struct {
	client      influxdb2.Client
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
	logger      *slog.Logger
}

// NewSource connects to the configured InfluxDB instance.
func NewSource(cfg *config.Config, logger *slog.Logger) *Source {
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	return &Source{
		client:      client,
		queryAPI:    client.QueryAPI(cfg.InfluxOrg),
		bucket:      cfg.InfluxBucket,
		measurement: cfg.InfluxMeasurement,
		logger:      logger,
	}
}

// Close releases the client's connections.
func (s *Source) Close() {
	s.client.Close()
}

// Query builds the Flux query for [from, to). A zero from starts at the
// Unix epoch and a zero to ends now.
func (s *Source) Query(from, to time.Time) string {
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = time.Now()
	}
	return fmt.Sprintf(`
		from(bucket: %s)
		  |> range(start: %s, stop: %s)
		  |> filter(fn: (r) => r._measurement == %s)
		  |> pivot(rowKey: ["_time", "id", "category"], columnKey: ["_field"], valueColumn: "_value")
		  |> group()
		  |> sort(columns: ["_time"], desc: false)
	`, strconv.Quote(s.bucket), from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano), strconv.Quote(s.measurement))
}

// Events streams events in ascending time order. Rows missing a coordinate
// are logged and skipped.
func (s *Source) Events(ctx context.Context, from, to time.Time) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		result, err := s.queryAPI.Query(ctx, s.Query(from, to))
		if err != nil {
			yield(domain.Event{}, fmt.Errorf("influx query failed: %w", err))
			return
		}
		defer result.Close()

		rows, skipped := 0, 0
		for result.Next() {
			e, err := mapRecord(result.Record())
			if err != nil {
				skipped++
				s.logger.Warn("skipping influx row", "error", err)
				continue
			}
			rows++
			if !yield(e, nil) {
				return
			}
		}
		if err := result.Err(); err != nil {
			yield(domain.Event{}, fmt.Errorf("error reading influx results: %w", err))
			return
		}
		s.logger.Info("influx events read", "events", rows, "skipped", skipped)
	}
}

func mapRecord(r *query.FluxRecord) (domain.Event, error) {
	lat, ok := r.ValueByKey("latitude").(float64)
	if !ok {
		return domain.Event{}, fmt.Errorf("row at %s has no latitude", r.Time().Format(time.RFC3339))
	}
	lon, ok := r.ValueByKey("longitude").(float64)
	if !ok {
		return domain.Event{}, fmt.Errorf("row at %s has no longitude", r.Time().Format(time.RFC3339))
	}
	id, _ := r.ValueByKey("id").(string)
	category, _ := r.ValueByKey("category").(string)
	return domain.Event{
		ID:        id,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: r.Time(),
		Category:  domain.NormalizeCategory(category),
	}, nil
}
