// Command validate checks the aggregation invariants against a crime record
// fixture. It ingests every record one by one into one engine, rebuilds a
// second engine from the same records and verifies that both agree, that
// every stored rolling sum matches a direct recount and that forecasts and
// nearby queries have the documented shape.
//
// Usage:
//
//	go run ./cmd/validate -fixture data/mock/crime_events.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crime-grid-engine/internal/adapter/fixture"
	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/engine"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/store/memory"
)

const forecastDays = 7

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	fixturePath := flag.String("fixture", "", "path to a JSON array of crime records")
	allowInvalid := flag.Bool("allow-invalid", false, "tolerate records that fail validation")
	precision := flag.Int("precision", 6, "aggregation precision")
	flag.Parse()

	if *fixturePath == "" {
		flag.Usage()
		os.Exit(1)
	}
	records, err := fixture.Load(*fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load fixture: %v\n", err)
		os.Exit(1)
	}
	if code := run(os.Stdout, records, *precision, *allowInvalid); code != 0 {
		os.Exit(code)
	}
}

// validation holds the two engines under comparison.
type validation struct {
	events   domain.SliceSource
	cells    []string
	ingested *engine.Engine
	rebuilt  *engine.Engine
	now      time.Time
}

func run(w io.Writer, records []domain.CrimeRecord, precision int, allowInvalid bool) int {
	fmt.Fprintln(w, "=== Crime Grid Integrity Validation ===")
	fmt.Fprintln(w)

	events, invalid := fixture.Events(records)
	recordPhase := &phase{name: "Record validity"}
	if !allowInvalid {
		for _, err := range invalid {
			recordPhase.errorf("%v", err)
		}
	}

	ctx := context.Background()
	v, err := setup(ctx, events, precision)
	if err != nil {
		fmt.Fprintf(w, "FATAL: %v\n", err)
		return 1
	}

	phases := []*phase{
		recordPhase,
		v.validateParity(ctx),
		v.validateRolling(ctx),
		v.validateForecast(ctx),
		v.validateNearby(ctx),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Records: %d total, %d invalid, %d cells\n", len(records), len(invalid), len(v.cells))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

// setup ingests the events into one engine and rebuilds another. The clock
// is pinned to the day after the latest event so nothing is in the future.
func setup(ctx context.Context, events domain.SliceSource, precision int) (*validation, error) {
	var latest time.Time
	for _, e := range events {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	now := domain.CivilDay(latest, time.UTC).AddDate(0, 0, 1).Add(12 * time.Hour)
	clock := clockwork.NewFakeClockAt(now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := engine.Options{Precision: precision, Envelope: config.DefaultEnvelope}

	ingested, err := engine.New(memory.New(), opts, clock, observability.NewMetricsForTesting(), logger)
	if err != nil {
		return nil, err
	}
	rebuilt, err := engine.New(memory.New(), opts, clock, observability.NewMetricsForTesting(), logger)
	if err != nil {
		return nil, err
	}

	cells := map[string]struct{}{}
	for _, e := range events {
		buckets, err := ingested.Ingest(ctx, e)
		if errors.Is(err, domain.ErrOutOfBounds) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ingest %s: %w", e.ID, err)
		}
		for _, b := range buckets {
			cells[b.CellID] = struct{}{}
		}
	}
	if _, err := rebuilt.Rebuild(ctx, events, time.Time{}, time.Time{}); err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	ids := make([]string, 0, len(cells))
	for id := range cells {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return &validation{events: events, cells: ids, ingested: ingested, rebuilt: rebuilt, now: now}, nil
}

func (v *validation) validateParity(ctx context.Context) *phase {
	p := &phase{name: "Ingest/rebuild parity"}
	for _, id := range v.cells {
		a, err := v.ingested.Aggregates(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			p.errorf("%s: ingested aggregates: %v", id, err)
			continue
		}
		b, err := v.rebuilt.Aggregates(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			p.errorf("%s: rebuilt aggregates: %v", id, err)
			continue
		}
		if diff := cmp.Diff(a, b); diff != "" {
			p.errorf("%s: buckets differ (-ingested +rebuilt):\n%s", id, diff)
		}
	}
	return p
}

// validateRolling recounts every window from the raw hourly counts.
func (v *validation) validateRolling(ctx context.Context) *phase {
	p := &phase{name: "Rolling window identity"}
	for _, id := range v.cells {
		buckets, err := v.ingested.Aggregates(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			p.errorf("%s: %v", id, err)
			continue
		}
		if len(buckets) == 0 {
			p.errorf("%s: no buckets stored", id)
			continue
		}
		daily := map[string]int{}
		for _, b := range buckets {
			daily[domain.DateKey(b.Date)] += b.Count
		}
		window := func(end time.Time, days int) int {
			sum := 0
			for d := range days {
				sum += daily[domain.DateKey(end.AddDate(0, 0, -d))]
			}
			return sum
		}

		first := buckets[0].Date
		for _, b := range buckets {
			key := b.Key()
			if b.Count <= 0 {
				p.errorf("%s: stored non-positive count %d", key, b.Count)
			}
			if want := window(b.Date, 1); b.Rolling1d != want {
				p.errorf("%s: rolling_1d=%d, recount %d", key, b.Rolling1d, want)
			}
			if want := window(b.Date, 7); b.Rolling7d != want {
				p.errorf("%s: rolling_7d=%d, recount %d", key, b.Rolling7d, want)
			}
			if want := window(b.Date, 30); b.Rolling30d != want {
				p.errorf("%s: rolling_30d=%d, recount %d", key, b.Rolling30d, want)
			}
			if !(b.Rolling1d <= b.Rolling7d && b.Rolling7d <= b.Rolling30d) {
				p.errorf("%s: windows not nested", key)
			}
			if want := domain.DaysBetween(first, b.Date)+1 < 30; b.IsWarm != want {
				p.errorf("%s: is_warm=%t, want %t", key, b.IsWarm, want)
			}
		}
	}
	return p
}

func (v *validation) validateForecast(ctx context.Context) *phase {
	p := &phase{name: "Forecast shape"}
	for _, id := range v.cells {
		points, err := v.ingested.Forecast(ctx, id, forecastDays, time.Time{})
		if err != nil {
			p.errorf("%s: %v", id, err)
			continue
		}
		if len(points) != forecastDays*24 {
			p.errorf("%s: %d points, want %d", id, len(points), forecastDays*24)
			continue
		}
		start := points[0].Date
		for i, pt := range points {
			wantDate := start.AddDate(0, 0, i/24)
			if !pt.Date.Equal(wantDate) || pt.Hour != i%24 {
				p.errorf("%s: point %d is %s %02d, want %s %02d", id, i,
					domain.DateKey(pt.Date), pt.Hour, domain.DateKey(wantDate), i%24)
				break
			}
			if pt.PredictedCount < 0 || pt.Confidence < 0 || pt.Confidence > 1 {
				p.errorf("%s: point %d out of range: predicted=%g confidence=%g", id, i, pt.PredictedCount, pt.Confidence)
			}
		}
	}
	return p
}

func (v *validation) validateNearby(ctx context.Context) *phase {
	p := &phase{name: "Nearby ordering"}
	for _, id := range v.cells {
		cell, err := v.ingested.Cell(id)
		if err != nil {
			p.errorf("%s: %v", id, err)
			continue
		}
		results, err := v.ingested.Nearby(ctx, cell.Centroid.Lat, cell.Centroid.Lon, v.ingested.Precision(), 1)
		if err != nil {
			p.errorf("%s: %v", id, err)
			continue
		}
		if len(results) > 20 {
			p.errorf("%s: %d results exceed the limit", id, len(results))
		}
		for i, r := range results {
			if r.EventCount <= 0 || r.Ring > 1 {
				p.errorf("%s: result %s has count %d ring %d", id, r.CellID, r.EventCount, r.Ring)
			}
			if i > 0 {
				prev := results[i-1]
				if prev.EventCount < r.EventCount || (prev.EventCount == r.EventCount && prev.CellID > r.CellID) {
					p.errorf("%s: results %d and %d out of order", id, i-1, i)
				}
			}
		}
	}
	return p
}
