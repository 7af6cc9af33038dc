// Package forecast projects a cell's hour-of-day profile forward in time,
// or defers to an injected scoring model.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/crime-grid-engine/internal/aggregate"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/grid"
)

const hoursPerDay = 24

// Config tunes the built-in average model.
type Config struct {
	// LookbackDays bounds the history the hourly means are taken over.
	LookbackDays int
	// MaxDays caps the forecast horizon.
	MaxDays int
	// DefaultCount is predicted for hours without any history.
	DefaultCount float64
	// Confidence is attached to every averaged prediction.
	Confidence float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LookbackDays: 90,
		MaxDays:      30,
		DefaultCount: 1.0,
		Confidence:   0.75,
	}
}

// Generator produces ForecastPoints from an AggregateStore. A nil scorer
// selects the built-in hour-of-day average.
type Generator struct {
	store  domain.AggregateStore
	scorer domain.Scorer
	cfg    Config
	logger *slog.Logger
}

// New creates a Generator. The scorer's lifecycle stays with the caller.
func New(store domain.AggregateStore, scorer domain.Scorer, cfg Config, logger *slog.Logger) *Generator {
	return &Generator{store: store, scorer: scorer, cfg: cfg, logger: logger}
}

// UsesScorer reports whether predictions come from an external model.
func (g *Generator) UsesScorer() bool {
	return g.scorer != nil
}

// HourStat is the history of one hour of day within the lookback window.
type HourStat struct {
	Hour       int     `json:"hour"`
	Mean       float64 `json:"mean"`
	Samples    int     `json:"samples"`
	HasHistory bool    `json:"has_history"`
}

// Profile is the hour-of-day model for a cell and the window it was fit on.
type Profile struct {
	CellID  string                `json:"cell_id"`
	From    time.Time             `json:"from"`
	To      time.Time             `json:"to"`
	Total   int                   `json:"total_events"`
	Rolling aggregate.Rolling     `json:"rolling"`
	Hours   [hoursPerDay]HourStat `json:"hours"`
}

// Predict returns the mean for hour. An hour without samples gets def when
// other hours of the window saw events, and 0 when the whole window is
// empty: the cell has history, just none with events in the lookback.
func (p Profile) Predict(hour int, def float64) float64 {
	if h := p.Hours[hour]; h.HasHistory {
		return h.Mean
	}
	if p.Total == 0 {
		return 0
	}
	return def
}

// buildProfile fits the hourly means over buckets dated from..to.
func buildProfile(cellID string, from, to time.Time, buckets []domain.AggregateBucket) Profile {
	p := Profile{CellID: cellID, From: from, To: to, Rolling: aggregate.RollingAt(buckets, to)}

	var samples [hoursPerDay][]float64
	for _, b := range buckets {
		if b.Hour < 0 || b.Hour >= hoursPerDay {
			continue
		}
		samples[b.Hour] = append(samples[b.Hour], float64(b.Count))
		p.Total += b.Count
	}
	for h := range p.Hours {
		p.Hours[h].Hour = h
		if n := len(samples[h]); n > 0 {
			p.Hours[h].Mean = stat.Mean(samples[h], nil)
			p.Hours[h].Samples = n
			p.Hours[h].HasHistory = true
		}
	}
	return p
}

// Profile returns the hour-of-day model the forecast starting on from would
// use. A zero from means the day after the latest aggregate.
func (g *Generator) Profile(ctx context.Context, cellID string, from time.Time) (Profile, error) {
	p, _, err := g.load(ctx, cellID, from)
	return p, err
}

// load validates the cell, resolves the start date and fits the profile on
// the LookbackDays days ending at min(from-1, latest aggregate date).
func (g *Generator) load(ctx context.Context, cellID string, from time.Time) (Profile, time.Time, error) {
	if err := grid.ValidateCellID(cellID); err != nil {
		return Profile{}, time.Time{}, err
	}
	_, last, ok, err := g.store.DateBounds(ctx, cellID)
	if err != nil {
		return Profile{}, time.Time{}, domain.StoreError("date bounds "+cellID, err)
	}
	if !ok {
		return Profile{}, time.Time{}, domain.NotFound("cell %s has no aggregate history", cellID)
	}
	last = domain.CivilDay(last, time.UTC)

	if from.IsZero() {
		from = last.AddDate(0, 0, 1)
	} else {
		from = domain.CivilDay(from, time.UTC)
	}

	end := from.AddDate(0, 0, -1)
	if last.Before(end) {
		end = last
	}
	start := end.AddDate(0, 0, -(g.cfg.LookbackDays - 1))

	buckets, err := g.store.Get(ctx, cellID, start, end)
	if err != nil {
		return Profile{}, time.Time{}, domain.StoreError("get "+cellID, err)
	}
	return buildProfile(cellID, start, end, buckets), from, nil
}

// Forecast returns days*24 points for the cell ordered by (date, hour),
// starting on from. A zero from means the day after the latest aggregate.
// A cell with no history at all fails with NotFound.
func (g *Generator) Forecast(ctx context.Context, cellID string, days int, from time.Time) ([]domain.ForecastPoint, error) {
	if days <= 0 || days > g.cfg.MaxDays {
		return nil, domain.InvalidArgument("days %d outside 1-%d", days, g.cfg.MaxDays)
	}
	profile, from, err := g.load(ctx, cellID, from)
	if err != nil {
		return nil, err
	}

	points := make([]domain.ForecastPoint, 0, days*hoursPerDay)
	for d := 0; d < days; d++ {
		date := from.AddDate(0, 0, d)
		for h := 0; h < hoursPerDay; h++ {
			pt := domain.ForecastPoint{CellID: cellID, Date: date, Hour: h}
			if g.scorer == nil {
				pt.PredictedCount = profile.Predict(h, g.cfg.DefaultCount)
				pt.Confidence = g.cfg.Confidence
			} else {
				pred, conf, err := g.scorer.Score(ctx, cellID, date, h, g.features(profile, date, h))
				if err != nil {
					return nil, fmt.Errorf("score %s %s %02d: %w", cellID, domain.DateKey(date), h, err)
				}
				pt.PredictedCount, pt.Confidence = pred, conf
			}
			points = append(points, pt)
		}
	}

	g.logger.Debug("forecast generated",
		"cell_id", cellID,
		"from", domain.DateKey(from),
		"days", days,
		"scorer", g.scorer != nil,
	)
	return points, nil
}

func (g *Generator) features(p Profile, date time.Time, hour int) domain.Features {
	f := domain.TemporalFeatures(date, hour)
	f.Rolling1d = p.Rolling.Rolling1d
	f.Rolling7d = p.Rolling.Rolling7d
	f.Rolling30d = p.Rolling.Rolling30d
	f.TotalEvents = p.Total
	f.HourlyMean = p.Predict(hour, g.cfg.DefaultCount)
	f.HasHourHistory = p.Hours[hour].HasHistory
	return f
}
