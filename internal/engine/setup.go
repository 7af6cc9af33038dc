package engine

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/forecast"
	"github.com/couchcryptid/crime-grid-engine/internal/neighborhood"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/scoring"
	"github.com/couchcryptid/crime-grid-engine/internal/store"
)

// OptionsFromConfig maps service configuration onto engine options. The
// scorer is left unset.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Precision: cfg.GridPrecision,
		Envelope:  cfg.GridEnvelope,
		Location:  cfg.GridLocation,
		Forecast: forecast.Config{
			LookbackDays: cfg.ForecastLookbackDays,
			MaxDays:      cfg.ForecastMaxDays,
			DefaultCount: cfg.ForecastDefaultCount,
			Confidence:   cfg.ForecastConfidence,
		},
		Nearby: neighborhood.Config{
			LookbackDays: cfg.NearbyLookbackDays,
			Limit:        cfg.NearbyLimit,
			MaxRingDepth: cfg.NearbyMaxRingDepth,
			Location:     cfg.GridLocation,
		},
	}
}

// StoreConfig maps service configuration onto the store selection.
func StoreConfig(cfg *config.Config) store.Config {
	return store.Config{
		Backend:    cfg.StoreBackend,
		SQLitePath: cfg.SQLitePath,
		BadgerPath: cfg.BadgerPath,
	}
}

// FromConfig opens the configured store, builds the scorer and returns an
// Engine over the instrumented store. The caller closes the returned store.
func FromConfig(cfg *config.Config, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) (*Engine, store.Store, error) {
	raw, err := store.Open(StoreConfig(cfg), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	st := store.Instrument(raw, cfg.StoreBackend, metrics)

	scorer, err := scoring.New(scoring.Config{
		Kind:      cfg.Scorer,
		ModelPath: cfg.ScorerModelPath,
		URL:       cfg.ScorerURL,
		Timeout:   cfg.ScorerTimeout,
		RPS:       cfg.ScorerRPS,
		CacheSize: cfg.ScorerCacheSize,
	}, metrics, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("build scorer: %w", err)
	}

	opts := OptionsFromConfig(cfg)
	opts.Scorer = scorer
	eng, err := New(st, opts, clock, metrics, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	logger.Info("engine ready",
		"store", cfg.StoreBackend,
		"precision", cfg.GridPrecision,
		"timezone", cfg.GridLocation.String(),
		"scorer", cfg.Scorer,
	)
	return eng, st, nil
}
