// Package scoring provides the external model variants a forecast can defer
// to. The variant is chosen by configuration and handed to the forecast
// generator as a domain.Scorer.
package scoring

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

// Scorer kinds accepted in Config.Kind.
const (
	KindNone   = "none"
	KindLinear = "linear"
	KindRemote = "remote"
)

// Config selects and configures a scorer.
type Config struct {
	Kind      string
	ModelPath string
	URL       string
	Timeout   time.Duration
	RPS       float64
	CacheSize int
}

// New builds the configured scorer. It returns a nil Scorer for an empty
// kind or KindNone, which selects the built-in average.
func New(cfg Config, metrics *observability.Metrics, logger *slog.Logger) (domain.Scorer, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindLinear:
		m, err := LoadLinearModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		logger.Info("linear scorer loaded", "path", cfg.ModelPath, "name", m.Name, "coefficients", len(m.Coefficients))
		return m, nil
	case KindRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("remote scorer requires a URL")
		}
		var s domain.Scorer = NewRemoteScorer(cfg.URL, cfg.Timeout, cfg.RPS, metrics, logger)
		if cfg.CacheSize > 0 {
			s = NewCachedScorer(s, cfg.CacheSize, metrics)
		}
		logger.Info("remote scorer enabled", "url", cfg.URL, "rps", cfg.RPS, "cache_size", cfg.CacheSize)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown scorer kind %q", cfg.Kind)
	}
}
