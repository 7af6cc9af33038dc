package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers           []string
	KafkaSourceTopic       string
	KafkaSinkTopic         string
	KafkaGroupID           string
	KafkaPublishAggregates bool
	HTTPAddr               string
	LogLevel               string
	LogFormat              string
	ShutdownTimeout        time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Grid settings.
	GridPrecision int
	GridEnvelope  domain.Bounds
	GridLocation  *time.Location

	// Aggregate store.
	StoreBackend string
	SQLitePath   string
	BadgerPath   string

	ForecastLookbackDays int
	ForecastMaxDays      int
	ForecastDefaultCount float64
	ForecastConfidence   float64
	NearbyLookbackDays   int
	NearbyLimit          int
	NearbyMaxRingDepth   int

	// Scoring function; empty Scorer uses the built-in hourly mean.
	Scorer          string
	ScorerModelPath string
	ScorerURL       string
	ScorerTimeout   time.Duration
	ScorerRPS       float64
	ScorerCacheSize int

	// InfluxDB event history for rebuilds.
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string
}

// DefaultEnvelope is the Chicago bounding box.
var DefaultEnvelope = domain.Bounds{MinLat: 41.6, MinLon: -87.9, MaxLat: 42.1, MaxLon: -87.5}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "raw-crime-events"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "crime-grid-aggregates"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "crime-grid-engine"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		StoreBackend: strings.ToLower(sharedcfg.EnvOrDefault("STORE_BACKEND", "memory")),
		SQLitePath:   sharedcfg.EnvOrDefault("SQLITE_PATH", "crime-grid.db"),
		BadgerPath:   sharedcfg.EnvOrDefault("BADGER_PATH", "crime-grid-badger"),

		Scorer:          strings.ToLower(os.Getenv("SCORER")),
		ScorerModelPath: os.Getenv("SCORER_MODEL_PATH"),
		ScorerURL:       os.Getenv("SCORER_URL"),

		InfluxURL:         sharedcfg.EnvOrDefault("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:       os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:         sharedcfg.EnvOrDefault("INFLUX_ORG", "crime"),
		InfluxBucket:      sharedcfg.EnvOrDefault("INFLUX_BUCKET", "incidents"),
		InfluxMeasurement: sharedcfg.EnvOrDefault("INFLUX_MEASUREMENT", "crime_events"),
	}

	if cfg.KafkaPublishAggregates, err = parseBool("KAFKA_PUBLISH_AGGREGATES", true); err != nil {
		return nil, err
	}
	if cfg.GridPrecision, err = parseInt("GRID_PRECISION", 6, 1, 12); err != nil {
		return nil, err
	}
	if cfg.GridEnvelope, err = parseEnvelope(sharedcfg.EnvOrDefault("GRID_ENVELOPE", "")); err != nil {
		return nil, err
	}
	if cfg.GridLocation, err = time.LoadLocation(sharedcfg.EnvOrDefault("GRID_TIMEZONE", "UTC")); err != nil {
		return nil, fmt.Errorf("invalid GRID_TIMEZONE: %w", err)
	}

	if cfg.ForecastLookbackDays, err = parseInt("FORECAST_LOOKBACK_DAYS", 90, 1, 3650); err != nil {
		return nil, err
	}
	if cfg.ForecastMaxDays, err = parseInt("FORECAST_MAX_DAYS", 30, 1, 366); err != nil {
		return nil, err
	}
	if cfg.ForecastDefaultCount, err = parseFloat("FORECAST_DEFAULT_COUNT", 1.0, 0, 1e9); err != nil {
		return nil, err
	}
	if cfg.ForecastConfidence, err = parseFloat("FORECAST_CONFIDENCE", 0.75, 0, 1); err != nil {
		return nil, err
	}
	if cfg.NearbyLookbackDays, err = parseInt("NEARBY_LOOKBACK_DAYS", 30, 1, 3650); err != nil {
		return nil, err
	}
	if cfg.NearbyLimit, err = parseInt("NEARBY_LIMIT", 20, 1, 1000); err != nil {
		return nil, err
	}
	if cfg.NearbyMaxRingDepth, err = parseInt("NEARBY_MAX_RING_DEPTH", 3, 0, 10); err != nil {
		return nil, err
	}

	if cfg.ScorerTimeout, err = parseDuration("SCORER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ScorerRPS, err = parseFloat("SCORER_RPS", 20, 0, 1e6); err != nil {
		return nil, err
	}
	if cfg.ScorerCacheSize, err = parseInt("SCORER_CACHE_SIZE", 4096, 0, 1<<24); err != nil {
		return nil, err
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required")
	}
	switch cfg.StoreBackend {
	case "memory", "sqlite", "badger":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be memory, sqlite or badger", cfg.StoreBackend)
	}
	switch cfg.Scorer {
	case "", "none":
	case "linear":
		if cfg.ScorerModelPath == "" {
			return nil, errors.New("SCORER is linear but SCORER_MODEL_PATH is not set")
		}
	case "remote":
		if cfg.ScorerURL == "" {
			return nil, errors.New("SCORER is remote but SCORER_URL is not set")
		}
	default:
		return nil, fmt.Errorf("invalid SCORER %q: must be linear or remote", cfg.Scorer)
	}

	return cfg, nil
}

func parseInt(key string, def, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, lo, hi)
	}
	return n, nil
}

func parseFloat(key string, def, lo, hi float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < lo || f > hi {
		return 0, fmt.Errorf("invalid %s: must be between %g and %g", key, lo, hi)
	}
	return f, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: must be true or false", key)
	}
	return b, nil
}

// parseEnvelope reads "minLat,minLon,maxLat,maxLon".
func parseEnvelope(s string) (domain.Bounds, error) {
	if s == "" {
		return DefaultEnvelope, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return domain.Bounds{}, errors.New("invalid GRID_ENVELOPE: expected minLat,minLon,maxLat,maxLon")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.Bounds{}, fmt.Errorf("invalid GRID_ENVELOPE: %q is not a number", p)
		}
		v[i] = f
	}
	b := domain.Bounds{MinLat: v[0], MinLon: v[1], MaxLat: v[2], MaxLon: v[3]}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon ||
		b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return domain.Bounds{}, errors.New("invalid GRID_ENVELOPE: min must be below max and within -90..90/-180..180")
	}
	return b, nil
}
