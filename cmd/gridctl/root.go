package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/crime-grid-engine/internal/config"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/engine"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/store"
)

// app carries state shared by all subcommands.
type app struct {
	output   string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "gridctl",
		Short:        "Operate the crime grid engine's aggregate store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			level := a.logLevel
			if level == "" {
				level = cfg.LogLevel
			}
			a.logger = observability.NewLogger(level, "text")
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "output format: json or yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL for this invocation")

	root.AddCommand(
		a.assignCmd(),
		a.neighborsCmd(),
		a.aggregatesCmd(),
		a.rebuildCmd(),
		a.forecastCmd(),
		a.nearbyCmd(),
		a.migrateCmd(),
	)
	return root
}

func (a *app) printer(cmd *cobra.Command) printer {
	return printer{w: cmd.OutOrStdout(), format: a.output}
}

// openEngine builds an engine over the configured store. The returned close
// func releases the store.
func (a *app) openEngine() (*engine.Engine, func(), error) {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	eng, st, err := engine.FromConfig(a.cfg, clockwork.NewRealClock(), metrics, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, func() {
		if err := st.Close(); err != nil {
			a.logger.Error("store close error", "error", err)
		}
	}, nil
}

// gridOnly builds an engine that never touches storage, for pure grid lookups.
func (a *app) gridOnly() (*engine.Engine, error) {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	st, err := store.Open(store.Config{Backend: store.BackendMemory}, a.logger)
	if err != nil {
		return nil, err
	}
	return engine.New(st, engine.OptionsFromConfig(a.cfg), clockwork.NewRealClock(), metrics, a.logger)
}

// parseDay parses an optional YYYY-MM-DD flag value.
func parseDay(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	d, err := domain.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}
