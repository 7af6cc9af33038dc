package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/crime-grid-engine/internal/adapter/fixture"
	"github.com/couchcryptid/crime-grid-engine/internal/adapter/influx"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/forecast"
	"github.com/couchcryptid/crime-grid-engine/internal/report"
	"github.com/couchcryptid/crime-grid-engine/internal/store"
	"github.com/couchcryptid/crime-grid-engine/internal/store/sqlite"
)

func (a *app) assignCmd() *cobra.Command {
	var lat, lon float64
	var precision int
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Map a coordinate to its grid cell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.gridOnly()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("precision") {
				precision = eng.Precision()
			}
			cell, err := eng.Assign(lat, lon, precision)
			if err != nil {
				return err
			}
			return a.printer(cmd).print(cell)
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().IntVar(&precision, "precision", 0, "geohash precision (default GRID_PRECISION)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func (a *app) neighborsCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "neighbors <cell-id>",
		Short: "List the cells adjacent to a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.gridOnly()
			if err != nil {
				return err
			}
			if depth <= 1 {
				ids, err := eng.Adjacent(args[0])
				if err != nil {
					return err
				}
				return a.printer(cmd).print(ids)
			}
			members, err := eng.Ring(args[0], depth)
			if err != nil {
				return err
			}
			return a.printer(cmd).print(members)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "ring depth; above 1 lists every ring member with its ring")
	return cmd
}

func (a *app) aggregatesCmd() *cobra.Command {
	var fromFlag, toFlag string
	cmd := &cobra.Command{
		Use:   "aggregates <cell-id>",
		Short: "Print the stored hourly buckets of a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseDay("from", fromFlag)
			if err != nil {
				return err
			}
			to, err := parseDay("to", toFlag)
			if err != nil {
				return err
			}
			eng, closeStore, err := a.openEngine()
			if err != nil {
				return err
			}
			defer closeStore()
			buckets, err := eng.Aggregates(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}
			return a.printer(cmd).print(buckets)
		},
	}
	cmd.Flags().StringVar(&fromFlag, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&toFlag, "to", "", "last date, YYYY-MM-DD")
	return cmd
}

// rebuildSummary is printed after a rebuild.
type rebuildSummary struct {
	Source  string `json:"source"`
	Invalid int    `json:"invalid_records"`
	Cells   int    `json:"cells"`
	Buckets int    `json:"buckets"`
}

func (a *app) rebuildCmd() *cobra.Command {
	var source, file, fromFlag, toFlag string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute aggregates from a historical event source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseDay("from", fromFlag)
			if err != nil {
				return err
			}
			to, err := parseDay("to", toFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary := rebuildSummary{Source: source}
			var src domain.EventSource
			switch source {
			case "file":
				if file == "" {
					return errors.New("--file is required for the file source")
				}
				records, err := fixture.Load(file)
				if err != nil {
					return err
				}
				events, invalid := fixture.Events(records)
				for _, err := range invalid {
					a.logger.Warn("skipping invalid record", "error", err)
				}
				summary.Invalid = len(invalid)
				src = events
			case "influx":
				is := influx.NewSource(a.cfg, a.logger)
				defer is.Close()
				src = is
			default:
				return fmt.Errorf("unknown source %q (want file or influx)", source)
			}

			eng, closeStore, err := a.openEngine()
			if err != nil {
				return err
			}
			defer closeStore()

			buckets, err := eng.Rebuild(ctx, src, from, to)
			if err != nil {
				return err
			}
			cells := map[string]struct{}{}
			for _, b := range buckets {
				cells[b.CellID] = struct{}{}
			}
			summary.Cells, summary.Buckets = len(cells), len(buckets)
			return a.printer(cmd).print(summary)
		},
	}
	cmd.Flags().StringVar(&source, "source", "file", "event source: file or influx")
	cmd.Flags().StringVar(&file, "file", "", "JSON array of crime records for the file source")
	cmd.Flags().StringVar(&fromFlag, "from", "", "first event date, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&toFlag, "to", "", "end date, YYYY-MM-DD (exclusive)")
	return cmd
}

func (a *app) forecastCmd() *cobra.Command {
	var days int
	var fromFlag, chart string
	var withProfile bool
	cmd := &cobra.Command{
		Use:   "forecast <cell-id>",
		Short: "Forecast hourly event counts for a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseDay("from", fromFlag)
			if err != nil {
				return err
			}
			eng, closeStore, err := a.openEngine()
			if err != nil {
				return err
			}
			defer closeStore()

			cellID := args[0]
			points, err := eng.Forecast(cmd.Context(), cellID, days, from)
			if err != nil {
				return err
			}
			if chart == "" {
				return a.printer(cmd).print(points)
			}

			var profile *forecast.Profile
			if withProfile {
				p, err := eng.Profile(cmd.Context(), cellID, from)
				if err != nil {
					return err
				}
				profile = &p
			}
			f, err := os.Create(chart)
			if err != nil {
				return err
			}
			if err := report.RenderForecast(f, cellID, points, profile); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			a.logger.Info("forecast chart written", "path", chart, "points", len(points))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "forecast horizon in days")
	cmd.Flags().StringVar(&fromFlag, "from", "", "first forecast date, YYYY-MM-DD (default day after latest data)")
	cmd.Flags().StringVar(&chart, "chart", "", "write an HTML chart to this path instead of printing points")
	cmd.Flags().BoolVar(&withProfile, "profile", false, "include the hour-of-day profile in the chart")
	return cmd
}

func (a *app) nearbyCmd() *cobra.Command {
	var lat, lon float64
	var precision, depth int
	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "Rank the cells around a coordinate by recent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, closeStore, err := a.openEngine()
			if err != nil {
				return err
			}
			defer closeStore()
			if !cmd.Flags().Changed("precision") {
				precision = eng.Precision()
			}
			results, err := eng.Nearby(cmd.Context(), lat, lon, precision, depth)
			if err != nil {
				return err
			}
			if results == nil {
				results = []domain.NeighborResult{}
			}
			return a.printer(cmd).print(results)
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().IntVar(&precision, "precision", 0, "geohash precision (default GRID_PRECISION)")
	cmd.Flags().IntVar(&depth, "depth", 1, "adjacency ring depth")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

// migrationStatus is printed by every migrate subcommand.
type migrationStatus struct {
	Path    string `json:"path"`
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite aggregate schema",
	}
	step := func(use, short string, fn func(*sqlite.Store) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if a.cfg.StoreBackend != store.BackendSQLite {
					a.logger.Warn("STORE_BACKEND is not sqlite; migrating SQLITE_PATH anyway", "backend", a.cfg.StoreBackend)
				}
				s, err := sqlite.Open(a.cfg.SQLitePath, a.logger)
				if err != nil {
					return err
				}
				defer s.Close()
				if fn != nil {
					if err := fn(s); err != nil {
						return err
					}
				}
				version, dirty, err := s.MigrateVersion()
				if err != nil {
					return err
				}
				return a.printer(cmd).print(migrationStatus{Path: a.cfg.SQLitePath, Version: version, Dirty: dirty})
			},
		}
	}
	cmd.AddCommand(
		step("up", "Apply all pending migrations", (*sqlite.Store).MigrateUp),
		step("down", "Roll back the most recent migration", (*sqlite.Store).MigrateDown),
		step("version", "Print the current schema version", nil),
	)
	return cmd
}
