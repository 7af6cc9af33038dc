package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
	"github.com/couchcryptid/crime-grid-engine/internal/store/memory"
	"github.com/couchcryptid/crime-grid-engine/internal/store/storetest"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"default", Config{}},
		{"memory", Config{Backend: BackendMemory}},
		{"sqlite", Config{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "grid.db")}},
		{"badger", Config{Backend: BackendBadger, BadgerPath: filepath.Join(dir, "badger")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.cfg, discard())
			require.NoError(t, err)
			defer s.Close()

			day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.Put(context.Background(), domain.AggregateBucket{CellID: "dp3wjz", Date: day, Hour: 3, Count: 1}))
			got, err := s.Get(context.Background(), "dp3wjz", day, day)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "postgres"}, discard())
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestInstrumented_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.AggregateStore {
		return Instrument(memory.New(), BackendMemory, observability.NewMetricsForTesting())
	})
}

type failingStore struct{ *memory.Store }

func (failingStore) Get(context.Context, string, time.Time, time.Time) ([]domain.AggregateBucket, error) {
	return nil, errors.New("disk on fire")
}

func TestInstrumented_TagsFailures(t *testing.T) {
	m := observability.NewMetricsForTesting()
	s := Instrument(failingStore{memory.New()}, "sqlite", m)

	_, err := s.Get(context.Background(), "dp3wjz", time.Time{}, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.Equal(t, "store", domain.ErrorKind(err))
	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreErrors.WithLabelValues("sqlite", "get")), 0)

	_, _, _, err = s.DateBounds(context.Background(), "dp3wjz")
	require.NoError(t, err)
	assert.InDelta(t, 0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("sqlite", "date_bounds")), 0)
}
