package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("dropped")
	log.Warn("kept", "cell_id", "dp3wjz")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "dp3wjz", rec["cell_id"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "text").Info("hello", "k", 1)
	assert.Contains(t, buf.String(), "msg=hello k=1")
}

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.EventsIngested.Add(3)
	m.IngestErrors.WithLabelValues("out_of_bounds").Inc()
	m.StoreOpDuration.WithLabelValues("memory", "get").Observe(0.001)

	assert.InDelta(t, 3.0, testutil.ToFloat64(m.EventsIngested), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.IngestErrors.WithLabelValues("out_of_bounds")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "crime_grid_events_ingested_total")
	assert.Contains(t, names, "crime_grid_store_operation_duration_seconds")
}
