package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

const fixturePath = "../../internal/pipeline/testdata/crime_events.json"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grid.db")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	return path
}

func TestAssign(t *testing.T) {
	out, err := execute(t, "assign", "--lat", "41.8781", "--lon", "-87.6298")
	require.NoError(t, err)

	var cell domain.Cell
	require.NoError(t, json.Unmarshal([]byte(out), &cell))
	assert.Equal(t, "dp3wjz", cell.ID)
	assert.Equal(t, 6, cell.Precision)
}

func TestAssign_ExplicitPrecision(t *testing.T) {
	out, err := execute(t, "assign", "--lat", "41.8781", "--lon", "-87.6298", "--precision", "4")
	require.NoError(t, err)
	var cell domain.Cell
	require.NoError(t, json.Unmarshal([]byte(out), &cell))
	assert.Equal(t, "dp3w", cell.ID)

	_, err = execute(t, "assign", "--lat", "41.8781", "--lon", "-87.6298", "--precision", "0")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAssign_OutOfBounds(t *testing.T) {
	_, err := execute(t, "assign", "--lat", "40.7128", "--lon", "-74.0060")
	assert.ErrorIs(t, err, domain.ErrOutOfBounds)
}

func TestNeighbors(t *testing.T) {
	out, err := execute(t, "neighbors", "dp3wjz")
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal([]byte(out), &ids))
	assert.Len(t, ids, 8)
	assert.Contains(t, ids, "dp3wmb")

	out, err = execute(t, "neighbors", "dp3wjz", "--depth", "2", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "cell_id: dp3wjz")
	assert.Contains(t, out, "ring: 2")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := execute(t, "neighbors", "dp3wjz", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestRebuildForecastAndMigrate(t *testing.T) {
	useSQLite(t)

	out, err := execute(t, "rebuild", "--source", "file", "--file", fixturePath)
	require.NoError(t, err)
	var summary rebuildSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.Invalid, "record without longitude")
	assert.Equal(t, 4, summary.Cells, "four Chicago cells; New York is outside the envelope")

	out, err = execute(t, "aggregates", "dp3wjz", "--from", "2024-04-20", "--to", "2024-04-20")
	require.NoError(t, err)
	var buckets []domain.AggregateBucket
	require.NoError(t, json.Unmarshal([]byte(out), &buckets))
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].Count)

	out, err = execute(t, "forecast", "dp3wjz", "--days", "2")
	require.NoError(t, err)
	var points []domain.ForecastPoint
	require.NoError(t, json.Unmarshal([]byte(out), &points))
	assert.Len(t, points, 48)

	chart := filepath.Join(t.TempDir(), "forecast.html")
	_, err = execute(t, "forecast", "dp3wjz", "--days", "1", "--chart", chart, "--profile")
	require.NoError(t, err)
	html, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Hour-of-day profile")

	out, err = execute(t, "migrate", "version")
	require.NoError(t, err)
	var status migrationStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, uint(2), status.Version)
	assert.False(t, status.Dirty)

	out, err = execute(t, "migrate", "down")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, uint(1), status.Version)
}

func TestRebuild_RequiresFile(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "rebuild", "--source", "file")
	assert.ErrorContains(t, err, "--file")

	_, err = execute(t, "rebuild", "--source", "s3")
	assert.ErrorContains(t, err, "unknown source")
}

func TestForecast_UnknownCell(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "forecast", "dp3wjz")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNearby_StaleHistoryIsEmpty(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "rebuild", "--file", fixturePath)
	require.NoError(t, err)

	// Fixture events are years old, outside the lookback ending today.
	out, err := execute(t, "nearby", "--lat", "41.8781", "--lon", "-87.6298", "--depth", "2")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
