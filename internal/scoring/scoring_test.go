package scoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

func TestNew_SelectsVariant(t *testing.T) {
	metrics := observability.NewMetricsForTesting()

	s, err := New(Config{}, metrics, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(Config{Kind: KindNone}, metrics, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, s)

	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(modelYAML), 0o600))
	s, err = New(Config{Kind: KindLinear, ModelPath: path}, metrics, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &LinearModel{}, s)

	s, err = New(Config{Kind: KindRemote, URL: "http://scorer:9000", CacheSize: 16}, metrics, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &CachedScorer{}, s)

	s, err = New(Config{Kind: KindRemote, URL: "http://scorer:9000"}, metrics, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &RemoteScorer{}, s)
}

func TestNew_Errors(t *testing.T) {
	metrics := observability.NewMetricsForTesting()

	_, err := New(Config{Kind: KindRemote}, metrics, discardLogger())
	assert.Error(t, err)

	_, err = New(Config{Kind: KindLinear, ModelPath: "/nonexistent/model.yaml"}, metrics, discardLogger())
	assert.Error(t, err)

	_, err = New(Config{Kind: "xgboost"}, metrics, discardLogger())
	assert.ErrorContains(t, err, `unknown scorer kind "xgboost"`)
}
