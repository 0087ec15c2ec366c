package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(UpstreamCalls, 4)
	r.Add(UpstreamCalls, 1)
	r.Set(LastRunDurationSecs, 12.5)

	assert.Equal(t, float64(5), r.Value(UpstreamCalls))
	assert.Equal(t, 12.5, r.Value(LastRunDurationSecs))
	assert.Equal(t, float64(0), r.Value(RowsWritten))
	assert.Equal(t, []string{LastRunDurationSecs, UpstreamCalls}, r.Names())

	snap := r.Snapshot()
	assert.Equal(t, MetricTypeCounter, snap.Metrics[UpstreamCalls].Type)
	assert.Equal(t, MetricTypeGauge, snap.Metrics[LastRunDurationSecs].Type)
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.Add(UpstreamCalls, 1)
	r.Set(LastRunDurationSecs, 1)
	assert.Zero(t, r.Value(UpstreamCalls))
	assert.Empty(t, r.Names())
	assert.Empty(t, r.Snapshot().Metrics)
}

func TestServerHandlers(t *testing.T) {
	r := NewRegistry()
	r.Add(RowsWritten, 1250)

	t.Run("metrics endpoint", func(t *testing.T) {
		s := NewServer(config.MetricsConfig{Path: "/metrics"}, r, nil, logger.Discard())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var snap Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, float64(1250), snap.Metrics[RowsWritten].Value)
	})

	t.Run("healthy", func(t *testing.T) {
		s := NewServer(config.MetricsConfig{}, r, func(ctx context.Context) error { return nil }, logger.Discard())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"healthy"`)
	})

	t.Run("unhealthy", func(t *testing.T) {
		s := NewServer(config.MetricsConfig{}, r, func(ctx context.Context) error { return errors.New("scheduler stopped") }, logger.Discard())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "scheduler stopped")
	})

	t.Run("disabled server does not listen", func(t *testing.T) {
		s := NewServer(config.MetricsConfig{Enabled: false}, r, nil, logger.Discard())
		require.NoError(t, s.Start())
		assert.NoError(t, s.Shutdown(context.Background()))
	})
}
