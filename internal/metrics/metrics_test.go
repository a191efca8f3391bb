package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	ch := make(chan prometheus.Metric, 1)
	histogram.Collect(ch)
	var m dto.Metric
	require.NoError(t, (<-ch).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestBoolGauge(t *testing.T) {
	assert.Equal(t, 1.0, BoolGauge(true))
	assert.Equal(t, 0.0, BoolGauge(false))
}

func TestHandlerExposesCollectors(t *testing.T) {
	CollectionCyclesTotal.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clustermaint_collection_cycles_total")
}
