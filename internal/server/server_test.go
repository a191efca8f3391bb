package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/config"
	"github.com/limiquantix/clustermaint/internal/scheduler"
)

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

type staticTriggers []scheduler.Info

func (t staticTriggers) Entries() []scheduler.Info { return t }

func newTestServer(opts ...ServerOption) *Server {
	return New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, zap.NewNop(), opts...)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Probes(t *testing.T) {
	s := newTestServer()

	for _, path := range []string{"/health", "/healthz", "/live"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
}

func TestServer_Ready(t *testing.T) {
	healthy := healthFunc(func(ctx context.Context) error { return nil })
	broken := healthFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		opts       []ServerOption
		wantStatus int
		wantReady  bool
		components map[string]string
	}{
		{
			name:       "no backing services",
			wantStatus: http.StatusOK,
			wantReady:  true,
			components: map[string]string{},
		},
		{
			name:       "all healthy",
			opts:       []ServerOption{WithPostgreSQL(healthy), WithRedis(healthy)},
			wantStatus: http.StatusOK,
			wantReady:  true,
			components: map[string]string{"postgres": "healthy", "redis": "healthy"},
		},
		{
			name:       "etcd down",
			opts:       []ServerOption{WithPostgreSQL(healthy), WithEtcd(broken)},
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
			components: map[string]string{"postgres": "healthy", "etcd": "unhealthy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newTestServer(tt.opts...), "/ready")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body struct {
				Ready      bool              `json:"ready"`
				Components map[string]string `json:"components"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantReady, body.Ready)
			assert.Equal(t, tt.components, body.Components)
		})
	}
}

func TestServer_NilCheckIgnored(t *testing.T) {
	s := newTestServer(WithRedis(nil))
	assert.Empty(t, s.checks)
}

func TestServer_Info(t *testing.T) {
	next := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	s := newTestServer(
		WithVersion("1.2.3"),
		WithLeader(staticLeader(true)),
		WithRedis(healthFunc(func(ctx context.Context) error { return nil })),
		WithScheduler(staticTriggers{
			{Name: "collect", Next: next},
			{Name: "update_abc", OneShot: true, Next: next},
		}),
	)

	rec := get(t, s, "/info")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version        string        `json:"version"`
		Leader         bool          `json:"leader"`
		Infrastructure []string      `json:"infrastructure"`
		Triggers       []triggerInfo `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.True(t, body.Leader)
	assert.Equal(t, []string{"redis"}, body.Infrastructure)
	require.Len(t, body.Triggers, 2)
	assert.Equal(t, "update_abc", body.Triggers[1].Name)
	assert.True(t, body.Triggers[1].OneShot)
	require.NotNil(t, body.Triggers[0].Next)
	assert.True(t, next.Equal(*body.Triggers[0].Next))
	assert.Nil(t, body.Triggers[0].Prev)
}

func TestServer_Metrics(t *testing.T) {
	rec := get(t, newTestServer(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "clustermaint_"), "expected clustermaint metrics in scrape")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	s := newTestServer()
	s.mux.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	rec := get(t, s, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
