package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/celery-exporter/internal/config"
	"github.com/noah-isme/celery-exporter/internal/obs"
)

type stubChecker struct{ err error }

func (s stubChecker) PingBroker(context.Context, time.Duration) error { return s.err }
func (s stubChecker) StreamConnected() bool                           { return true }

func newTestRouter(t *testing.T, checker stubChecker) http.Handler {
	t.Helper()
	registry := obs.NewRegistry()
	metrics := obs.NewMetrics("celery", registry)
	metrics.Workers.Set(2)
	metrics.Tasks.Set(0, "SUCCESS")
	cfg := &config.Config{PingTimeout: 50 * time.Millisecond}
	return newRouter(cfg, zerolog.Nop(), registry, obs.NewHTTPMetrics("celery", registry), checker)
}

func TestRouterServesMetrics(t *testing.T) {
	router := newTestRouter(t, stubChecker{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "celery_workers 2")
	require.Contains(t, body, `celery_tasks{state="SUCCESS"} 0`)
	require.Contains(t, body, "go_goroutines")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(rr.Body.String(), `celery_exporter_http_requests_total{route="/metrics",status="200"} 1`))
}

func TestRouterHealthEndpoints(t *testing.T) {
	router := newTestRouter(t, stubChecker{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	router = newTestRouter(t, stubChecker{err: errors.New("down")})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRunVersionAndConfigErrors(t *testing.T) {
	require.Equal(t, 0, run([]string{"--version"}))
	require.Equal(t, 1, run([]string{"--transport-options", "{broken"}))
	require.Equal(t, 1, run([]string{"--max_tasks_in_memory", "-1"}))
}
