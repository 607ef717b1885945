package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/celery-exporter/internal/health"
)

type noopChecker struct{ disconnected bool }

func (noopChecker) PingBroker(context.Context, time.Duration) error { return nil }
func (c noopChecker) StreamConnected() bool                         { return !c.disconnected }

func TestReadinessAfterShutdown(t *testing.T) {
	handler := health.Handler{Checker: noopChecker{}}

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	health.SetReady(true)
	resp := httptest.NewRecorder()
	handler.Ready(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	health.SetReady(false)
	resp2 := httptest.NewRecorder()
	handler.Ready(resp2, req)
	require.Equal(t, http.StatusServiceUnavailable, resp2.Code)

	// reset for other tests
	health.SetReady(true)
}

func TestReadinessDropsWhenStreamCloses(t *testing.T) {
	health.SetReady(true)
	t.Cleanup(func() { health.SetReady(true) })
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	resp := httptest.NewRecorder()
	health.Handler{Checker: noopChecker{disconnected: true}}.Ready(resp, req)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.JSONEq(t, `{"broker":"ok","events":"disconnected"}`, resp.Body.String())

	health.SetReady(false)
	resp = httptest.NewRecorder()
	health.Handler{Checker: noopChecker{disconnected: true}}.Ready(resp, req)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.NotContains(t, resp.Body.String(), "events")
}
