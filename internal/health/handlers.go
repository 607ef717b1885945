package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

var ready atomic.Bool

func init() {
	ready.Store(true)
}

// SetReady toggles the process-wide readiness flag. The entrypoint clears it
// when shutdown begins so load balancers stop scraping before the server exits.
func SetReady(v bool) {
	ready.Store(v)
}

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingBroker(ctx context.Context, timeout time.Duration) error
	StreamConnected() bool
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker       Checker
	BrokerTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on the broker probe and the event stream.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil || !ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	brokerStatus := "ok"
	if err := h.Checker.PingBroker(r.Context(), h.brokerTimeout()); err != nil {
		brokerStatus = err.Error()
	}
	streamStatus := "ok"
	if !h.Checker.StreamConnected() {
		streamStatus = "disconnected"
	}
	status := map[string]string{
		"broker": brokerStatus,
		"events": streamStatus,
	}
	w.Header().Set("Content-Type", "application/json")
	if brokerStatus != "ok" || streamStatus != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) brokerTimeout() time.Duration {
	if h.BrokerTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.BrokerTimeout
}
