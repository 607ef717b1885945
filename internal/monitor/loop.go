// Package monitor runs the long lived loops that keep the exporter in step
// with the workers: the event stream supervisor, the worker liveness poller
// and the events enabler.
package monitor

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/noah-isme/celery-exporter/internal/tracker"
)

// EventSource opens event stream sessions against the broker.
type EventSource interface {
	Connect(ctx context.Context) (tracker.EventStream, error)
}

// Subscription is one open session of an EventSource.
type Subscription = tracker.EventStream

// WorkerControl broadcasts remote control commands to workers.
type WorkerControl interface {
	Ping(ctx context.Context, timeout time.Duration) (int, error)
	EnableEvents(ctx context.Context) error
}

// Registry reports the task names registered on each worker.
type Registry interface {
	RegisteredTasks(ctx context.Context, timeout time.Duration) (map[string][]string, error)
}

const defaultInterval = 5 * time.Second

// every runs fn immediately and then once per interval until ctx is done.
func every(ctx context.Context, clock clockz.Clock, interval time.Duration, fn func(context.Context)) {
	if clock == nil {
		clock = clockz.RealClock
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	fn(ctx)
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			fn(ctx)
		}
	}
}
