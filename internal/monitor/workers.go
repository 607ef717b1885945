package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"github.com/noah-isme/celery-exporter/internal/obs"
)

// DefaultPingTimeout bounds a single liveness ping.
const DefaultPingTimeout = 5 * time.Second

// WorkerPoller keeps the workers gauge at the number of workers answering a
// ping.
type WorkerPoller struct {
	Control  WorkerControl
	Metrics  *obs.Metrics
	Logger   zerolog.Logger
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockz.Clock
}

// Run pings immediately and then every Interval until ctx is cancelled.
func (p *WorkerPoller) Run(ctx context.Context) error {
	if p.Control == nil || p.Metrics == nil {
		return errors.New("monitor: worker poller not configured")
	}
	every(ctx, p.Clock, p.Interval, func(ctx context.Context) {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.Logger.Error().Err(err).Msg("error while pinging workers")
		}
	})
	return nil
}

// Poll pings once. On failure the gauge keeps its previous value.
func (p *WorkerPoller) Poll(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	n, err := p.Control.Ping(ctx, timeout)
	if err != nil {
		return err
	}
	p.Metrics.Workers.Set(float64(n))
	return nil
}

// EventsEnabler periodically asks every worker to publish task events, so
// workers started without events enabled still show up.
type EventsEnabler struct {
	Control  WorkerControl
	Logger   zerolog.Logger
	Interval time.Duration
	Clock    clockz.Clock
}

// Run broadcasts immediately and then every Interval until ctx is cancelled.
func (e *EventsEnabler) Run(ctx context.Context) error {
	if e.Control == nil {
		return errors.New("monitor: events enabler not configured")
	}
	every(ctx, e.Clock, e.Interval, func(ctx context.Context) {
		if err := e.Control.EnableEvents(ctx); err != nil && ctx.Err() == nil {
			e.Logger.Error().Err(err).Msg("error while enabling events")
		}
	})
	return nil
}
