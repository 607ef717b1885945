package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/celery-exporter/internal/obs"
	"github.com/noah-isme/celery-exporter/internal/tracker"
)

const (
	// DefaultReconnectBackoff is the pause between stream sessions.
	DefaultReconnectBackoff = 5 * time.Second
	// DefaultInspectTimeout bounds the registered tasks query.
	DefaultInspectTimeout = time.Second
)

// Supervisor keeps an event stream session open, feeding every event to the
// processor. Each session starts with a baseline; a failed session is logged,
// baselined again and retried after a fixed backoff until ctx is cancelled.
type Supervisor struct {
	Source         EventSource
	Registry       Registry
	Processor      *tracker.Processor
	Metrics        *obs.Metrics
	Logger         zerolog.Logger
	InspectTimeout time.Duration
	Backoff        time.Duration
	Clock          clockz.Clock

	connected atomic.Bool
}

// Connected reports whether a session is currently consuming events.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Run supervises sessions until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Source == nil || s.Processor == nil || s.Metrics == nil {
		return errors.New("monitor: supervisor not configured")
	}
	clock := s.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.Logger.Error().Err(err).Dur("backoff", backoff).Msg("event stream lost, reconnecting")
		s.Metrics.StreamReconnects.Inc()
		s.Baseline(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(backoff):
		}
	}
}

func (s *Supervisor) session(ctx context.Context) error {
	stream, err := s.Source.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// blocking reads do not always observe ctx; closing the stream does
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		if stop() {
			_ = stream.Close()
		}
		s.setConnected(false)
	}()

	s.Baseline(ctx)
	s.setConnected(true)
	s.Logger.Info().Msg("consuming task events")

	for {
		events, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		for _, ev := range events {
			if err := s.Processor.Process(ev); err != nil {
				s.Logger.Debug().Err(err).Str("task_id", ev.TaskID).Str("kind", ev.Kind).Msg("event dropped")
			}
		}
	}
}

// Baseline resets worker and task series to explicit zeros. With a registry
// answer every state is written for every registered name; without one only
// series that already exist are zeroed.
func (s *Supervisor) Baseline(ctx context.Context) {
	ctx, span := otel.Tracer("monitor.Supervisor").Start(ctx, "Supervisor.Baseline")
	defer span.End()

	s.Metrics.Workers.Set(0)
	if s.Registry == nil {
		s.Processor.ZeroKnown()
		return
	}
	replies, err := s.Registry.RegisteredTasks(ctx, s.inspectTimeout())
	if err != nil {
		span.RecordError(err)
		s.Logger.Warn().Err(err).Msg("registered tasks unavailable, zeroing known series")
		s.Processor.ZeroKnown()
		return
	}
	names := unionNames(replies)
	span.SetAttributes(attribute.Int("celery.workers", len(replies)), attribute.Int("celery.task_names", len(names)))
	s.Processor.Baseline(names)
}

func (s *Supervisor) inspectTimeout() time.Duration {
	if s.InspectTimeout <= 0 {
		return DefaultInspectTimeout
	}
	return s.InspectTimeout
}

func (s *Supervisor) setConnected(v bool) {
	s.connected.Store(v)
	if v {
		s.Metrics.StreamConnected.Set(1)
	} else {
		s.Metrics.StreamConnected.Set(0)
	}
}

func unionNames(replies map[string][]string) []string {
	set := make(map[string]struct{})
	for _, names := range replies {
		for _, name := range names {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
