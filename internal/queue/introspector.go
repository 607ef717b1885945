// Package queue inspects the raw broker queues and exports their depth and
// the number of waiting messages per task name.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/celery-exporter/internal/obs"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 5 * time.Second

// BuiltinQueues are bound by Celery itself and never hold task messages.
var BuiltinQueues = []string{"celery.pidbox", "reply.celery.pidbox", "celeryev"}

// Storage is the raw view of the broker the introspector needs.
type Storage interface {
	QueueNames(ctx context.Context) ([]string, error)
	Length(ctx context.Context, queue string) (int64, error)
	Messages(ctx context.Context, queue string) ([][]byte, error)
	SeenTaskNames(ctx context.Context, queue string) ([]string, error)
	RememberTaskNames(ctx context.Context, queue string, names []string) error
}

// DecodeFunc extracts the task name from one queued message.
type DecodeFunc func(raw []byte) (string, error)

// Snapshot is the state of one queue observed by a single poll.
type Snapshot struct {
	Queue  string
	Length int64
	// Counts is nil for builtin queues.
	Counts map[string]int
}

// Introspector polls Storage and writes queue_lengths and queue_tasks.
type Introspector struct {
	Storage  Storage
	Decode   DecodeFunc
	Metrics  *obs.Metrics
	Logger   zerolog.Logger
	Interval time.Duration
	Clock    clockz.Clock
}

// Run polls once immediately and then every Interval until ctx is cancelled.
// Poll failures are logged and never stop the loop.
func (in *Introspector) Run(ctx context.Context) error {
	if in.Storage == nil || in.Decode == nil || in.Metrics == nil {
		return errors.New("queue: introspector not configured")
	}
	interval := in.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := in.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	in.poll(ctx)
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			in.poll(ctx)
		}
	}
}

func (in *Introspector) poll(ctx context.Context) {
	if _, err := in.CollectOnce(ctx); err != nil && ctx.Err() == nil {
		in.Logger.Error().Err(err).Msg("error while collecting broker queue metrics")
	}
}

// CollectOnce runs a single poll. A listing failure aborts the poll; any other
// failure only affects its own queue and is returned joined with the rest.
func (in *Introspector) CollectOnce(ctx context.Context) ([]Snapshot, error) {
	ctx, span := otel.Tracer("queue.Introspector").Start(ctx, "Introspector.CollectOnce")
	defer span.End()

	queues, err := in.Storage.QueueNames(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list queues: %w", err)
	}
	span.SetAttributes(attribute.Int("celery.queues", len(queues)))

	var joined error
	snapshots := make([]Snapshot, 0, len(queues))
	for _, queue := range queues {
		snap, err := in.collectQueue(ctx, queue)
		if err != nil {
			in.Metrics.QueuePollErrors.WithLabelValues(queue).Inc()
			joined = errors.Join(joined, fmt.Errorf("queue %s: %w", queue, err))
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if joined != nil {
		span.RecordError(joined)
	}
	return snapshots, joined
}

func (in *Introspector) collectQueue(ctx context.Context, queue string) (Snapshot, error) {
	snap := Snapshot{Queue: queue}
	length, err := in.Storage.Length(ctx, queue)
	if err != nil {
		return snap, fmt.Errorf("length: %w", err)
	}
	snap.Length = length
	in.Metrics.QueueLengths.Set(float64(length), queue)

	if IsBuiltin(queue) {
		return snap, nil
	}
	counts, err := in.tally(ctx, queue)
	if err != nil {
		return snap, err
	}
	snap.Counts = counts
	for name, n := range counts {
		in.Metrics.QueueTasks.Set(float64(n), queue, name)
	}
	if err := in.zeroMissing(ctx, queue, counts); err != nil {
		return snap, err
	}
	return snap, nil
}

func (in *Introspector) tally(ctx context.Context, queue string) (map[string]int, error) {
	messages, err := in.Storage.Messages(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	counts := make(map[string]int)
	for _, raw := range messages {
		name, err := in.Decode(raw)
		if err != nil {
			in.Logger.Debug().Err(err).Str("queue", queue).Msg("skipping undecodable message")
			continue
		}
		counts[name]++
	}
	return counts, nil
}

// zeroMissing sets every name seen on queue in the past but absent now to 0,
// then records the current names as seen.
func (in *Introspector) zeroMissing(ctx context.Context, queue string, counts map[string]int) error {
	seen, err := in.Storage.SeenTaskNames(ctx, queue)
	if err != nil {
		return fmt.Errorf("seen task names: %w", err)
	}
	for _, name := range seen {
		if _, ok := counts[name]; !ok {
			in.Metrics.QueueTasks.Set(0, queue, name)
		}
	}
	if len(counts) == 0 {
		return nil
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := in.Storage.RememberTaskNames(ctx, queue, names); err != nil {
		return fmt.Errorf("remember task names: %w", err)
	}
	return nil
}

// IsBuiltin reports whether queue is one of BuiltinQueues.
func IsBuiltin(queue string) bool {
	for _, b := range BuiltinQueues {
		if queue == b {
			return true
		}
	}
	return false
}
