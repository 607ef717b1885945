package celery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/celery-exporter/internal/obs"
	"github.com/noah-isme/celery-exporter/internal/tracker"
)

type eventBody struct {
	Type      string   `json:"type"`
	UUID      string   `json:"uuid"`
	Timestamp float64  `json:"timestamp"`
	Runtime   *float64 `json:"runtime"`
	Name      string   `json:"name"`
	Hostname  string   `json:"hostname"`
}

// DecodeEvents turns one published event message into task events. Workers
// publish either a single event object or a batched list; non task events
// such as heartbeats are filtered out. A batch item that cannot be decoded is
// skipped and reported in dropped; err is set only when the message itself is
// unreadable.
func DecodeEvents(raw []byte) (events []tracker.Event, dropped int, err error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, 0, err
	}
	var body json.RawMessage
	if err := env.JSONPayload(&body); err != nil {
		return nil, 0, err
	}

	var items []json.RawMessage
	switch trimmed := bytes.TrimSpace(body); {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		items = []json.RawMessage{trimmed}
	default:
		return nil, 0, fmt.Errorf("%w: event body is neither object nor list", ErrMalformedMessage)
	}

	events = make([]tracker.Event, 0, len(items))
	for _, item := range items {
		var b eventBody
		if err := json.Unmarshal(item, &b); err != nil {
			dropped++
			continue
		}
		if !strings.HasPrefix(b.Type, "task-") {
			continue
		}
		events = append(events, tracker.Event{
			TaskID:    b.UUID,
			Kind:      strings.TrimPrefix(b.Type, "task-"),
			Timestamp: fromUnixSeconds(b.Timestamp),
			Runtime:   b.Runtime,
			Name:      b.Name,
			Hostname:  b.Hostname,
		})
	}
	if len(items) == 1 && dropped == 1 {
		return nil, 0, fmt.Errorf("%w: undecodable event", ErrMalformedMessage)
	}
	return events, dropped, nil
}

func fromUnixSeconds(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// EventReceiver subscribes to the event fanout channel.
type EventReceiver struct {
	client  *redis.Client
	keys    Keyspace
	metrics *obs.Metrics
	logger  zerolog.Logger
}

// NewEventReceiver builds a receiver. Undecodable messages are logged and
// counted under events_dropped_total{reason="malformed"}.
func NewEventReceiver(client *redis.Client, keys Keyspace, metrics *obs.Metrics, logger zerolog.Logger) *EventReceiver {
	return &EventReceiver{client: client, keys: keys, metrics: metrics, logger: logger}
}

// Connect subscribes and waits for the broker to confirm the subscription.
func (r *EventReceiver) Connect(ctx context.Context) (tracker.EventStream, error) {
	channel, pattern := r.keys.EventChannel()
	var ps *redis.PubSub
	if pattern {
		ps = r.client.PSubscribe(ctx, channel)
	} else {
		ps = r.client.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("celery: subscribe %s: %w", channel, err)
	}
	r.logger.Info().Str("channel", channel).Bool("pattern", pattern).Msg("subscribed to events")
	return &eventStream{ps: ps, metrics: r.metrics, logger: r.logger}, nil
}

type eventStream struct {
	ps      *redis.PubSub
	metrics *obs.Metrics
	logger  zerolog.Logger
}

func (s *eventStream) Next(ctx context.Context) ([]tracker.Event, error) {
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			return nil, err
		}
		events, dropped, err := DecodeEvents([]byte(msg.Payload))
		if err != nil {
			s.dropMalformed(1)
			s.logger.Debug().Err(err).Str("channel", msg.Channel).Msg("skipping event message")
			continue
		}
		if dropped > 0 {
			s.dropMalformed(dropped)
			s.logger.Debug().Int("dropped", dropped).Str("channel", msg.Channel).Msg("skipping undecodable batch items")
		}
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

func (s *eventStream) dropMalformed(n int) {
	if s.metrics != nil {
		s.metrics.EventsDropped.WithLabelValues("malformed").Add(float64(n))
	}
}

func (s *eventStream) Close() error {
	return s.ps.Close()
}
