package celery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// ErrNoReplies is returned when a command expecting replies got none.
var ErrNoReplies = errors.New("celery: no worker replied")

const (
	cleanupTimeout = time.Second
	// replies are polled rather than read with BRPOP, whose timeout only
	// has whole second resolution in the client
	replyPollInterval = 25 * time.Millisecond
)

// Mailbox broadcasts remote control commands to workers over the pidbox
// exchange and gathers their replies.
type Mailbox struct {
	client *redis.Client
	keys   Keyspace
	clock  clockz.Clock
	logger zerolog.Logger
}

// NewMailbox builds a mailbox. Reply deadlines are measured on clock; nil
// means the wall clock.
func NewMailbox(client *redis.Client, keys Keyspace, clock clockz.Clock, logger zerolog.Logger) *Mailbox {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Mailbox{client: client, keys: keys, clock: clock, logger: logger}
}

type replyTo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

type command struct {
	Method      string         `json:"method"`
	Arguments   map[string]any `json:"arguments"`
	Destination []string       `json:"destination"`
	Pattern     *string        `json:"pattern"`
	Matcher     *string        `json:"matcher"`
	Ticket      string         `json:"ticket,omitempty"`
	ReplyTo     *replyTo       `json:"reply_to,omitempty"`
}

// Ping returns the number of distinct workers answering within timeout.
func (m *Mailbox) Ping(ctx context.Context, timeout time.Duration) (int, error) {
	replies, err := m.call(ctx, "ping", nil, timeout)
	if err != nil {
		return 0, err
	}
	hosts := make(map[string]struct{})
	for _, reply := range replies {
		for host := range reply {
			hosts[host] = struct{}{}
		}
	}
	return len(hosts), nil
}

// EnableEvents asks every worker to start publishing task events.
func (m *Mailbox) EnableEvents(ctx context.Context) error {
	return m.publish(ctx, command{Method: "enable_events", Arguments: map[string]any{}}, 0)
}

// RegisteredTasks returns the task names each answering worker has
// registered, keyed by worker hostname.
func (m *Mailbox) RegisteredTasks(ctx context.Context, timeout time.Duration) (map[string][]string, error) {
	replies, err := m.call(ctx, "registered", map[string]any{"taskinfoitems": []string{}}, timeout)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, reply := range replies {
		for host, raw := range reply {
			var names []string
			if err := json.Unmarshal(raw, &names); err != nil {
				m.logger.Debug().Err(err).Str("worker", host).Msg("unexpected registered reply")
				continue
			}
			out[host] = append(out[host], names...)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoReplies
	}
	return out, nil
}

// call broadcasts method with a reply queue and collects replies until
// timeout elapses. Replies with a foreign ticket are discarded.
func (m *Mailbox) call(ctx context.Context, method string, args map[string]any, timeout time.Duration) ([]map[string]json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	oid := uuid.NewString()
	ticket := uuid.NewString()
	queue := oid + "." + replyExchange
	queueKey := m.keys.Key(queue)
	bindKey := m.keys.BindingKey(replyExchange)
	member := bindingMember(oid, "", queue)

	if err := m.client.SAdd(ctx, bindKey, member).Err(); err != nil {
		return nil, fmt.Errorf("celery: bind reply queue: %w", err)
	}
	defer m.cleanup(ctx, bindKey, member, queueKey)

	cmd := command{
		Method:    method,
		Arguments: args,
		Ticket:    ticket,
		ReplyTo:   &replyTo{Exchange: replyExchange, RoutingKey: oid},
	}
	if err := m.publish(ctx, cmd, timeout); err != nil {
		return nil, err
	}

	deadline := m.clock.Now().Add(timeout)
	var replies []map[string]json.RawMessage
	for {
		raw, err := m.client.RPop(ctx, queueKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			remaining := deadline.Sub(m.clock.Now())
			if remaining <= 0 {
				return replies, nil
			}
			if err := m.sleep(ctx, min(remaining, replyPollInterval)); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("celery: read %s replies: %w", method, err)
		default:
			if reply, ok := m.decodeReply(raw, ticket); ok {
				replies = append(replies, reply)
			}
		}
	}
}

func (m *Mailbox) sleep(ctx context.Context, d time.Duration) error {
	t := m.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func (m *Mailbox) decodeReply(raw, ticket string) (map[string]json.RawMessage, bool) {
	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		m.logger.Debug().Err(err).Msg("skipping pidbox reply")
		return nil, false
	}
	if env.Header("ticket") != ticket {
		return nil, false
	}
	var reply map[string]json.RawMessage
	if err := env.JSONPayload(&reply); err != nil {
		m.logger.Debug().Err(err).Msg("skipping pidbox reply")
		return nil, false
	}
	return reply, true
}

func (m *Mailbox) publish(ctx context.Context, cmd command, ttl time.Duration) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	headers := map[string]any{"clock": 1}
	if ttl > 0 {
		headers["expires"] = float64(m.clock.Now().Add(ttl).UnixNano()) / 1e9
	}
	env := NewEnvelope(body, headers, DeliveryInfo{Exchange: pidboxExchange})
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	channel := m.keys.Fanout(pidboxExchange, "")
	if err := m.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("celery: broadcast %s: %w", cmd.Method, err)
	}
	return nil
}

func (m *Mailbox) cleanup(ctx context.Context, bindKey, member, queueKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, bindKey, member)
	pipe.Del(ctx, queueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Debug().Err(err).Str("queue", queueKey).Msg("reply queue cleanup failed")
	}
}
