// Package celery speaks the Redis side of the Celery/kombu wire protocol:
// the event fanout channel, the pidbox control mailbox and the raw queue
// lists the broker keeps per queue.
package celery

import (
	"fmt"
	"strings"
)

const (
	bindingPrefix  = "_kombu.binding."
	bindingSep     = "\x06\x16"
	eventExchange  = "celeryev"
	pidboxExchange = "celery.pidbox"
	replyExchange  = "reply.celery.pidbox"
)

// Keyspace resolves kombu key and channel names for one Redis database.
type Keyspace struct {
	DB int
	// GlobalPrefix is prepended to every key and channel (global_keyprefix).
	GlobalPrefix string
	// FanoutPrefix is prepended to fanout channels; "/<db>." by default.
	FanoutPrefix string
	// FanoutPatterns routes fanout messages to "<exchange>/<routing key>".
	FanoutPatterns bool
}

// NewKeyspace applies the transport options understood by the Redis
// transport. Unknown options are ignored.
func NewKeyspace(db int, options map[string]any) (Keyspace, error) {
	ks := Keyspace{
		DB:             db,
		FanoutPrefix:   fmt.Sprintf("/%d.", db),
		FanoutPatterns: true,
	}
	for name, raw := range options {
		switch name {
		case "global_keyprefix":
			s, ok := raw.(string)
			if !ok {
				return Keyspace{}, fmt.Errorf("celery: transport option %s must be a string", name)
			}
			ks.GlobalPrefix = s
		case "fanout_prefix":
			switch v := raw.(type) {
			case bool:
				if !v {
					ks.FanoutPrefix = ""
				}
			case string:
				ks.FanoutPrefix = v
			default:
				return Keyspace{}, fmt.Errorf("celery: transport option %s must be a bool or string", name)
			}
		case "fanout_patterns":
			v, ok := raw.(bool)
			if !ok {
				return Keyspace{}, fmt.Errorf("celery: transport option %s must be a bool", name)
			}
			ks.FanoutPatterns = v
		}
	}
	return ks, nil
}

// Key returns the broker key for name.
func (k Keyspace) Key(name string) string {
	return k.GlobalPrefix + name
}

// Fanout returns the channel a broadcast to exchange is published on.
func (k Keyspace) Fanout(exchange, routingKey string) string {
	topic := k.GlobalPrefix + k.FanoutPrefix + exchange
	if k.FanoutPatterns && routingKey != "" {
		topic += "/" + routingKey
	}
	return topic
}

// EventChannel returns the channel carrying task events and whether it has to
// be subscribed as a pattern.
func (k Keyspace) EventChannel() (string, bool) {
	if k.FanoutPatterns {
		return k.Fanout(eventExchange, "*"), true
	}
	return k.Fanout(eventExchange, ""), false
}

// BindingKey is the set listing the queues bound to exchange.
func (k Keyspace) BindingKey(exchange string) string {
	return k.Key(bindingPrefix + exchange)
}

// QueueFromBinding strips the binding prefix from a scanned key.
func (k Keyspace) QueueFromBinding(key string) (string, bool) {
	return strings.CutPrefix(key, k.Key(bindingPrefix))
}

func bindingMember(routingKey, pattern, queue string) string {
	return routingKey + bindingSep + pattern + bindingSep + queue
}
