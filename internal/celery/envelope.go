package celery

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformedMessage marks broker payloads that cannot be decoded.
var ErrMalformedMessage = errors.New("celery: malformed message")

// Envelope is the JSON document kombu stores in Redis lists and publishes on
// fanout channels.
type Envelope struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      Properties     `json:"properties"`
}

// Properties carries the transport level message attributes.
type Properties struct {
	BodyEncoding string       `json:"body_encoding"`
	DeliveryTag  string       `json:"delivery_tag"`
	DeliveryMode int          `json:"delivery_mode,omitempty"`
	Priority     int          `json:"priority"`
	DeliveryInfo DeliveryInfo `json:"delivery_info"`
}

// DeliveryInfo names the exchange and routing key a message was sent with.
type DeliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// NewEnvelope wraps a JSON body the way kombu's Redis transport does.
func NewEnvelope(body []byte, headers map[string]any, info DeliveryInfo) Envelope {
	if headers == nil {
		headers = map[string]any{}
	}
	return Envelope{
		Body:            base64.StdEncoding.EncodeToString(body),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers:         headers,
		Properties: Properties{
			BodyEncoding: "base64",
			DeliveryTag:  uuid.NewString(),
			DeliveryMode: 2,
			DeliveryInfo: info,
		},
	}
}

// DecodeEnvelope parses raw. Decoding failures wrap ErrMalformedMessage.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env, nil
}

// Payload returns the decoded body bytes.
func (e Envelope) Payload() ([]byte, error) {
	if e.Properties.BodyEncoding != "base64" {
		return []byte(e.Body), nil
	}
	body, err := base64.StdEncoding.DecodeString(e.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedMessage, err)
	}
	return body, nil
}

// JSONPayload decodes the body into v. Non JSON content types are rejected.
func (e Envelope) JSONPayload(v any) error {
	if ct := e.ContentType; ct != "" && !strings.Contains(ct, "json") {
		return fmt.Errorf("%w: unsupported content type %q", ErrMalformedMessage, ct)
	}
	body, err := e.Payload()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Header returns a string header value.
func (e Envelope) Header(name string) string {
	s, _ := e.Headers[name].(string)
	return s
}

// TaskNameFromMessage extracts the task name from a queued task message.
// Protocol 2 keeps it in the "task" header; protocol 1 in the body.
func TaskNameFromMessage(raw []byte) (string, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return "", err
	}
	if name := env.Header("task"); name != "" {
		return name, nil
	}
	var body struct {
		Task string `json:"task"`
	}
	if err := env.JSONPayload(&body); err != nil {
		return "", err
	}
	if body.Task == "" {
		return "", fmt.Errorf("%w: no task name", ErrMalformedMessage)
	}
	return body.Task, nil
}
