package celery_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// envelope builds a kombu style message around body.
func envelope(t *testing.T, body any, headers map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	if headers == nil {
		headers = map[string]any{}
	}
	msg, err := json.Marshal(map[string]any{
		"body":             base64.StdEncoding.EncodeToString(raw),
		"content-encoding": "utf-8",
		"content-type":     "application/json",
		"headers":          headers,
		"properties": map[string]any{
			"body_encoding": "base64",
			"delivery_tag":  "tag",
			"delivery_info": map[string]any{"exchange": "", "routing_key": "celery"},
			"priority":      0,
		},
	})
	require.NoError(t, err)
	return string(msg)
}
