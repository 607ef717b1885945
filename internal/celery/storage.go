package celery

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// QueueStorage reads the Redis lists backing Celery queues and the per queue
// set of task names seen so far.
type QueueStorage struct {
	client *redis.Client
	keys   Keyspace
}

// NewQueueStorage builds a storage view.
func NewQueueStorage(client *redis.Client, keys Keyspace) *QueueStorage {
	return &QueueStorage{client: client, keys: keys}
}

// QueueNames lists every exchange with a kombu binding, sorted.
func (s *QueueStorage) QueueNames(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, s.keys.Key(bindingPrefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		if name, ok := s.keys.QueueFromBinding(iter.Val()); ok && name != "" {
			seen[name] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("celery: scan bindings: %w", err)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Length returns the number of messages waiting in queue.
func (s *QueueStorage) Length(ctx context.Context, queue string) (int64, error) {
	return s.client.LLen(ctx, s.keys.Key(queue)).Result()
}

// Messages returns every raw message waiting in queue.
func (s *QueueStorage) Messages(ctx context.Context, queue string) ([][]byte, error) {
	items, err := s.client.LRange(ctx, s.keys.Key(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// SeenTaskNames returns every task name ever recorded for queue.
func (s *QueueStorage) SeenTaskNames(ctx context.Context, queue string) ([]string, error) {
	return s.client.SMembers(ctx, s.seenKey(queue)).Result()
}

// RememberTaskNames adds names to the seen set of queue.
func (s *QueueStorage) RememberTaskNames(ctx context.Context, queue string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	members := make([]any, len(names))
	for i, name := range names {
		members[i] = name
	}
	return s.client.SAdd(ctx, s.seenKey(queue), members...).Err()
}

// Ping checks the broker connection.
func (s *QueueStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *QueueStorage) seenKey(queue string) string {
	return s.keys.Key(queue + "_tasks")
}
