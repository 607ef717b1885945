package queue_test

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoryStorage struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	seen     map[string]map[string]struct{}
	listErr  error
	lenErr   map[string]error
	remember int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		queues: make(map[string][][]byte),
		seen:   make(map[string]map[string]struct{}),
		lenErr: make(map[string]error),
	}
}

func (m *memoryStorage) set(queue string, messages ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(messages))
	for i, msg := range messages {
		out[i] = []byte(msg)
	}
	m.queues[queue] = out
}

func (m *memoryStorage) QueueNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStorage) Length(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lenErr[queue]; err != nil {
		return 0, err
	}
	return int64(len(m.queues[queue])), nil
}

func (m *memoryStorage) Messages(_ context.Context, queue string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.queues[queue]...), nil
}

func (m *memoryStorage) SeenTaskNames(_ context.Context, queue string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.seen[queue]))
	for name := range m.seen[queue] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStorage) RememberTaskNames(_ context.Context, queue string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remember++
	if m.seen[queue] == nil {
		m.seen[queue] = make(map[string]struct{})
	}
	for _, name := range names {
		m.seen[queue][name] = struct{}{}
	}
	return nil
}

func (m *memoryStorage) rememberCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remember
}

// decodePlain treats each message as its task name; "!" is undecodable.
func decodePlain(raw []byte) (string, error) {
	if string(raw) == "!" {
		return "", errors.New("bad message")
	}
	return string(raw), nil
}
