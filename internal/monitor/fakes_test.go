package monitor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/celery-exporter/internal/tracker"
)

var errStreamLost = errors.New("stream lost")

type fakeStream struct {
	batches chan []tracker.Event
	fail    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		batches: make(chan []tracker.Event, 16),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) ([]tracker.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("stream closed")
	case err := <-s.fail:
		return nil, err
	case batch := <-s.batches:
		return batch, nil
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeSource hands out streams in order; once they run out Connect fails.
type fakeSource struct {
	mu       sync.Mutex
	streams  []*fakeStream
	connects int
}

func (f *fakeSource) Connect(_ context.Context) (tracker.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.streams) == 0 {
		return nil, errors.New("connection refused")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeSource) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeRegistry struct {
	mu      sync.Mutex
	replies map[string][]string
	err     error
	calls   int
}

func (f *fakeRegistry) RegisteredTasks(_ context.Context, _ time.Duration) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.replies, nil
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeControl struct {
	mu       sync.Mutex
	alive    int
	pings    int
	pingErr  error
	enables  int
	enableEr error
}

func (f *fakeControl) Ping(_ context.Context, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	return f.alive, nil
}

func (f *fakeControl) EnableEvents(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	return f.enableEr
}

func (f *fakeControl) set(alive int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = alive
	f.pingErr = err
}

func (f *fakeControl) enableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enables
}

func (f *fakeControl) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}
