package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/noah-isme/celery-exporter/internal/celery"
	"github.com/noah-isme/celery-exporter/internal/monitor"
	"github.com/noah-isme/celery-exporter/internal/obs"
	"github.com/noah-isme/celery-exporter/internal/tracker"
)

func newSupervisor(t *testing.T, source monitor.EventSource, registry monitor.Registry) (*monitor.Supervisor, *obs.Metrics) {
	t.Helper()
	store, err := tracker.NewStore(100)
	require.NoError(t, err)
	metrics := obs.NewMetrics("celery", prometheus.NewRegistry())
	return &monitor.Supervisor{
		Source:    source,
		Registry:  registry,
		Processor: tracker.NewProcessor(store, metrics, zerolog.Nop()),
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
		Backoff:   10 * time.Millisecond,
	}, metrics
}

func runSupervisor(t *testing.T, s *monitor.Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return cancel
}

func tasksGauge(m *obs.Metrics, labels ...string) float64 {
	if len(labels) == 1 {
		return testutil.ToFloat64(m.Tasks.Vec().WithLabelValues(labels...))
	}
	return testutil.ToFloat64(m.TasksByName.Vec().WithLabelValues(labels...))
}

func TestSupervisorBaselinesAndConsumes(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{streams: []*fakeStream{stream}}
	registry := &fakeRegistry{replies: map[string][]string{
		"celery@a": {"emails.send"},
		"celery@b": {"reports.build", "emails.send"},
	}}
	s, m := newSupervisor(t, source, registry)
	m.Workers.Set(3)

	runSupervisor(t, s)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	require.Equal(t, 0.0, testutil.ToFloat64(m.Workers))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamConnected))
	require.Equal(t, len(tracker.AllStates)*2, testutil.CollectAndCount(m.TasksByName.Vec()))

	stream.batches <- []tracker.Event{
		{TaskID: "1", Kind: "received", Name: "emails.send", Timestamp: time.Unix(100, 0)},
		{TaskID: "2", Kind: "received", Name: "emails.send", Timestamp: time.Unix(100, 0)},
		{Kind: "received"},
	}
	stream.batches <- []tracker.Event{{TaskID: "1", Kind: "succeeded"}}

	require.Eventually(t, func() bool {
		return tasksGauge(m, "SUCCESS") == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, tasksGauge(m, "RECEIVED"))
	require.Equal(t, 1.0, tasksGauge(m, "SUCCESS", "emails.send"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("missing_id")))
}

func TestSupervisorReconnectsAfterStreamFailure(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	source := &fakeSource{streams: []*fakeStream{first, second}}
	registry := &fakeRegistry{replies: map[string][]string{"celery@a": {"emails.send"}}}
	s, m := newSupervisor(t, source, registry)

	runSupervisor(t, s)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	first.fail <- errStreamLost
	require.Eventually(t, func() bool {
		return source.connectCount() == 2 && s.Connected()
	}, time.Second, 5*time.Millisecond)

	require.True(t, first.isClosed())
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamReconnects))
	// connect, failure and reconnect each baseline
	require.GreaterOrEqual(t, registry.callCount(), 3)

	second.batches <- []tracker.Event{{TaskID: "9", Kind: "started"}}
	require.Eventually(t, func() bool {
		return tasksGauge(m, "STARTED") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisorWaitsReconnectBackoff(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	source := &fakeSource{streams: []*fakeStream{first, second}}
	s, m := newSupervisor(t, source, &fakeRegistry{replies: map[string][]string{}})
	clock := clockz.NewFakeClock()
	s.Clock = clock
	s.Backoff = 0

	runSupervisor(t, s)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	require.False(t, clock.HasWaiters())

	first.fail <- errStreamLost
	require.Eventually(t, clock.HasWaiters, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamReconnects))

	clock.Advance(monitor.DefaultReconnectBackoff - time.Second)
	clock.BlockUntilReady()
	require.Never(t, func() bool { return source.connectCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	clock.BlockUntilReady()
	require.Eventually(t, func() bool {
		return source.connectCount() == 2 && s.Connected()
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisorZeroesKnownSeriesWithoutRegistry(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{streams: []*fakeStream{stream}}
	registry := &fakeRegistry{err: celery.ErrNoReplies}
	s, m := newSupervisor(t, source, registry)

	runSupervisor(t, s)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	require.Zero(t, testutil.CollectAndCount(m.TasksByName.Vec()))

	stream.batches <- []tracker.Event{{TaskID: "1", Kind: "received", Name: "emails.send"}}
	require.Eventually(t, func() bool {
		return tasksGauge(m, "RECEIVED") == 1
	}, time.Second, 5*time.Millisecond)
	series := testutil.CollectAndCount(m.Tasks.Vec())

	stream.fail <- errStreamLost
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.StreamReconnects) >= 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return tasksGauge(m, "RECEIVED") == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, series, testutil.CollectAndCount(m.Tasks.Vec()))
	require.Equal(t, 0.0, tasksGauge(m, "RECEIVED", "emails.send"))
	require.False(t, s.Connected())
}

func TestSupervisorKeepsRetryingWhenConnectFails(t *testing.T) {
	source := &fakeSource{}
	s, m := newSupervisor(t, source, nil)

	runSupervisor(t, s)
	require.Eventually(t, func() bool {
		return source.connectCount() >= 3
	}, time.Second, 5*time.Millisecond)
	require.False(t, s.Connected())
	require.GreaterOrEqual(t, testutil.ToFloat64(m.StreamReconnects), 2.0)
	require.Equal(t, 0.0, testutil.ToFloat64(m.StreamConnected))
}

func TestSupervisorClosesStreamOnShutdown(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{streams: []*fakeStream{stream}}
	s, _ := newSupervisor(t, source, &fakeRegistry{replies: map[string][]string{}})

	cancel := runSupervisor(t, s)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, stream.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)
}

func TestSupervisorRequiresDependencies(t *testing.T) {
	s := &monitor.Supervisor{}
	require.Error(t, s.Run(context.Background()))
}
