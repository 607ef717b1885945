package obs

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultNamespace prefixes every exported family unless overridden.
const DefaultNamespace = "celery"

var (
	// LatencyBuckets bound the received-to-started histogram, in seconds.
	LatencyBuckets = []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 180.0, 300.0, 600.0}
	// RuntimeBuckets bound the per-task runtime histogram, in seconds.
	RuntimeBuckets = []float64{1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 180.0, 300.0, 600.0}
)

// Metrics groups every collector the exporter publishes. It is created once at
// startup and shared by the event processor, the pollers and the supervisor.
type Metrics struct {
	Tasks        *KeyedGauge
	TasksByName  *KeyedGauge
	Workers      prometheus.Gauge
	Latency      prometheus.Histogram
	Runtime      *prometheus.HistogramVec
	QueueLengths *KeyedGauge
	QueueTasks   *KeyedGauge

	EventsTotal      *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	StreamReconnects prometheus.Counter
	StreamConnected  prometheus.Gauge
	QueuePollErrors  *prometheus.CounterVec
	TrackedTasks     prometheus.Gauge
}

// NewMetrics builds the exporter collectors and registers them on reg. A
// collector that is already registered is reused, so calling NewMetrics twice
// against the same registry yields instruments backed by the same series.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}

	tasks := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks",
		Help:      "Number of tasks per state",
	}, []string{"state"})
	tasksByName := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_by_name",
		Help:      "Number of tasks per state and name",
	}, []string{"state", "name"})
	queueLengths := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_lengths",
		Help:      "the size of the redis broker queues",
	}, []string{"queue"})
	queueTasks := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_tasks",
		Help:      "the number of tasks in the redis broker queue",
	}, []string{"queue", "name"})

	m := &Metrics{
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Number of alive workers",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_latency",
			Help:      "Seconds between a task is received and started.",
			Buckets:   LatencyBuckets,
		}),
		Runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tasks_runtime_seconds",
			Help:      "Task runtime (seconds)",
			Buckets:   RuntimeBuckets,
		}, []string{"name"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "events_total",
			Help:      "Task events applied to the state tracker, by event kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "events_dropped_total",
			Help:      "Events discarded before reaching the state tracker, by reason.",
		}, []string{"reason"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "stream_reconnects_total",
			Help:      "Number of event stream sessions that ended with an error.",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "stream_connected",
			Help:      "1 while the event stream is consuming, 0 otherwise.",
		}),
		QueuePollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "queue_poll_errors_total",
			Help:      "Broker queue inspection failures, by queue.",
		}, []string{"queue"}),
		TrackedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "tracked_tasks",
			Help:      "Unready tasks currently held in memory.",
		}),
	}

	m.Tasks = NewKeyedGauge(mustRegister(reg, tasks))
	m.TasksByName = NewKeyedGauge(mustRegister(reg, tasksByName))
	m.QueueLengths = NewKeyedGauge(mustRegister(reg, queueLengths))
	m.QueueTasks = NewKeyedGauge(mustRegister(reg, queueTasks))
	m.Workers = mustRegister(reg, m.Workers)
	m.Latency = mustRegister(reg, m.Latency)
	m.Runtime = mustRegister(reg, m.Runtime)
	m.EventsTotal = mustRegister(reg, m.EventsTotal)
	m.EventsDropped = mustRegister(reg, m.EventsDropped)
	m.StreamReconnects = mustRegister(reg, m.StreamReconnects)
	m.StreamConnected = mustRegister(reg, m.StreamConnected)
	m.QueuePollErrors = mustRegister(reg, m.QueuePollErrors)
	m.TrackedTasks = mustRegister(reg, m.TrackedTasks)
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors, mirroring what the default registry exposes.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(fmt.Errorf("register collector: %w", err))
	}
	return c
}
