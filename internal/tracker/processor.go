package tracker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/celery-exporter/internal/obs"
)

// Processor applies events to a Store and keeps the task metrics in sync.
//
// Ready states are counted: each arrival adds one to its series. Unready
// states are levels: after every event the distribution of tracked records is
// recomputed and written over every (state) and (state, name) combination seen
// so far, including zeros for combinations that emptied out.
type Processor struct {
	mu      sync.Mutex
	store   *Store
	metrics *obs.Metrics
	logger  zerolog.Logger

	knownStates     map[State]struct{}
	knownStateNames map[StateName]struct{}
}

// NewProcessor wires a processor to its store and metrics.
func NewProcessor(store *Store, metrics *obs.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		store:           store,
		metrics:         metrics,
		logger:          logger,
		knownStates:     make(map[State]struct{}),
		knownStateNames: make(map[StateName]struct{}),
	}
}

// Store returns the underlying task store.
func (p *Processor) Store() *Store { return p.store }

// Process applies a single event. Events without a task id or with a kind that
// maps to no state are counted as dropped and reported through the returned
// error; the processor state is left untouched for them.
func (p *Processor) Process(ev Event) error {
	if strings.TrimSpace(ev.TaskID) == "" {
		p.metrics.EventsDropped.WithLabelValues("missing_id").Inc()
		return ErrMissingTaskID
	}
	state, ok := StateForKind(ev.Kind)
	if !ok {
		p.metrics.EventsDropped.WithLabelValues("unknown_kind").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.EventsTotal.WithLabelValues(NormalizeKind(ev.Kind)).Inc()
	switch state {
	case Started:
		p.observeLatency(ev)
	case Success:
		p.observeRuntime(ev)
	}
	if state.Ready() {
		p.countReady(ev, state)
	} else {
		p.track(ev, state)
	}
	p.collectUnready()
	return nil
}

// Baseline zeroes every state, and every state for each of names, so that
// known series report 0 rather than nothing.
func (p *Processor) Baseline(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range AllStates {
		p.metrics.Tasks.Set(0, s.String())
		for _, name := range names {
			p.metrics.TasksByName.Set(0, s.String(), name)
		}
	}
}

// ZeroKnown resets every task series written so far without adding new ones.
func (p *Processor) ZeroKnown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.Tasks.ZeroAll()
	p.metrics.TasksByName.ZeroAll()
}

func (p *Processor) observeLatency(ev Event) {
	prev, ok := p.store.Get(ev.TaskID)
	if !ok {
		return
	}
	// a retried task starts again without a fresh RECEIVED; its queue wait is
	// not comparable, so only the first hop is sampled
	if prev.State != Received || prev.LastEventAt.IsZero() || ev.Timestamp.IsZero() {
		return
	}
	p.metrics.Latency.Observe(ev.Timestamp.Sub(prev.LastEventAt).Seconds())
}

func (p *Processor) observeRuntime(ev Event) {
	if ev.Runtime == nil {
		return
	}
	prev, ok := p.store.Get(ev.TaskID)
	if !ok {
		return
	}
	p.metrics.Runtime.WithLabelValues(prev.Name).Observe(*ev.Runtime)
}

func (p *Processor) countReady(ev Event, state State) {
	p.metrics.Tasks.Inc(state.String())
	prev, ok := p.store.Remove(ev.TaskID)
	if !ok {
		p.logger.Debug().Str("task_id", ev.TaskID).Str("state", state.String()).Msg("ready event for untracked task")
		return
	}
	if prev.Name != "" {
		p.metrics.TasksByName.Inc(state.String(), prev.Name)
	}
}

func (p *Processor) track(ev Event, state State) {
	p.store.Upsert(ev.TaskID, func(rec *TaskRecord) {
		rec.State = state
		if !ev.Timestamp.IsZero() {
			rec.LastEventAt = ev.Timestamp
		}
		if ev.Name != "" {
			rec.Name = ev.Name
		}
	})
}

func (p *Processor) collectUnready() {
	counts := p.store.Snapshot()

	for s := range counts.ByState {
		p.knownStates[s] = struct{}{}
	}
	for s := range p.knownStates {
		p.metrics.Tasks.Set(float64(counts.ByState[s]), s.String())
	}

	for key := range counts.ByStateName {
		p.knownStateNames[key] = struct{}{}
	}
	for key := range p.knownStateNames {
		p.metrics.TasksByName.Set(float64(counts.ByStateName[key]), key.State.String(), key.Name)
	}

	p.metrics.TrackedTasks.Set(float64(p.store.Len()))
}
