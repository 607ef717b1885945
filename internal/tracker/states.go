// Package tracker keeps the in-memory view of in-flight Celery tasks and
// turns lifecycle events into task count, latency and runtime metrics.
package tracker

import "strings"

// State is a Celery task state as exported in the "state" label.
type State string

const (
	Pending  State = "PENDING"
	Received State = "RECEIVED"
	Started  State = "STARTED"
	Success  State = "SUCCESS"
	Failure  State = "FAILURE"
	Retry    State = "RETRY"
	Revoked  State = "REVOKED"
	Rejected State = "REJECTED"
	Ignored  State = "IGNORED"
)

// AllStates lists every state the broker can report, in the order the
// baseline writes them.
var AllStates = []State{Pending, Received, Started, Success, Failure, Retry, Revoked, Rejected, Ignored}

var readyStates = map[State]bool{
	Success: true,
	Failure: true,
	Revoked: true,
}

// kindToState maps the suffix of a "task-*" event type onto a state.
var kindToState = map[string]State{
	"sent":      Pending,
	"received":  Received,
	"started":   Started,
	"succeeded": Success,
	"failed":    Failure,
	"retried":   Retry,
	"revoked":   Revoked,
	"rejected":  Rejected,
}

// Ready reports whether s is terminal. Ready tasks are counted once and
// dropped from tracking.
func (s State) Ready() bool {
	return readyStates[s]
}

func (s State) String() string { return string(s) }

// StateForKind resolves an event kind such as "started" or "task-started".
func StateForKind(kind string) (State, bool) {
	s, ok := kindToState[NormalizeKind(kind)]
	return s, ok
}

// NormalizeKind strips the "task-" group prefix and lowercases kind.
func NormalizeKind(kind string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(kind)), "task-")
}
