package tracker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissingTaskID marks an event that does not identify a task.
	ErrMissingTaskID = errors.New("tracker: event has no task id")
	// ErrUnknownKind marks an event whose kind has no task state.
	ErrUnknownKind = errors.New("tracker: unknown event kind")
)

// Event is one task lifecycle fact as reported by a worker.
type Event struct {
	TaskID    string
	Kind      string
	Timestamp time.Time
	// Runtime is the execution time in seconds reported with succeeded events.
	Runtime *float64
	// Name is only carried by some kinds, usually "received".
	Name     string
	Hostname string
}

// EventStream yields batches of events from one broker session. Next blocks
// until a batch arrives, ctx is done or the session fails; after an error the
// stream is unusable and must be closed.
type EventStream interface {
	Next(ctx context.Context) ([]Event, error)
	Close() error
}
