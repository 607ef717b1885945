package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxTasks is the store capacity used when none is configured.
const DefaultMaxTasks = 10000

// TaskRecord is the last known state of one task.
type TaskRecord struct {
	ID          string
	Name        string
	State       State
	LastEventAt time.Time
}

// StateName keys the (state, name) distribution.
type StateName struct {
	State State
	Name  string
}

// Counts is a point-in-time distribution of tracked records.
type Counts struct {
	ByState     map[State]int
	ByStateName map[StateName]int
}

// Store is a bounded map of task id to record. Inserting or updating a record
// makes it the most recent; when a new id arrives at capacity the least recent
// record is evicted first.
type Store struct {
	mu    sync.Mutex
	tasks *simplelru.LRU[string, *TaskRecord]
}

// NewStore creates a store holding at most capacity records.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("tracker: capacity must be positive, got %d", capacity)
	}
	tasks, err := simplelru.NewLRU[string, *TaskRecord](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Store{tasks: tasks}, nil
}

// Upsert applies fn to the record for id, creating a PENDING record when none
// exists, and returns a copy of the result.
func (s *Store) Upsert(id string, fn func(*TaskRecord)) TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks.Peek(id)
	if !ok {
		rec = &TaskRecord{ID: id, State: Pending}
	}
	if fn != nil {
		fn(rec)
	}
	s.tasks.Add(id, rec)
	return *rec
}

// Remove deletes and returns the record for id.
func (s *Store) Remove(id string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks.Peek(id)
	if !ok {
		return TaskRecord{}, false
	}
	s.tasks.Remove(id)
	return *rec, true
}

// Get returns the record for id without touching its recency.
func (s *Store) Get(id string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks.Peek(id)
	if !ok {
		return TaskRecord{}, false
	}
	return *rec, true
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Len()
}

// Snapshot counts tracked records by state and, for records with a known
// name, by (state, name).
func (s *Store) Snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := Counts{
		ByState:     make(map[State]int),
		ByStateName: make(map[StateName]int),
	}
	for _, rec := range s.tasks.Values() {
		counts.ByState[rec.State]++
		if rec.Name != "" {
			counts.ByStateName[StateName{State: rec.State, Name: rec.Name}]++
		}
	}
	return counts
}
