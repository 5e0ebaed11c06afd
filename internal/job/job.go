// Package job defines the deferred job entity, its lifecycle states, the
// priority table used to order pending jobs, and the scheduler's error
// taxonomy.
package job

import (
	"sync/atomic"
	"time"
)

type State int

const (
	StateNone State = iota
	StatePending
	StateRunning
	StatePause
	StateFailed
	StateError
	StateCompleted
	StateDeleted
)

var stateNames = [...]string{
	StateNone:      "none",
	StatePending:   "pending",
	StateRunning:   "running",
	StatePause:     "pause",
	StateFailed:    "failed",
	StateError:     "error",
	StateCompleted: "completed",
	StateDeleted:   "deleted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for i, name := range stateNames {
		if name == s {
			return State(i), true
		}
	}
	return StateNone, false
}

// Payload carries the caller-owned media handles. The scheduler only borrows
// them while a job is being processed.
type Payload struct {
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

var nextSeq atomic.Uint64

// Job is one unit of deferred work. Its state is mutated only by the
// repository that owns it; callers receive copies.
type Job struct {
	ID        string
	CreatedAt time.Time
	Payload   Payload

	Discardable bool
	Urgent      bool

	State         State
	PreviousState State
	Class         PriorityClass

	Attempts  int
	Failures  int
	LastError string

	seq uint64
}

// New constructs a job in StateNone.
func New(id string, payload Payload) *Job {
	return &Job{
		ID:        id,
		CreatedAt: time.Now(),
		Payload:   payload,
		State:     StateNone,
		Class:     ClassNone,
		seq:       nextSeq.Add(1),
	}
}

// SetState moves the job to s, recording the old state in PreviousState.
// Setting the current state is rejected: it returns false and changes
// nothing.
func (j *Job) SetState(s State) bool {
	if s == j.State {
		return false
	}
	j.PreviousState = j.State
	j.State = s
	return true
}

// Seq is the construction order of the job within the process.
func (j *Job) Seq() uint64 { return j.seq }

// Terminal reports whether the job has reached an end state.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateError || j.State == StateDeleted
}
