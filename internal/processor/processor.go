// Package processor defines the narrow boundary between the dispatcher and
// the engine that actually transcodes media. The dispatcher only ever sees a
// Backend and the Sessions it hands out.
package processor

import (
	"context"
	"time"

	"github.com/mattjoyce/darkroom/internal/job"
)

//go:generate mockgen -destination=mocks/mock_processor.go -package=mocks github.com/mattjoyce/darkroom/internal/processor Backend,Session

// Mode selects how aggressively the processor may use the device.
type Mode int

const (
	ModeLoadBalanced Mode = iota
	ModePerformance
)

func (m Mode) String() string {
	if m == ModePerformance {
		return "performance"
	}
	return "load_balanced"
}

// Request is one job handed to a session.
type Request struct {
	UserID   string
	JobID    string
	Payload  job.Payload
	Mode     Mode
	Deadline time.Time
}

// Outcome reports the end of a submitted job. Err is nil on success and
// classified with job.IsTransient otherwise.
type Outcome struct {
	JobID  string
	Result string
	Err    error
}

// Callback receives the Outcome of a submission. It may run on any
// goroutine and must not block.
type Callback func(Outcome)

// Backend opens processing sessions.
type Backend interface {
	// Connect opens a session for one user. Errors wrapping
	// job.ErrResourceUnavailable mean the device is busy and the caller
	// should retry later.
	Connect(ctx context.Context, userID string) (Session, error)
}

// Session runs jobs until it is closed or dies.
type Session interface {
	// Submit starts req and arranges for cb to be called exactly once,
	// unless the job is interrupted first. A session accepts new
	// submissions after a failed one.
	Submit(ctx context.Context, req Request, cb Callback) error
	// Interrupt soft-cancels a running job. No callback follows.
	Interrupt(jobID string)
	// Done is closed when the session dies.
	Done() <-chan struct{}
	Close() error
}
