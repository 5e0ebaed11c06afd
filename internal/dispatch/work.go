package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/darkroom/internal/processor"
)

// Work is a job the controller has handed to the session.
type Work struct {
	JobID     string
	Mode      processor.Mode
	StartedAt time.Time
	// Token identifies this admission. Callbacks carrying another token
	// belong to an earlier admission of the same job.
	Token uuid.UUID

	timer *time.Timer
}

func newWork(jobID string, mode processor.Mode) *Work {
	return &Work{
		JobID:     jobID,
		Mode:      mode,
		StartedAt: time.Now(),
		Token:     uuid.New(),
	}
}

func (w *Work) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reporter receives terminal outcomes.
type Reporter interface {
	OnJobCompleted(userID, jobID, result string)
	// OnJobFailed is called when a job ends in ERROR.
	OnJobFailed(userID, jobID string, err error)
	OnJobDeleted(userID, jobID string)
}

// WorkInfo is a read-only view of a Work.
type WorkInfo struct {
	JobID     string    `json:"job_id"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	Token     string    `json:"token"`
}

// Status describes a controller for the API and monitor.
type Status struct {
	User        string     `json:"user"`
	Paused      bool       `json:"paused"`
	Charging    bool       `json:"charging"`
	SessionOpen bool       `json:"session_open"`
	Limit       int        `json:"limit"`
	Running     []WorkInfo `json:"running"`
}

type outcomeMsg struct {
	token   uuid.UUID
	outcome processor.Outcome
}

type timeoutMsg struct {
	jobID string
	token uuid.UUID
}

// send delivers v unless the controller has stopped.
func send[T any](stop <-chan struct{}, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-stop:
	}
}
