package queue

import "github.com/mattjoyce/darkroom/internal/job"

// Listener is notified after the repository lock is released. Callbacks may
// run on any goroutine and must not block.
type Listener interface {
	OnJobAdded(id string)
	OnRunningCountChanged(count int)
}

// AddOption adjusts a job before it is enqueued.
type AddOption func(*job.Job)

// Discardable allows the job to be removed while it is running.
func Discardable() AddOption {
	return func(j *job.Job) { j.Discardable = true }
}

// Urgent marks the job as user-facing so it outranks background work.
func Urgent() AddOption {
	return func(j *job.Job) { j.Urgent = true }
}

// Stats is a point-in-time view of the repository.
type Stats struct {
	Pending int            `json:"pending"`
	Running int            `json:"running"`
	Known   int            `json:"known"`
	ByState map[string]int `json:"by_state"`
}
