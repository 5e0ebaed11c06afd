package api

import (
	"time"

	"github.com/mattjoyce/darkroom/internal/dispatch"
	"github.com/mattjoyce/darkroom/internal/history"
	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/queue"
)

// AddJobRequest is the JSON body for POST /users/{user}/jobs.
type AddJobRequest struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Discardable bool              `json:"discardable,omitempty"`
	Urgent      bool              `json:"urgent,omitempty"`
}

// PrioritizeRequest is the body for POST /users/{user}/jobs/{id}/prioritize.
// A missing body marks the job urgent.
type PrioritizeRequest struct {
	Urgent *bool `json:"urgent,omitempty"`
}

// PolicyEventRequest injects an environment signal.
type PolicyEventRequest struct {
	Event string `json:"event"`
	Value int    `json:"value"`
}

// JobResponse is the API view of a job.
type JobResponse struct {
	ID            string            `json:"id"`
	State         string            `json:"state"`
	PreviousState string            `json:"previous_state"`
	Class         string            `json:"class"`
	CreatedAt     time.Time         `json:"created_at"`
	Source        string            `json:"source"`
	Destination   string            `json:"destination"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Discardable   bool              `json:"discardable"`
	Urgent        bool              `json:"urgent"`
	Attempts      int               `json:"attempts"`
	Failures      int               `json:"failures"`
	LastError     string            `json:"last_error,omitempty"`
}

func newJobResponse(j job.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		State:         j.State.String(),
		PreviousState: j.PreviousState.String(),
		Class:         j.Class.String(),
		CreatedAt:     j.CreatedAt,
		Source:        j.Payload.Source,
		Destination:   j.Payload.Destination,
		Metadata:      j.Payload.Metadata,
		Discardable:   j.Discardable,
		Urgent:        j.Urgent,
		Attempts:      j.Attempts,
		Failures:      j.Failures,
		LastError:     j.LastError,
	}
}

// JobListResponse is returned by GET /users/{user}/jobs.
type JobListResponse struct {
	Scheduler dispatch.Status `json:"scheduler"`
	Stats     queue.Stats     `json:"stats"`
	Pending   []JobResponse   `json:"pending"`
	Running   []JobResponse   `json:"running"`
	Paused    []JobResponse   `json:"paused"`
	Failed    []JobResponse   `json:"failed"`
	Error     []JobResponse   `json:"error"`
	Deleted   []JobResponse   `json:"deleted"`
}

// UserResponse summarizes one scope for GET /users.
type UserResponse struct {
	User      string          `json:"user"`
	Scheduler dispatch.Status `json:"scheduler"`
	Stats     queue.Stats     `json:"stats"`
}

// PolicyResponse is returned by the /policy endpoints.
type PolicyResponse struct {
	Aggregate policy.Aggregate      `json:"aggregate"`
	Sources   []policy.SourceStatus `json:"sources"`
}

// HistoryResponse is returned by GET /users/{user}/history.
type HistoryResponse struct {
	User    string          `json:"user"`
	Entries []history.Entry `json:"entries"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Users         int    `json:"users"`
	Pending       int    `json:"pending"`
	Running       int    `json:"running"`
	Paused        bool   `json:"paused"`
}
