// Package protocol defines the JSON envelope exchanged with the external
// media processor: one Request on stdin, one Response on stdout.
package protocol

import "time"

// Version is the only protocol version spoken.
const Version = 1

// Execution modes carried in Request.Mode.
const (
	ModeLoadBalanced = "load_balanced"
	ModePerformance  = "performance"
)

// Request is written to the processor's stdin.
type Request struct {
	Protocol    int               `json:"protocol"`
	JobID       string            `json:"job_id"`
	UserID      string            `json:"user_id,omitempty"`
	Mode        string            `json:"mode"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DeadlineAt  time.Time         `json:"deadline_at"`
}

// Response is read from the processor's stdout.
type Response struct {
	Status string `json:"status"` // ok | error
	Error  string `json:"error,omitempty"`
	// Code is a processor-specific error code, reported verbatim.
	Code   string     `json:"code,omitempty"`
	Retry  *bool      `json:"retry,omitempty"` // defaults to true if omitted
	Result string     `json:"result,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line forwarded by the processor.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry returns true if the response indicates the job should be retried.
// Defaults to true if retry field is omitted.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}
