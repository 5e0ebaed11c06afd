package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/darkroom/internal/events"
)

// JobState tracks a job as seen through the event stream.
type JobState struct {
	User      string
	ID        string
	Class     string
	Mode      string
	Status    string
	Failures  int
	LastError string
	StartTime time.Time
	EndTime   time.Time
	Updated   time.Time
}

func jobKey(user, id string) string { return user + "/" + id }

// updateJobState folds e into jobs. Events without a job_id are ignored.
func updateJobState(jobs map[string]*JobState, e events.Event) {
	var data struct {
		JobID    string `json:"job_id"`
		Class    string `json:"class"`
		Mode     string `json:"mode"`
		Failures int    `json:"failures"`
		Error    string `json:"error"`
		Soft     bool   `json:"soft"`
	}
	_ = json.Unmarshal(e.Data, &data)
	if data.JobID == "" {
		return
	}

	key := jobKey(e.User, data.JobID)
	j, ok := jobs[key]
	if !ok {
		j = &JobState{User: e.User, ID: data.JobID}
		jobs[key] = j
	}
	j.Updated = e.At

	switch e.Type {
	case events.JobAdded, events.JobRestored:
		j.Status = "pending"
		j.EndTime = time.Time{}
		if data.Class != "" {
			j.Class = data.Class
		}
	case events.JobStarted:
		j.Status = "running"
		j.Mode = data.Mode
		j.StartTime = e.At
		j.EndTime = time.Time{}
	case events.JobPaused:
		j.Status = "paused"
	case events.JobResumed:
		j.Status = "pending"
	case events.JobFailed, events.JobRetrying:
		j.Status = "retrying"
		j.Failures = data.Failures
		j.LastError = data.Error
	case events.JobCompleted:
		j.Status = "completed"
		j.EndTime = e.At
	case events.JobError:
		j.Status = "error"
		j.LastError = data.Error
		j.EndTime = e.At
	case events.JobDeleted:
		if !data.Soft {
			delete(jobs, key)
			return
		}
		j.Status = "deleted"
		j.EndTime = e.At
	}
}

// pruneFinished drops finished jobs older than keep so the table stays
// focused on live work.
func pruneFinished(jobs map[string]*JobState, now time.Time, keep time.Duration) {
	for key, j := range jobs {
		if !j.EndTime.IsZero() && now.Sub(j.EndTime) > keep {
			delete(jobs, key)
		}
	}
}

var statusOrder = map[string]int{
	"running":   0,
	"retrying":  1,
	"paused":    2,
	"pending":   3,
	"error":     4,
	"completed": 5,
	"deleted":   6,
}

// sortedJobs orders live work first, then most recently updated.
func sortedJobs(jobs map[string]*JobState) []*JobState {
	out := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		ra, rb := statusOrder[out[a].Status], statusOrder[out[b].Status]
		if ra != rb {
			return ra < rb
		}
		if !out[a].Updated.Equal(out[b].Updated) {
			return out[a].Updated.After(out[b].Updated)
		}
		return jobKey(out[a].User, out[a].ID) < jobKey(out[b].User, out[b].ID)
	})
	return out
}

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "User", Width: 10},
			{Title: "Job", Width: 24},
			{Title: "Class", Width: 8},
			{Title: "Mode", Width: 14},
			{Title: "Tries", Width: 5},
			{Title: "Time", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	return t
}

func jobRows(jobs []*JobState, theme Theme, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, table.Row{
			statusSymbol(j.Status, theme),
			j.User,
			truncate(j.ID, 24),
			j.Class,
			j.Mode,
			fmt.Sprintf("%d", j.Failures),
			jobDuration(j, now),
		})
	}
	return rows
}

func jobDuration(j *JobState, now time.Time) string {
	if j.StartTime.IsZero() {
		return "-"
	}
	end := j.EndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(j.StartTime).Round(100 * time.Millisecond).String()
}

func statusSymbol(status string, theme Theme) string {
	switch status {
	case "running":
		return theme.StatusRunning.Render("◉")
	case "retrying":
		return theme.StatusFailed.Render("◑")
	case "paused":
		return theme.StatusQueued.Render("◌")
	case "completed":
		return theme.StatusOK.Render("●")
	case "error":
		return theme.StatusFailed.Render("∅")
	case "deleted":
		return theme.StatusDead.Render("×")
	default:
		return theme.StatusQueued.Render("○")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
