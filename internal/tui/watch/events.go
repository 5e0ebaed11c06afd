package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/darkroom/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.JobCompleted:
		typeStyle = theme.StatusOK
	case events.JobFailed, events.JobError, events.JobRetrying:
		typeStyle = theme.StatusFailed
	case events.JobStarted:
		typeStyle = theme.StatusRunning
	case events.SchedulerPaused, events.SchedulerResumed, events.PolicyChanged:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	user := e.User
	if user == "" {
		user = "*"
	}
	return fmt.Sprintf("%s %-10s %s %s", ts, truncate(user, 10), typeStyle.Render(fmt.Sprintf("%-18s", e.Type)), extractEventDesc(e))
}

// extractEventDesc pulls the interesting fields out of an event payload.
func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", truncate(id, 16)))
	}
	for _, key := range []string{"class", "mode", "reason"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if n, ok := data["failures"].(float64); ok {
		parts = append(parts, fmt.Sprintf("failures=%d", int(n)))
	}
	if blockers, ok := data["blockers"].([]any); ok && len(blockers) > 0 {
		names := make([]string, 0, len(blockers))
		for _, b := range blockers {
			names = append(names, fmt.Sprint(b))
		}
		parts = append(parts, strings.Join(names, ","))
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		parts = append(parts, truncate(msg, 40))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" || raw == "null" {
			return ""
		}
		return truncate(raw, 60)
	}
	return strings.Join(parts, " ")
}
