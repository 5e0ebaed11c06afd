package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/darkroom/internal/events"
)

// finishedKeep is how long completed, failed and deleted jobs stay listed.
const finishedKeep = 2 * time.Minute

// Model is the BubbleTea model for the monitor.
type Model struct {
	apiURL string
	apiKey string
	user   string

	width  int
	height int

	health   HealthState
	jobs     map[string]*JobState
	eventLog []events.Event
	jobTable table.Model

	ticker  Ticker
	spinner Spinner
	theme   Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a monitor for the daemon at apiURL. A non-empty user narrows
// the view to that scope.
func New(apiURL, apiKey, user string) *Model {
	theme := NewDefaultTheme()
	t := newJobTable()
	t.SetStyles(theme.Table)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		user:      user,
		jobs:      make(map[string]*JobState),
		eventLog:  make([]events.Event, 0, eventLogSize),
		jobTable:  t,
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.user, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(max(m.width-6, 20))
		m.jobTable.SetHeight(max(m.height/3, 5))

	case tickMsg:
		now := time.Time(msg)
		m.ticker.Tick()
		m.spinner.Decay(now)
		pruneFinished(m.jobs, now, finishedKeep)
		m.refreshTable(now)
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Users = msg.Users
		m.health.Pending = msg.Pending
		m.health.Running = msg.Running
		m.health.Paused = msg.Paused
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.user, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	var cmd tea.Cmd
	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

// applyEvent records e in the log (newest first) and the job table.
func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.spinner.OnEvent(time.Now())

	switch e.Type {
	case events.SchedulerPaused:
		m.health.Paused = true
	case events.SchedulerResumed:
		m.health.Paused = false
	}
	updateJobState(m.jobs, e)
	m.health.Connected = true
	m.lastError = ""
	m.refreshTable(time.Now())
}

func (m *Model) refreshTable(now time.Time) {
	m.jobTable.SetRows(jobRows(sortedJobs(m.jobs), m.theme, now))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to darkroom..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	jobs := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render(fmt.Sprintf("JOBS (%d)", len(m.jobs))),
			m.jobTable.View(),
		),
	)
	stream := renderEventStream(m.eventLog, m.theme, m.width, 10)

	parts := []string{header, jobs, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
