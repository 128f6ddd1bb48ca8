package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/plughost/internal/events"
)

const (
	maxEventLog  = 50
	pollInterval = 5 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health   HealthState
	servers  map[string]*ServerState
	eventLog []events.Event

	// Live indicators
	heartbeat Heartbeat
	activity  Activity

	// UI state
	theme Theme
	table table.Model

	// Communication
	hubEvents chan events.Event

	lastError  string
	lastAction string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(serverColumns()),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	t.SetStyles(theme.Table)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		servers:   make(map[string]*ServerState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		heartbeat: NewHeartbeat(),
		theme:     theme,
		table:     t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchServers(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

// selectedServer returns the name under the table cursor.
func (m Model) selectedServer() (string, bool) {
	row := m.table.SelectedRow()
	if len(row) < 2 {
		return "", false
	}
	return row[1], true
}

func (m *Model) refreshTable() {
	m.table.SetRows(serverRows(m.servers, m.theme))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s", "x", "r":
			name, ok := m.selectedServer()
			if !ok {
				return m, nil
			}
			action := map[string]string{"s": "start", "x": "stop", "r": "restart"}[msg.String()]
			m.lastAction = fmt.Sprintf("%s %s...", action, name)
			return m, serverAction(m.apiURL, m.apiKey, action, name)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.heartbeat.Beat()
		m.activity.Fade(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

		m.activity.Record(e, time.Now())
		updateServerState(m.servers, e)
		m.refreshTable()

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.PluginsLoaded = msg.PluginsLoaded
		m.health.ServersRunning = msg.ServersRunning
		m.health.ServersError = msg.ServersError
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case serversMsg:
		applyServerList(m.servers, msg.Servers)
		m.refreshTable()
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
			return fetchServers(m.apiURL, m.apiKey)
		})

	case actionMsg:
		m.lastAction = fmt.Sprintf("%s %s: %s", msg.action, msg.server.Name, msg.server.Status)
		s := getOrCreateServer(m.servers, msg.server.Name)
		s.Status = msg.server.Status
		s.PID = msg.server.PID
		s.LastError = msg.server.ErrorMessage
		m.refreshTable()

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so a
		// fresh subscription is all that is needed.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case serversErrMsg:
		m.lastError = msg.err.Error()
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
			return fetchServers(m.apiURL, m.apiKey)
		})

	case actionErrMsg:
		m.lastError = msg.err.Error()
		m.lastAction = ""
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.heartbeat, m.activity, m.theme, m.width)
	servers := renderServers(m.table, len(m.servers), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, servers, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.lastAction != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.lastAction))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [s] Start • [x] Stop • [r] Restart")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
