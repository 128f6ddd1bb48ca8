package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

// ServerState is the dashboard's view of one plugin server.
type ServerState struct {
	Name         string
	Status       supervisor.Status
	PID          int
	RestartCount int
	PendingCalls int
	LastError    string
	LastEvent    supervisor.EventKind
	Updated      time.Time
}

func serverColumns() []table.Column {
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Server", Width: 20},
		{Title: "Status", Width: 9},
		{Title: "PID", Width: 7},
		{Title: "Restarts", Width: 8},
		{Title: "Pending", Width: 7},
		{Title: "Last event", Width: 18},
		{Title: "Error", Width: 40},
	}
}

// applyServerList replaces polled fields with a fresh /servers snapshot.
func applyServerList(servers map[string]*ServerState, list []supervisor.ServerInfo) {
	seen := make(map[string]struct{}, len(list))
	for _, info := range list {
		seen[info.Name] = struct{}{}
		s := getOrCreateServer(servers, info.Name)
		s.Status = info.Status
		s.PID = info.PID
		s.RestartCount = info.RestartCount
		s.PendingCalls = info.PendingCalls
		s.LastError = info.ErrorMessage
		s.Updated = time.Now()
	}
	for name := range servers {
		if _, ok := seen[name]; !ok {
			delete(servers, name)
		}
	}
}

// updateServerState applies one lifecycle event. Other event types are ignored.
func updateServerState(servers map[string]*ServerState, e events.Event) {
	if !strings.HasPrefix(e.Type, events.LifecyclePrefix) {
		return
	}
	var ev supervisor.LifecycleEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil || ev.Plugin == "" {
		return
	}

	s := getOrCreateServer(servers, ev.Plugin)
	s.LastEvent = ev.Kind
	s.Updated = time.Now()
	if ev.Status != "" {
		s.Status = ev.Status
	}

	switch ev.Kind {
	case supervisor.EventStarted:
		s.PID = ev.PID
		s.LastError = ""
	case supervisor.EventStopped, supervisor.EventExited:
		s.PID = 0
		s.PendingCalls = 0
	case supervisor.EventCrashed, supervisor.EventStartFailed, supervisor.EventRestartExhausted:
		s.PID = 0
		s.PendingCalls = 0
		if ev.Detail != "" {
			s.LastError = ev.Detail
		}
	case supervisor.EventRestartScheduled:
		s.RestartCount++
	}
}

func getOrCreateServer(servers map[string]*ServerState, name string) *ServerState {
	s, ok := servers[name]
	if !ok {
		s = &ServerState{Name: name, Status: supervisor.StatusStopped}
		servers[name] = s
	}
	return s
}

func sortedServerNames(servers map[string]*ServerState) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func serverRows(servers map[string]*ServerState, theme Theme) []table.Row {
	names := sortedServerNames(servers)
	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		s := servers[name]
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		lastEvent := "-"
		if s.LastEvent != "" {
			lastEvent = string(s.LastEvent)
		}
		rows = append(rows, table.Row{
			statusSymbol(s.Status, theme),
			s.Name,
			string(s.Status),
			pid,
			fmt.Sprintf("%d", s.RestartCount),
			fmt.Sprintf("%d", s.PendingCalls),
			lastEvent,
			truncate(s.LastError, 40),
		})
	}
	return rows
}

func statusSymbol(status supervisor.Status, theme Theme) string {
	switch status {
	case supervisor.StatusRunning:
		return theme.StatusOK.Render("●")
	case supervisor.StatusStarting:
		return theme.StatusRunning.Render("◉")
	case supervisor.StatusError:
		return theme.StatusFailed.Render("∅")
	default:
		return theme.StatusStopped.Render("○")
	}
}

func renderServers(tbl table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4

	if count == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SERVERS"),
			theme.Dim.Render("  No plugins discovered..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SERVERS"),
		tbl.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
