package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/plughost/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
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
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch strings.TrimPrefix(e.Type, events.LifecyclePrefix) {
	case "started":
		typeStyle = theme.StatusOK
	case "crashed", "start_failed", "restart_exhausted":
		typeStyle = theme.StatusFailed
	case "starting", "restart_scheduled":
		typeStyle = theme.StatusRunning
	case "stopped", "exited":
		typeStyle = theme.StatusStopped
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-28s", e.Type))

	// Extract brief description from data
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if plugin, ok := data["plugin"].(string); ok {
		parts = append(parts, plugin)
	}
	if pid, ok := data["pid"].(float64); ok && pid > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", int(pid)))
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if detail, ok := data["detail"].(string); ok && detail != "" {
		parts = append(parts, truncate(detail, 60))
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 63)
	}

	return strings.Join(parts, " ")
}
