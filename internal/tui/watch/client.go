package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	PluginsLoaded  int    `json:"plugins_loaded"`
	ServersRunning int    `json:"servers_running"`
	ServersError   int    `json:"servers_error"`
}

type serversMsg struct {
	Servers []supervisor.ServerInfo `json:"servers"`
}

type actionMsg struct {
	action string
	server supervisor.ServerInfo
}

type tickMsg time.Time

// errMsg reports a failed health poll.
type errMsg error

type serversErrMsg struct{ err error }

type actionErrMsg struct{ err error }

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into the provided channel. Returns sseDisconnectedMsg when the connection drops.
func subscribeToEvents(apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{}
		}

		readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses an SSE body until EOF, sending each complete event on ch.
func readSSE(body io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var current events.Event
	var data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				current.Data = []byte(data)
				current.At = time.Now()
				var meta struct {
					Plugin string `json:"plugin"`
				}
				if json.Unmarshal(current.Data, &meta) == nil {
					current.Plugin = meta.Plugin
				}
				ch <- current
			}
			current = events.Event{}
			data = ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL, apiKey string) tea.Msg {
	var h healthMsg
	if err := getJSON(apiURL+"/healthz", apiKey, &h); err != nil {
		return errMsg(err)
	}
	return h
}

// fetchServers queries GET /servers.
func fetchServers(apiURL, apiKey string) tea.Msg {
	var s serversMsg
	if err := getJSON(apiURL+"/servers", apiKey, &s); err != nil {
		return serversErrMsg{err: err}
	}
	return s
}

// serverAction posts start, stop or restart for one server.
func serverAction(apiURL, apiKey, action, name string) tea.Cmd {
	return func() tea.Msg {
		endpoint := fmt.Sprintf("%s/servers/%s/%s", apiURL, url.PathEscape(name), action)
		req, err := http.NewRequest(http.MethodPost, endpoint, nil)
		if err != nil {
			return actionErrMsg{err: err}
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return actionErrMsg{err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			if e.Error == "" {
				e.Error = resp.Status
			}
			return actionErrMsg{err: fmt.Errorf("%s %s: %s", action, name, e.Error)}
		}

		var out struct {
			Action string                `json:"action"`
			Server supervisor.ServerInfo `json:"server"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return actionErrMsg{err: err}
		}
		return actionMsg{action: out.Action, server: out.Server}
	}
}

func getJSON(endpoint, apiKey string, v any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
