package api

import (
	"encoding/json"

	"github.com/mattjoyce/plughost/internal/history"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

// CallRequest is the JSON body for POST /servers/{name}/tools/{tool}.
type CallRequest struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResponse wraps a successful tool result.
type CallResponse struct {
	Plugin string          `json:"plugin"`
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}

// ErrorResponse is returned on errors. Kind classifies supervisor failures.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  *int   `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	PluginsLoaded  int    `json:"plugins_loaded"`
	ServersRunning int    `json:"servers_running"`
	ServersError   int    `json:"servers_error"`
}

// ServerListResponse is returned by GET /servers.
type ServerListResponse struct {
	Servers []supervisor.ServerInfo `json:"servers"`
}

// ActionResponse is returned by start/stop/restart.
type ActionResponse struct {
	Action string                `json:"action"`
	Server supervisor.ServerInfo `json:"server"`
}

// ToolListResponse is returned by GET /servers/{name}/tools.
type ToolListResponse struct {
	Plugin string          `json:"plugin"`
	Tools  []protocol.Tool `json:"tools"`
}

// HistoryResponse is returned by GET /servers/{name}/history.
type HistoryResponse struct {
	Plugin  string          `json:"plugin"`
	Entries []history.Entry `json:"entries"`
}
