package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(s.registry.All()),
	}
	for _, info := range s.supervisor.Servers() {
		switch info.Status {
		case supervisor.StatusRunning:
			resp.ServersRunning++
		case supervisor.StatusError:
			resp.ServersError++
		}
	}
	if resp.ServersError > 0 {
		resp.Status = "degraded"
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListServers handles GET /servers.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ServerListResponse{
		Servers: s.supervisor.Servers(s.registry.Names()...),
	})
}

// handleGetServer handles GET /servers/{name}.
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	info, ok := s.supervisor.GetServerInfo(chi.URLParam(r, "name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handleServerHistory handles GET /servers/{name}/history?limit=N.
func (s *Server) handleServerHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lifecycle history is not enabled")
		return
	}
	if _, ok := s.registry.Get(name); !ok {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("failed to list lifecycle history", "plugin", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Plugin: name, Entries: entries})
}

// handleStartServer handles POST /servers/{name}/start.
func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlugin(w, r)
	if !ok {
		return
	}
	s.serverAction(w, r, "start", p.Name, func(ctx context.Context) error {
		return s.supervisor.StartServer(ctx, p)
	})
}

// handleStopServer handles POST /servers/{name}/stop.
func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlugin(w, r)
	if !ok {
		return
	}
	s.serverAction(w, r, "stop", p.Name, func(ctx context.Context) error {
		return s.supervisor.StopServer(ctx, p.Name)
	})
}

// handleRestartServer handles POST /servers/{name}/restart.
func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlugin(w, r)
	if !ok {
		return
	}
	s.serverAction(w, r, "restart", p.Name, func(ctx context.Context) error {
		return s.supervisor.RestartServer(ctx, p.Name)
	})
}

func (s *Server) serverAction(w http.ResponseWriter, r *http.Request, action, name string, fn func(ctx context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.logger.Warn("server action failed", "action", action, "plugin", name, "error", err)
		s.writeSupervisorError(w, err)
		return
	}
	info, _ := s.supervisor.GetServerInfo(name)
	s.logger.Info("server action completed via API", "action", action, "plugin", name, "status", info.Status)
	respondJSON(w, http.StatusOK, ActionResponse{Action: action, Server: info})
}

// handleListTools handles GET /servers/{name}/tools.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlugin(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.MaxCallTimeout)
	defer cancel()
	tools, err := s.supervisor.ListTools(ctx, p.Name)
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ToolListResponse{Plugin: p.Name, Tools: tools})
}

// handleCallTool handles POST /servers/{name}/tools/{tool}.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlugin(w, r)
	if !ok {
		return
	}
	tool := chi.URLParam(r, "tool")
	if !p.SupportsTool(tool) {
		s.writeError(w, http.StatusNotFound, "tool not declared by plugin")
		return
	}

	var req CallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.MaxCallTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.supervisor.CallTool(ctx, p.Name, tool, req.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "plugin", p.Name, "tool", tool, "kind", supervisor.ErrorKind(err), "error", err)
		s.writeSupervisorError(w, err)
		return
	}

	s.logger.Debug("tool call completed via API", "plugin", p.Name, "tool", tool, "duration_ms", time.Since(started).Milliseconds())
	respondJSON(w, http.StatusOK, CallResponse{Plugin: p.Name, Tool: tool, Result: result})
}

func (s *Server) lookupPlugin(w http.ResponseWriter, r *http.Request) (*plugin.Plugin, bool) {
	p, ok := s.registry.Get(chi.URLParam(r, "name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return nil, false
	}
	return p, true
}

// statusForError maps supervisor failures onto HTTP status codes.
func statusForError(err error) int {
	switch supervisor.ErrorKind(err) {
	case "timeout":
		return http.StatusGatewayTimeout
	case "server_error", "crash", "startup", "spawn", "delivery":
		return http.StatusBadGateway
	case "remote":
		return http.StatusUnprocessableEntity
	case "configuration":
		return http.StatusConflict
	case "unknown_plugin":
		return http.StatusNotFound
	case "stopped":
		return http.StatusServiceUnavailable
	case "cancelled":
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeSupervisorError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error(), Kind: supervisor.ErrorKind(err)}
	var remote *supervisor.RemoteToolError
	if errors.As(err, &remote) {
		resp.Code = remote.Code
	}
	respondJSON(w, statusForError(err), resp)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
