// Package peer is the plugin side of the stdio protocol: it reads JSON-RPC
// requests from stdin one line at a time and writes exactly one response line
// per request to stdout. Diagnostics go to stderr only.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/protocol"
)

// ToolFunc executes one tool. The returned value is marshalled as the result.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ErrNoResponse makes the server skip the response for this request.
var ErrNoResponse = errors.New("no response")

// ToolError is a tool failure with an explicit JSON-RPC error code.
type ToolError struct {
	Code    int
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// Errorf builds a ToolError.
func Errorf(code int, format string, args ...any) error {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type tool struct {
	meta protocol.Tool
	fn   ToolFunc
}

// Server dispatches tools/call and tools/list requests. Requests are handled
// sequentially in arrival order.
type Server struct {
	name    string
	tools   map[string]tool
	logger  *slog.Logger
	maxLine int
}

// NewServer creates an empty server for the named plugin.
func NewServer(name string) *Server {
	return &Server{
		name:    name,
		tools:   make(map[string]tool),
		logger:  log.WithComponent("peer").With("plugin", name),
		maxLine: protocol.DefaultMaxLineBytes,
	}
}

// Register adds a tool. A later registration with the same name replaces the earlier one.
func (s *Server) Register(meta protocol.Tool, fn ToolFunc) {
	s.tools[meta.Name] = tool{meta: meta, fn: fn}
}

// Tools returns the registered catalogue sorted by name.
func (s *Server) Tools() []protocol.Tool {
	out := make([]protocol.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServeStdio serves os.Stdin/os.Stdout until EOF.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads requests from r and writes responses to w until EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeErr error
	err := protocol.ReadLines(r, s.maxLine, func(line []byte) {
		if writeErr != nil || ctx.Err() != nil || len(line) == 0 {
			return
		}
		resp := s.handle(ctx, line)
		if resp == nil {
			return
		}
		if err := protocol.EncodeResponse(w, resp); err != nil {
			writeErr = fmt.Errorf("write response: %w", err)
		}
	}, func(size int) {
		s.logger.Warn("skipping oversized request line", "bytes", size)
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// handle returns the response for one line, or nil when nothing should be written.
func (s *Server) handle(ctx context.Context, line []byte) *protocol.Response {
	req, err := protocol.DecodeInboundRequest(line)
	if err != nil {
		// Without an id there is nobody to answer.
		s.logger.Warn("dropping unparseable request", "error", err)
		return nil
	}
	if req.IsNotification() {
		s.logger.Debug("ignoring notification", "method", req.Method)
		return nil
	}

	switch req.Method {
	case protocol.MethodToolsList:
		resp, err := req.Reply(protocol.ToolList{Tools: s.Tools()})
		if err != nil {
			return req.Fail(protocol.IntPtr(protocol.CodeInternalError), err.Error())
		}
		return resp
	case protocol.MethodToolsCall:
		return s.call(ctx, req)
	default:
		return req.Fail(protocol.IntPtr(protocol.CodeMethodNotFound), fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) call(ctx context.Context, req *protocol.InboundRequest) *protocol.Response {
	var params protocol.ToolCallParams
	if len(req.Params) == 0 {
		return req.Fail(protocol.IntPtr(protocol.CodeInvalidParams), "missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return req.Fail(protocol.IntPtr(protocol.CodeInvalidParams), fmt.Sprintf("invalid params: %v", err))
	}

	t, ok := s.tools[params.Name]
	if !ok {
		return req.Fail(protocol.IntPtr(protocol.CodeMethodNotFound), fmt.Sprintf("unknown tool: %s", params.Name))
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := t.fn(ctx, args)
	if errors.Is(err, ErrNoResponse) {
		s.logger.Debug("tool produced no response", "tool", params.Name, "id", string(req.ID))
		return nil
	}
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return req.Fail(protocol.IntPtr(toolErr.Code), toolErr.Message)
		}
		return req.Fail(nil, err.Error())
	}

	resp, err := req.Reply(result)
	if err != nil {
		s.logger.Error("failed to encode result", "tool", params.Name, "error", err)
		return req.Fail(protocol.IntPtr(protocol.CodeInternalError), err.Error())
	}
	return resp
}

// DecodeArgs unmarshals tool arguments into v, mapping failures to an invalid-params error.
func DecodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return Errorf(protocol.CodeInvalidParams, "invalid arguments: %v", err)
	}
	return nil
}
