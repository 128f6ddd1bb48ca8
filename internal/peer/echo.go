package peer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/plughost/internal/protocol"
)

// FailCode is the error code returned by the echo server's fail tool.
const FailCode = 1001

// NewEchoServer builds the reference tool set used by plugins/echo and by
// supervisor tests: echo, sleep, fail, crash and hang. exit is called by crash.
func NewEchoServer(name string, exit func(code int)) *Server {
	s := NewServer(name)

	s.Register(protocol.Tool{
		Name:        "echo",
		Description: "Returns its arguments unchanged",
	}, func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	})

	s.Register(protocol.Tool{
		Name:        "sleep",
		Description: "Waits ms milliseconds, then echoes its arguments",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ms": map[string]string{"type": "integer"}},
		},
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			MS int `json:"ms"`
		}
		if err := DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(in.MS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return args, nil
	})

	s.Register(protocol.Tool{
		Name:        "fail",
		Description: "Always returns a tool error",
	}, func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(args, &in)
		if in.Message == "" {
			in.Message = "requested failure"
		}
		return nil, Errorf(FailCode, "%s", in.Message)
	})

	s.Register(protocol.Tool{
		Name:        "crash",
		Description: "Exits the plugin process with code 3",
	}, func(context.Context, json.RawMessage) (any, error) {
		s.logger.Error("crash requested, exiting")
		exit(3)
		return nil, ErrNoResponse
	})

	s.Register(protocol.Tool{
		Name:        "hang",
		Description: "Never responds",
	}, func(context.Context, json.RawMessage) (any, error) {
		return nil, ErrNoResponse
	})

	return s
}
