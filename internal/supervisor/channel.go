package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/plughost/internal/protocol"
)

const lineExcerptBytes = 200

// send writes one request to proc and waits for its response, timeout,
// process exit, stop, or ctx cancellation, whichever settles first.
func (m *Manager) send(ctx context.Context, rec *serverRecord, proc *process, method, tool string, params any) (result json.RawMessage, err error) {
	started := time.Now()
	defer func() {
		m.metrics.callFinished(rec.name, method, started, err)
	}()

	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	timeout := m.callTimeoutFor(rec.name)
	pc := rec.calls.register(method, tool, timeout)
	req := &protocol.Request{
		JSONRPC: protocol.Version,
		ID:      pc.id,
		Method:  method,
		Params:  rawParams,
	}

	// Exit handling swaps rec.proc and rejects pending calls under rec.mu, so
	// once registered we either see the swap here or get rejected by it.
	rec.mu.Lock()
	current := rec.proc == proc
	rec.mu.Unlock()
	if !current {
		if rec.calls.take(pc.id) != nil {
			return nil, fmt.Errorf("plugin %q: %w", rec.name, ErrServerStopped)
		}
		out := <-pc.done
		return out.result, out.err
	}

	if werr := proc.write(req); werr != nil {
		if rec.calls.take(pc.id) == nil {
			// Already settled by exit or stop; report that instead.
			out := <-pc.done
			return out.result, out.err
		}
		rec.logger.Warn("failed to deliver request", "id", pc.id, "method", method, "tool", tool, "error", werr)
		return nil, &DeliveryError{Plugin: rec.name, Err: werr}
	}
	rec.logger.Debug("sent request", "id", pc.id, "method", method, "tool", tool, "timeout", timeout)

	select {
	case out := <-pc.done:
		var timeoutErr *CallTimeoutError
		if errors.As(out.err, &timeoutErr) {
			rec.logger.Warn("call timed out", "id", pc.id, "method", method, "tool", tool, "timeout", timeout)
		}
		return out.result, out.err
	case <-ctx.Done():
		if rec.calls.take(pc.id) != nil {
			rec.logger.Debug("caller gave up on call", "id", pc.id, "error", ctx.Err())
			return nil, ctx.Err()
		}
		out := <-pc.done
		return out.result, out.err
	}
}

// handleLine parses one stdout line and settles the matching call.
// Nothing a plugin writes can break the channel: bad lines are logged and dropped.
func (m *Manager) handleLine(rec *serverRecord, proc *process, line []byte) {
	if len(line) == 0 {
		return
	}
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		m.metrics.protocolError(rec.name)
		rec.logger.Warn("dropping malformed line from plugin", "pid", proc.pid, "error", err, "line", excerpt(string(line), lineExcerptBytes))
		return
	}

	id, ok := resp.IDString()
	if !ok {
		rec.logger.Debug("ignoring message without id", "pid", proc.pid)
		return
	}
	pc := rec.calls.take(id)
	if pc == nil {
		rec.logger.Debug("discarding response for unknown call", "id", id, "pid", proc.pid)
		return
	}

	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		pc.settle(outcome{err: &RemoteToolError{
			Plugin:  rec.name,
			Tool:    callTarget(pc),
			Code:    resp.Error.Code,
			Message: msg,
		}})
		return
	}

	result := resp.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	pc.settle(outcome{result: result})
}

func callTarget(pc *pendingCall) string {
	if pc.tool != "" {
		return pc.tool
	}
	return pc.method
}
