package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/protocol"
)

func newTestRecord(name string) *serverRecord {
	return &serverRecord{
		name:   name,
		logger: log.WithPlugin(name),
		status: StatusRunning,
		calls:  newCallRegistry(name, nil),
	}
}

func TestHandleLine(t *testing.T) {
	tests := []struct {
		name    string
		line    func(id string) string
		checkFn func(t *testing.T, m *Metrics, out *outcome)
	}{
		{
			name: "result",
			line: func(id string) string {
				return `{"jsonrpc":"2.0","id":"` + id + `","result":{"ok":true}}`
			},
			checkFn: func(t *testing.T, _ *Metrics, out *outcome) {
				require.NotNil(t, out)
				require.NoError(t, out.err)
				assert.JSONEq(t, `{"ok":true}`, string(out.result))
			},
		},
		{
			name: "numeric id is accepted",
			line: func(id string) string {
				return `{"jsonrpc":"2.0","id":` + id + `,"result":1}`
			},
			checkFn: func(t *testing.T, _ *Metrics, out *outcome) {
				require.NotNil(t, out)
				assert.Equal(t, "1", string(out.result))
			},
		},
		{
			name: "missing result resolves to null",
			line: func(id string) string {
				return `{"jsonrpc":"2.0","id":"` + id + `"}`
			},
			checkFn: func(t *testing.T, _ *Metrics, out *outcome) {
				require.NotNil(t, out)
				require.NoError(t, out.err)
				assert.Equal(t, "null", string(out.result))
			},
		},
		{
			name: "error member",
			line: func(id string) string {
				return `{"jsonrpc":"2.0","id":"` + id + `","error":{"code":-32601,"message":"unknown tool"}}`
			},
			checkFn: func(t *testing.T, _ *Metrics, out *outcome) {
				require.NotNil(t, out)
				var remote *RemoteToolError
				require.ErrorAs(t, out.err, &remote)
				assert.Equal(t, "echo", remote.Tool)
				assert.Equal(t, -32601, *remote.Code)
				assert.Equal(t, "unknown tool", remote.Message)
			},
		},
		{
			name: "error without code or message",
			line: func(id string) string {
				return `{"jsonrpc":"2.0","id":"` + id + `","error":{}}`
			},
			checkFn: func(t *testing.T, _ *Metrics, out *outcome) {
				require.NotNil(t, out)
				var remote *RemoteToolError
				require.ErrorAs(t, out.err, &remote)
				assert.Nil(t, remote.Code)
				assert.Equal(t, "unknown error", remote.Message)
			},
		},
		{
			name: "malformed json is dropped",
			line: func(string) string { return `{"jsonrpc":` },
			checkFn: func(t *testing.T, m *Metrics, out *outcome) {
				assert.Nil(t, out)
				assert.Equal(t, 1.0, testutil.ToFloat64(m.protocolErrs.WithLabelValues("echo")))
			},
		},
		{
			name: "plain log output is dropped",
			line: func(string) string { return `starting up...` },
			checkFn: func(t *testing.T, m *Metrics, out *outcome) {
				assert.Nil(t, out)
				assert.Equal(t, 1.0, testutil.ToFloat64(m.protocolErrs.WithLabelValues("echo")))
			},
		},
		{
			name: "unknown id is dropped",
			line: func(string) string { return `{"jsonrpc":"2.0","id":"999","result":1}` },
			checkFn: func(t *testing.T, m *Metrics, out *outcome) {
				assert.Nil(t, out)
				assert.Equal(t, 0.0, testutil.ToFloat64(m.protocolErrs.WithLabelValues("echo")))
			},
		},
		{
			name: "notification without id is dropped",
			line: func(string) string { return `{"jsonrpc":"2.0","method":"log","params":{}}` },
			checkFn: func(t *testing.T, _ *Metrics, out *outcome) {
				assert.Nil(t, out)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics("test")
			mgr := &Manager{metrics: metrics, logger: log.WithComponent("supervisor")}
			rec := newTestRecord("echo")
			pc := rec.calls.register(protocol.MethodToolsCall, "echo", time.Minute)
			defer rec.calls.take(pc.id)

			mgr.handleLine(rec, &process{pid: 42}, []byte(tt.line(pc.id)))

			var out *outcome
			select {
			case o := <-pc.done:
				out = &o
			default:
			}
			tt.checkFn(t, metrics, out)
		})
	}
}

func TestCallTarget(t *testing.T) {
	assert.Equal(t, "echo", callTarget(&pendingCall{method: protocol.MethodToolsCall, tool: "echo"}))
	assert.Equal(t, protocol.MethodToolsList, callTarget(&pendingCall{method: protocol.MethodToolsList}))
}

func TestMarshalArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    any
		want    string
		wantErr bool
	}{
		{name: "nil", args: nil, want: `{}`},
		{name: "empty raw", args: json.RawMessage(nil), want: `{}`},
		{name: "raw", args: json.RawMessage(`{"a":1}`), want: `{"a":1}`},
		{name: "invalid raw", args: json.RawMessage(`{`), wantErr: true},
		{name: "map", args: map[string]string{"b": "x"}, want: `{"b":"x"}`},
		{name: "unmarshalable", args: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalArguments(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestSend_ClosedStdinIsDeliveryError(t *testing.T) {
	metrics := NewMetrics("test")
	mgr := &Manager{
		metrics: metrics,
		logger:  log.WithComponent("supervisor"),
		cfg:     config.SupervisorConfig{CallTimeout: 30 * time.Millisecond},
	}

	var changes []int
	var changesMu sync.Mutex
	rec := newTestRecord("echo")
	rec.calls = newCallRegistry("echo", func(n int) {
		changesMu.Lock()
		changes = append(changes, n)
		changesMu.Unlock()
	})

	_, stdin := io.Pipe()
	require.NoError(t, stdin.Close())
	proc := &process{pid: 42, stdin: stdin, done: make(chan struct{})}
	rec.proc = proc

	_, err := mgr.send(context.Background(), rec, proc, protocol.MethodToolsCall, "echo", map[string]any{"name": "echo"})
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 0, rec.calls.len())

	// Outlive the call timeout; a stray timer would record a timeout outcome.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.calls.len())
	assert.Equal(t, uint64(1), rec.calls.lastID())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("echo", protocol.MethodToolsCall, "delivery")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.calls.WithLabelValues("echo", protocol.MethodToolsCall, "timeout")))

	changesMu.Lock()
	defer changesMu.Unlock()
	assert.Equal(t, []int{1, 0}, changes)
}
