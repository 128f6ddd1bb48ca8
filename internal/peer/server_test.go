package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func newTestServer() *Server {
	s := NewServer("test")
	s.Register(protocol.Tool{Name: "echo", Description: "returns arguments"}, func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	})
	s.Register(protocol.Tool{Name: "add"}, func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct{ A, B int }
		if err := DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return map[string]int{"sum": in.A + in.B}, nil
	})
	s.Register(protocol.Tool{Name: "boom"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("exploded")
	})
	s.Register(protocol.Tool{Name: "coded"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, Errorf(42, "teapot")
	})
	s.Register(protocol.Tool{Name: "silent"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, ErrNoResponse
	})
	return s
}

func serve(t *testing.T, s *Server, input string) []protocol.Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), &out))

	var resps []protocol.Response
	for _, line := range strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var r protocol.Response
		require.NoError(t, json.Unmarshal([]byte(line), &r), "line: %s", line)
		resps = append(resps, r)
	}
	return resps
}

func TestServe(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		checkFn func(t *testing.T, resps []protocol.Response)
	}{
		{
			name:  "echo round trip",
			input: `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"echo","arguments":{"a":1,"b":"x"}}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				id, _ := resps[0].IDString()
				assert.Equal(t, "1", id)
				assert.JSONEq(t, `{"a":1,"b":"x"}`, string(resps[0].Result))
			},
		},
		{
			name:  "missing arguments default to empty object",
			input: `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"echo"}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				assert.JSONEq(t, `{}`, string(resps[0].Result))
			},
		},
		{
			name:  "tools/list",
			input: `{"jsonrpc":"2.0","id":"7","method":"tools/list"}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				var list protocol.ToolList
				require.NoError(t, json.Unmarshal(resps[0].Result, &list))
				require.Len(t, list.Tools, 5)
				assert.Equal(t, "add", list.Tools[0].Name)
			},
		},
		{
			name:  "unknown tool",
			input: `{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"nope"}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				require.NotNil(t, resps[0].Error)
				assert.Equal(t, protocol.CodeMethodNotFound, *resps[0].Error.Code)
			},
		},
		{
			name:  "invalid arguments",
			input: `{"jsonrpc":"2.0","id":"3","method":"tools/call","params":{"name":"add","arguments":{"A":"x"}}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				require.NotNil(t, resps[0].Error)
				assert.Equal(t, protocol.CodeInvalidParams, *resps[0].Error.Code)
			},
		},
		{
			name:  "plain error has no code",
			input: `{"jsonrpc":"2.0","id":"4","method":"tools/call","params":{"name":"boom"}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				require.NotNil(t, resps[0].Error)
				assert.Nil(t, resps[0].Error.Code)
				assert.Equal(t, "exploded", resps[0].Error.Message)
			},
		},
		{
			name:  "coded error",
			input: `{"jsonrpc":"2.0","id":"5","method":"tools/call","params":{"name":"coded"}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				assert.Equal(t, 42, *resps[0].Error.Code)
			},
		},
		{
			name: "garbage and silent requests produce no lines, later requests still answered",
			input: "not json\n" +
				`{"jsonrpc":"2.0","id":"6","method":"tools/call","params":{"name":"silent"}}` + "\n" +
				`{"jsonrpc":"2.0","method":"tools/list"}` + "\n" +
				`{"jsonrpc":"2.0","id":"8","method":"tools/call","params":{"name":"add","arguments":{"A":2,"B":3}}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				id, _ := resps[0].IDString()
				assert.Equal(t, "8", id)
				assert.JSONEq(t, `{"sum":5}`, string(resps[0].Result))
			},
		},
		{
			name: "numeric ids are echoed unchanged",
			input: `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"n":1}}}` + "\n" +
				`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"nope"}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 2)
				assert.Equal(t, "7", string(resps[0].ID))
				assert.JSONEq(t, `{"n":1}`, string(resps[0].Result))
				assert.Equal(t, "8", string(resps[1].ID))
				require.NotNil(t, resps[1].Error)
			},
		},
		{
			name: "object id and null id are not answered",
			input: `{"jsonrpc":"2.0","id":{"x":1},"method":"tools/list"}` + "\n" +
				`{"jsonrpc":"2.0","id":null,"method":"tools/list"}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				assert.Empty(t, resps)
			},
		},
		{
			name:  "unknown method",
			input: `{"jsonrpc":"2.0","id":"9","method":"resources/list"}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 1)
				assert.Equal(t, protocol.CodeMethodNotFound, *resps[0].Error.Code)
			},
		},
		{
			name: "responses follow request order",
			input: `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"echo","arguments":1}}` + "\n" +
				`{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"echo","arguments":2}}` + "\n",
			checkFn: func(t *testing.T, resps []protocol.Response) {
				require.Len(t, resps, 2)
				first, _ := resps[0].IDString()
				second, _ := resps[1].IDString()
				assert.Equal(t, []string{"a", "b"}, []string{first, second})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checkFn(t, serve(t, newTestServer(), tt.input))
		})
	}
}
