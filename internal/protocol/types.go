package protocol

import (
	"encoding/json"
	"strconv"
)

// Version is the only JSON-RPC version spoken on plugin stdio.
const Version = "2.0"

const (
	MethodToolsCall = "tools/call"
	MethodToolsList = "tools/list"
)

// Standard JSON-RPC error codes used by the plugin side.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one JSON-RPC request line written to a plugin's stdin.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// InboundRequest is a request as the plugin side reads it. Other JSON-RPC
// clients may send numeric ids, so ID is kept raw and echoed back unchanged.
type InboundRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *InboundRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is one JSON-RPC response line read from a plugin's stdout.
// ID is kept raw so numeric ids from loosely written plugins still correlate.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a response. Code is optional on the wire.
type Error struct {
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message"`
}

// Tool describes one capability in a tools/list result.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// ToolList is the result of tools/list.
type ToolList struct {
	Tools []Tool `json:"tools"`
}

// IDString returns the response id as a string. Missing or null ids report false.
func (r *Response) IDString() (string, bool) {
	if len(r.ID) == 0 || string(r.ID) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(r.ID, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return n.String(), true
	}
	return "", false
}

// IntPtr is a small helper for building optional error codes.
func IntPtr(v int) *int {
	return &v
}
