package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds a single protocol line.
const DefaultMaxLineBytes = 16 << 20

// NewRequest builds a request, marshaling params when non-nil.
func NewRequest(id, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// EncodeLine marshals v as compact JSON terminated by exactly one newline.
// encoding/json escapes control characters, so the payload never contains a raw newline.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeRequest serializes req and writes it to w as a single line with a single Write.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version: %q", req.JSONRPC)
	}
	if req.ID == "" {
		return fmt.Errorf("request id is empty")
	}
	line, err := EncodeLine(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// DecodeResponse parses one line from a plugin's stdout.
func DecodeResponse(line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if resp.JSONRPC != "" && resp.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version: %q", resp.JSONRPC)
	}
	return &resp, nil
}

// DecodeRequest parses one line from a plugin's stdin.
func DecodeRequest(line []byte) (*Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request missing required field: method")
	}
	return &req, nil
}

// DecodeInboundRequest parses one request line on the plugin side. The id may
// be a string or a number.
func DecodeInboundRequest(line []byte) (*InboundRequest, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	var req InboundRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request missing required field: method")
	}
	if !req.IsNotification() && !scalarID(req.ID) {
		return nil, fmt.Errorf("request id must be a string or number, got %s", req.ID)
	}
	return &req, nil
}

// EncodeResponse writes resp to w as a single line.
func EncodeResponse(w io.Writer, resp *Response) error {
	if resp.JSONRPC == "" {
		resp.JSONRPC = Version
	}
	line, err := EncodeLine(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = w.Write(line)
	return err
}

// ResultResponse builds a success response for id.
func ResultResponse(id string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: quoteID(id), Result: raw}, nil
}

// ErrorResponse builds an error response for id. A nil code omits the field.
func ErrorResponse(id string, code *int, message string) *Response {
	return &Response{JSONRPC: Version, ID: quoteID(id), Error: &Error{Code: code, Message: message}}
}

// Reply builds a success response echoing the request's id.
func (r *InboundRequest) Reply(result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: r.ID, Result: raw}, nil
}

// Fail builds an error response echoing the request's id.
func (r *InboundRequest) Fail(code *int, message string) *Response {
	return &Response{JSONRPC: Version, ID: r.ID, Error: &Error{Code: code, Message: message}}
}

func scalarID(raw json.RawMessage) bool {
	switch c := raw[0]; {
	case c == '"', c == '-':
		return true
	default:
		return c >= '0' && c <= '9'
	}
}

func quoteID(id string) json.RawMessage {
	raw, _ := json.Marshal(id)
	return raw
}

// ReadLines calls fn for every newline-delimited line read from r, without the
// trailing newline. The slice passed to fn is only valid until fn returns.
// Lines longer than maxLine bytes are skipped and reported to onOverflow.
// Returns nil at EOF.
func ReadLines(r io.Reader, maxLine int, fn func(line []byte), onOverflow func(size int)) error {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf        []byte
		discarding bool
		skipped    int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if discarding {
				skipped += len(chunk)
			} else {
				buf = append(buf, chunk...)
				if len(buf) > maxLine+1 {
					discarding = true
					skipped = len(buf)
					buf = buf[:0]
				}
			}
			if chunk[len(chunk)-1] == '\n' {
				if discarding {
					if onOverflow != nil {
						onOverflow(skipped)
					}
				} else {
					fn(bytes.TrimRight(buf, "\r\n"))
				}
				buf = buf[:0]
				discarding = false
				skipped = 0
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) > 0 && !discarding {
				fn(bytes.TrimRight(buf, "\r"))
			}
			return nil
		default:
			return err
		}
	}
}
