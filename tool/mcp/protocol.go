package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	jsonRPCVersion = "2.0"

	// CodeMethodNotFound is the JSON-RPC code for an unknown method.
	CodeMethodNotFound = -32601
	// CodeInvalidParams is the JSON-RPC code for rejected request parameters.
	CodeInvalidParams = -32602
)

var (
	// ErrMalformedResponse marks a peer message that could not be decoded
	// or violates the JSON-RPC envelope.
	ErrMalformedResponse = errors.New("mcp: malformed response")
	// ErrTransportClosed marks a stream that ended before a response arrived.
	ErrTransportClosed = errors.New("mcp: transport closed")
)

// ID is a JSON-RPC request id. Peers may use numbers or strings; the zero
// ID stands for an absent or null id.
type ID struct {
	raw json.RawMessage
}

// NumberID returns a numeric request id.
func NumberID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// StringID returns a string request id.
func StringID(s string) ID {
	data, _ := json.Marshal(s)
	return ID{raw: data}
}

// IsZero reports whether the id is absent or null.
func (id ID) IsZero() bool {
	return len(id.raw) == 0
}

// Equal reports whether both ids carry the same JSON value.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id.raw, other.raw)
}

func (id ID) String() string {
	if id.IsZero() {
		return "null"
	}
	return string(id.raw)
}

// MarshalJSON echoes the id exactly as it was received.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON accepts a number, a string, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		id.raw = nil
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("mcp: invalid id %s: %w", data, err)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("mcp: invalid id %s: %w", data, err)
		}
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Message is a JSON-RPC 2.0 envelope.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message is a peer-initiated request.
func (m Message) IsRequest() bool {
	return m.Method != "" && !m.ID.IsZero()
}

// IsNullIDError reports whether the message is an error response whose id
// the peer could not determine, as sent for parse errors.
func (m Message) IsNullIDError() bool {
	return m.Method == "" && m.ID.IsZero() && m.Error != nil
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// RequestError wraps transport/protocol failures in request flow.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: request %q failed: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Implementation identifies either side of an MCP session.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is sent in the MCP initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is returned by the MCP initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Tool describes one discovered MCP tool from tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolsListResult is returned by the MCP tools/list request.
type ToolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ToolsCallParams is sent in the MCP tools/call request.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is an MCP content item returned by tools/call.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ToolsCallResult is returned by the MCP tools/call request.
type ToolsCallResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}
