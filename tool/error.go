package tool

import (
	"context"
	"errors"
	"strings"

	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
)

// Kind classifies a session or invocation failure.
type Kind string

const (
	// KindLaunch means the server process could not be spawned.
	KindLaunch Kind = "LaunchError"
	// KindHandshake means the process started but never completed initialize.
	KindHandshake Kind = "HandshakeError"
	// KindToolNotFound means the server rejected the tool name as unknown.
	KindToolNotFound Kind = "ToolNotFoundError"
	// KindToolExecution means the server accepted the call but failed running it.
	KindToolExecution Kind = "ToolExecutionError"
	// KindTransport means the stream closed or carried malformed data mid-exchange.
	KindTransport Kind = "TransportError"
	// KindDeadlineExceeded means the overall deadline elapsed first.
	KindDeadlineExceeded Kind = "DeadlineExceeded"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrLaunch           = &Error{Kind: KindLaunch}
	ErrHandshake        = &Error{Kind: KindHandshake}
	ErrToolNotFound     = &Error{Kind: KindToolNotFound}
	ErrToolExecution    = &Error{Kind: KindToolExecution}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrDeadlineExceeded = &Error{Kind: KindDeadlineExceeded}
)

// ErrSessionNotReady is returned when a session is used outside the Ready state.
var ErrSessionNotReady = errors.New("tool: session is not ready")

// Error is a classified session failure. Nested errors keep their own kind,
// so a handshake that died on a closed pipe reads
// "HandshakeError: initialize: TransportError: ...".
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	parts = append(parts, string(e.Kind))
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the outermost kind in err's chain, or "" when err is not
// a classified session error.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified.Kind
	}
	return ""
}

// Describe renders err for reports. A handshake that died on a closed pipe
// leads with its transport cause, "TransportError: ... (HandshakeError:
// initialize)"; everything else renders as err.Error().
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var outer *Error
	if !errors.As(err, &outer) || outer.Kind != KindHandshake {
		return err.Error()
	}
	var cause *Error
	if !errors.As(outer.Err, &cause) || cause.Kind != KindTransport {
		return err.Error()
	}
	label := string(outer.Kind)
	if op := strings.TrimSpace(outer.Op); op != "" {
		label += ": " + op
	}
	return cause.Error() + " (" + label + ")"
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// deadlineError reports whether ctx ran out and, if so, returns the
// DeadlineExceeded classification for op.
func deadlineError(ctx context.Context, op string, err error) (*Error, bool) {
	if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, false
	}
	cause := ctx.Err()
	if cause == nil {
		cause = err
	}
	return newError(KindDeadlineExceeded, op, cause), true
}

// classifyCallError maps an MCP client error from a request/response
// exchange onto the session taxonomy.
func classifyCallError(ctx context.Context, op, toolName string, err error) *Error {
	if classified, ok := deadlineError(ctx, op, err); ok {
		return classified
	}

	var rpcErr *mcpclient.RPCError
	if errors.As(err, &rpcErr) {
		if isUnknownToolError(rpcErr) {
			return &Error{Kind: KindToolNotFound, Op: op, Message: toolName, Err: rpcErr}
		}
		return newError(KindToolExecution, op, rpcErr)
	}
	return newError(KindTransport, op, err)
}

func isUnknownToolError(rpcErr *mcpclient.RPCError) bool {
	if rpcErr.Code == mcpclient.CodeMethodNotFound {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	if !strings.Contains(msg, "tool") {
		return false
	}
	return strings.Contains(msg, "unknown") || strings.Contains(msg, "not found")
}
