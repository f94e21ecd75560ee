package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	StateUnopened SessionState = iota
	StateOpening
	StateReady
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Name labels the session in logs and observations. Defaults to the command.
	Name string

	ClientInfo      mcpclient.Implementation
	ProtocolVersion string

	// GracePeriod bounds how long the server gets to exit after SIGTERM.
	GracePeriod time.Duration

	Logger   *slog.Logger
	Observer Observer
}

// Session owns one tool server process and the MCP session running over its
// stdio. A Session is single-use: open it once, invoke tools while Ready,
// close it on every exit path.
type Session struct {
	spec     ServerSpec
	name     string
	opts     SessionOptions
	logger   *slog.Logger
	observer Observer

	mu         sync.Mutex
	state      SessionState
	transport  *mcpclient.StdioTransport
	client     *mcpclient.Client
	initResult mcpclient.InitializeResult
}

// NewSession returns an unopened session for spec.
func NewSession(spec ServerSpec, opts SessionOptions) *Session {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = spec.Command
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var observer Observer = noopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}
	return &Session{
		spec:     spec.Clone(),
		name:     name,
		opts:     opts,
		logger:   logger.With("server", name),
		observer: observer,
	}
}

// Name returns the session label.
func (s *Session) Name() string {
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the initialize result once the session is Ready.
func (s *Session) ServerInfo() mcpclient.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult
}

// PID returns the server process id, or 0 before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.PID()
}

// Done is closed once the server process has exited. It is nil when no
// process was spawned.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.Done()
}

// Open spawns the server and performs the MCP handshake. ctx bounds only the
// spawn and the handshake: a failed handshake terminates the server, while a
// Ready server keeps running after ctx is done until Close.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnopened {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("tool: open %s: session is %s", s.name, state)
	}
	s.state = StateOpening
	s.mu.Unlock()

	start := time.Now()
	if err := s.open(ctx); err != nil {
		s.mu.Lock()
		if s.state == StateOpening {
			s.state = StateFailed
		}
		s.mu.Unlock()
		s.observer.ObserveSession(SessionObservation{
			Server:     s.name,
			Phase:      SessionPhaseOpenFailed,
			PID:        s.PID(),
			DurationMS: elapsedMS(start),
			ErrorKind:  KindOf(err),
		})
		s.logger.Debug("tool session open failed", "error", err)
		return err
	}

	s.observer.ObserveSession(SessionObservation{
		Server:     s.name,
		Phase:      SessionPhaseOpened,
		PID:        s.PID(),
		DurationMS: elapsedMS(start),
	})
	info := s.ServerInfo()
	s.logger.Debug("tool session ready",
		"pid", s.PID(),
		"server_name", info.ServerInfo.Name,
		"protocol_version", info.ProtocolVersion,
		"duration", time.Since(start),
	)
	return nil
}

func (s *Session) open(ctx context.Context) error {
	if err := s.spec.Validate(); err != nil {
		return newError(KindLaunch, "launch", err)
	}
	if classified, ok := deadlineError(ctx, "launch", nil); ok {
		return classified
	}

	transport, err := mcpclient.NewStdioTransport(ctx, mcpclient.StdioTransportConfig{
		Command:     s.spec.Command,
		Args:        s.spec.Args,
		Env:         s.spec.Env,
		GracePeriod: s.opts.GracePeriod,
		Stderr: func(line string) {
			s.logger.Debug("tool server stderr", "line", line)
		},
	})
	if err != nil {
		if classified, ok := deadlineError(ctx, "launch", err); ok {
			return classified
		}
		return newError(KindLaunch, "launch", err)
	}

	client := mcpclient.NewClient(transport, mcpclient.Options{
		ProtocolVersion: s.opts.ProtocolVersion,
		ClientInfo:      s.opts.ClientInfo,
	})

	s.mu.Lock()
	s.transport = transport
	s.client = client
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		_ = transport.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("%w: %s closed during open", ErrSessionNotReady, s.name)
	}

	result, err := client.Initialize(ctx)
	if err != nil {
		classified := classifyHandshakeError(ctx, err)
		// A server that never became Ready is not left running.
		if closeErr := transport.Close(context.WithoutCancel(ctx)); closeErr != nil {
			s.logger.Warn("tool server did not exit after failed handshake", "pid", transport.PID(), "error", closeErr)
		}
		return classified
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpening {
		return fmt.Errorf("%w: %s closed during open", ErrSessionNotReady, s.name)
	}
	s.state = StateReady
	s.initResult = result
	return nil
}

func classifyHandshakeError(ctx context.Context, err error) *Error {
	if classified, ok := deadlineError(ctx, "initialize", err); ok {
		return classified
	}
	cause := classifyCallError(ctx, "", "", err)
	if cause.Kind == KindTransport {
		return newError(KindHandshake, "initialize", cause)
	}
	// The server answered initialize with an error.
	return newError(KindHandshake, "initialize", err)
}

// Invoke calls toolName with args and waits for its single response. The
// session must be Ready; calls are serialized.
func (s *Session) Invoke(ctx context.Context, toolName string, args map[string]any) (CallResult, error) {
	s.mu.Lock()
	state := s.state
	client := s.client
	s.mu.Unlock()
	if state != StateReady || client == nil {
		return CallResult{}, fmt.Errorf("%w: invoke %s on %s (state %s)", ErrSessionNotReady, toolName, s.name, state)
	}

	start := time.Now()
	result, err := s.invoke(ctx, client, toolName, args)

	observation := InvokeObservation{
		Server:     s.name,
		Tool:       toolName,
		DurationMS: elapsedMS(start),
		Success:    err == nil,
		ErrorKind:  KindOf(err),
	}
	s.observer.ObserveInvoke(observation)
	if err != nil {
		s.logger.Debug("tool invocation failed", "tool", toolName, "error", err)
		return CallResult{}, err
	}
	s.logger.Debug("tool invocation finished",
		"tool", toolName,
		"fragments", len(result.Fragments),
		"duration", time.Since(start),
	)
	return result, nil
}

func (s *Session) invoke(ctx context.Context, client *mcpclient.Client, toolName string, args map[string]any) (CallResult, error) {
	if strings.TrimSpace(toolName) == "" {
		return CallResult{}, &Error{Kind: KindToolNotFound, Op: "tools/call", Message: "empty tool name"}
	}

	raw, err := client.CallTool(ctx, mcpclient.ToolsCallParams{
		Name:      toolName,
		Arguments: cloneAnyMap(args),
	})
	if err != nil {
		classified := classifyCallError(ctx, "tools/call", toolName, err)
		if classified.Kind == KindTransport || classified.Kind == KindDeadlineExceeded {
			s.markFailed()
		}
		return CallResult{}, classified
	}

	result := newCallResult(raw)
	if raw.IsError {
		return CallResult{}, &Error{
			Kind:    KindToolExecution,
			Op:      "tools/call",
			Message: toolName + " reported an error: " + Normalize(result),
		}
	}
	return result, nil
}

// ListTools returns the tools the server exposes.
func (s *Session) ListTools(ctx context.Context) ([]mcpclient.Tool, error) {
	s.mu.Lock()
	state := s.state
	client := s.client
	s.mu.Unlock()
	if state != StateReady || client == nil {
		return nil, fmt.Errorf("%w: list tools on %s (state %s)", ErrSessionNotReady, s.name, state)
	}

	result, err := client.ListTools(ctx)
	if err != nil {
		classified := classifyCallError(ctx, "tools/list", "", err)
		if classified.Kind == KindTransport {
			s.markFailed()
		}
		return nil, classified
	}
	return result.Tools, nil
}

// Close terminates the server process and releases the pipes. It is safe
// to call in any state, including after a failed Open, and only the first
// call has an effect.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return nil
	}
	start := time.Now()
	err := transport.Close(ctx)
	s.observer.ObserveSession(SessionObservation{
		Server:     s.name,
		Phase:      SessionPhaseClosed,
		PID:        transport.PID(),
		DurationMS: elapsedMS(start),
	})
	if err != nil {
		s.logger.Warn("tool session close did not confirm exit", "pid", transport.PID(), "error", err)
		return fmt.Errorf("tool: close %s: %w", s.name, err)
	}
	s.logger.Debug("tool session closed", "pid", transport.PID(), "exit", exitStatus(transport.ExitErr()))
	return nil
}

// exitStatus describes how the server process ended.
func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *Session) markFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady {
		s.state = StateFailed
	}
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
