package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/researchflow/tool/mcp/mcptest"
)

func TestHelperProcess(t *testing.T) {
	if !mcptest.IsHelper() {
		return
	}
	os.Exit(mcptest.Main())
}

func helperSpec(opts mcptest.Options) ServerSpec {
	command, args := mcptest.Command("TestHelperProcess")
	return NewServerSpec(command, args, mcptest.Env(opts))
}

func openHelperSession(t *testing.T, opts mcptest.Options, sessionOpts SessionOptions) *Session {
	t.Helper()

	session := NewSession(helperSpec(opts), sessionOpts)
	t.Cleanup(func() {
		_ = session.Close(context.Background())
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return session
}

func waitSessionExit(t *testing.T, session *Session) {
	t.Helper()

	done := session.Done()
	if done == nil {
		t.Fatal("Done() = nil, want a spawned process")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("server process %d still running", session.PID())
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	invokes  []InvokeObservation
	sessions []SessionObservation
}

func (o *recordingObserver) ObserveInvoke(observation InvokeObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invokes = append(o.invokes, observation)
}

func (o *recordingObserver) ObserveSession(observation SessionObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, observation)
}

func (o *recordingObserver) phases() []SessionPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionPhase, 0, len(o.sessions))
	for _, observation := range o.sessions {
		out = append(out, observation.Phase)
	}
	return out
}

func TestSessionOpenInvokeClose(t *testing.T) {
	observer := &recordingObserver{}
	session := openHelperSession(t, mcptest.Options{
		Behavior: mcptest.Serve,
		Name:     "search-server",
		Tool:     "perplexity_search",
		Content:  mcptest.Text("trend one", "trend two"),
	}, SessionOptions{Name: "search", Observer: observer})

	if got := session.State(); got != StateReady {
		t.Fatalf("State() = %s, want ready", got)
	}
	if got := session.ServerInfo().ServerInfo.Name; got != "search-server" {
		t.Fatalf("ServerInfo().ServerInfo.Name = %q, want search-server", got)
	}
	if session.PID() <= 0 {
		t.Fatalf("PID() = %d, want > 0", session.PID())
	}

	result, err := session.Invoke(context.Background(), "perplexity_search", map[string]any{"query": "Latest trends"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got := Normalize(result); got != "trend one\ntrend two" {
		t.Fatalf("Normalize() = %q", got)
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitSessionExit(t, session)
	if got := session.State(); got != StateClosed {
		t.Fatalf("State() after close = %s, want closed", got)
	}

	phases := observer.phases()
	if len(phases) != 2 || phases[0] != SessionPhaseOpened || phases[1] != SessionPhaseClosed {
		t.Fatalf("session phases = %v, want [opened closed]", phases)
	}
	if len(observer.invokes) != 1 || !observer.invokes[0].Success || observer.invokes[0].Tool != "perplexity_search" {
		t.Fatalf("invoke observations = %+v", observer.invokes)
	}
}

func TestSessionInvokePassesArguments(t *testing.T) {
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.Echo}, SessionOptions{})

	result, err := session.Invoke(context.Background(), "search", map[string]any{"query": "Context: x. Question: y"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got := Normalize(result); got != `{"query":"Context: x. Question: y"}` {
		t.Fatalf("Normalize() = %q", got)
	}
}

func TestSessionListTools(t *testing.T) {
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.Serve, Tool: "execute_query"}, SessionOptions{})

	tools, err := session.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "execute_query" {
		t.Fatalf("ListTools() = %+v", tools)
	}
}

func TestSessionEmptyResultUsesSentinel(t *testing.T) {
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.Serve}, SessionOptions{})

	result, err := session.Invoke(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got := Normalize(result); got != NoTextContent {
		t.Fatalf("Normalize() = %q, want %q", got, NoTextContent)
	}
}

func TestSessionOpenLaunchError(t *testing.T) {
	observer := &recordingObserver{}
	session := NewSession(
		NewServerSpec(filepath.Join(t.TempDir(), "missing-server"), nil, nil),
		SessionOptions{Observer: observer},
	)

	err := session.Open(context.Background())
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("Open() error = %v, want LaunchError", err)
	}
	if got := session.State(); got != StateFailed {
		t.Fatalf("State() = %s, want failed", got)
	}
	if session.Done() != nil {
		t.Fatal("Done() should be nil when nothing was spawned")
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() after failed open error = %v", err)
	}
	if phases := observer.phases(); len(phases) != 1 || phases[0] != SessionPhaseOpenFailed {
		t.Fatalf("session phases = %v, want [open_failed]", phases)
	}
}

func TestSessionOpenBlankCommand(t *testing.T) {
	session := NewSession(ServerSpec{Command: "  "}, SessionOptions{})
	if err := session.Open(context.Background()); KindOf(err) != KindLaunch {
		t.Fatalf("Open() error = %v, want LaunchError", err)
	}
}

func TestSessionOpenServerExitsImmediately(t *testing.T) {
	session := NewSession(helperSpec(mcptest.Options{Behavior: mcptest.ExitImmediately}), SessionOptions{})
	defer func() { _ = session.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := session.Open(ctx)
	if err == nil {
		t.Fatal("Open() expected error")
	}
	if KindOf(err) != KindHandshake {
		t.Fatalf("KindOf(%v) = %q, want HandshakeError", err, KindOf(err))
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Open() error = %v, want wrapped TransportError", err)
	}
	if !strings.Contains(err.Error(), string(KindTransport)) {
		t.Fatalf("error detail %q should name TransportError", err.Error())
	}
	waitSessionExit(t, session)
}

func TestSessionOpenRejectedInitialize(t *testing.T) {
	session := NewSession(helperSpec(mcptest.Options{Behavior: mcptest.RejectInitialize}), SessionOptions{})
	defer func() { _ = session.Close(context.Background()) }()

	err := session.Open(context.Background())
	if KindOf(err) != KindHandshake {
		t.Fatalf("Open() error = %v, want HandshakeError", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("Open() error = %v, server rejection is not a transport failure", err)
	}
}

func TestSessionOpenDeadlineExceeded(t *testing.T) {
	session := NewSession(helperSpec(mcptest.Options{
		Behavior:       mcptest.SlowHandshake,
		HandshakeDelay: 5 * time.Second,
	}), SessionOptions{GracePeriod: 200 * time.Millisecond})
	defer func() { _ = session.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := session.Open(ctx)
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("Open() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Open() returned after %s, want prompt return at the deadline", elapsed)
	}
	waitSessionExit(t, session)
}

func TestSessionOutlivesOpenContext(t *testing.T) {
	session := NewSession(helperSpec(mcptest.Options{
		Behavior: mcptest.Serve,
		Content:  mcptest.Text("still here"),
	}), SessionOptions{GracePeriod: 200 * time.Millisecond})
	defer func() { _ = session.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := session.Open(ctx); err != nil {
		cancel()
		t.Fatalf("Open() error = %v", err)
	}
	cancel()

	select {
	case <-session.Done():
		t.Fatal("server exited when the open context was canceled")
	case <-time.After(300 * time.Millisecond):
	}

	result, err := session.Invoke(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("Invoke() after open context canceled error = %v", err)
	}
	if got := Normalize(result); got != "still here" {
		t.Fatalf("Normalize() = %q, want still here", got)
	}
}

func TestSessionOpenAnswersStringIDPing(t *testing.T) {
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.PingOnInitialize}, SessionOptions{})

	if got := session.State(); got != StateReady {
		t.Fatalf("State() = %s, want ready", got)
	}
	if _, err := session.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
}

func TestSessionOpenNullIDParseError(t *testing.T) {
	session := NewSession(helperSpec(mcptest.Options{Behavior: mcptest.ParseErrorOnInitialize}), SessionOptions{
		GracePeriod: 200 * time.Millisecond,
	})
	defer func() { _ = session.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := session.Open(ctx)
	if KindOf(err) != KindHandshake {
		t.Fatalf("Open() error = %v, want HandshakeError", err)
	}
	if errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("Open() error = %v, want the server's error, not a deadline", err)
	}
	if !strings.Contains(err.Error(), "parse error") {
		t.Fatalf("Open() error = %v, want server message", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Open() returned after %s, want prompt failure", elapsed)
	}
	waitSessionExit(t, session)
}

func TestSessionOpenTwice(t *testing.T) {
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.Serve}, SessionOptions{})
	if err := session.Open(context.Background()); err == nil {
		t.Fatal("second Open() expected error")
	}
	if got := session.State(); got != StateReady {
		t.Fatalf("State() = %s, want ready after rejected reopen", got)
	}
}

func TestSessionInvokeErrors(t *testing.T) {
	tests := []struct {
		name      string
		opts      mcptest.Options
		tool      string
		wantKind  Kind
		wantText  string
		wantState SessionState
	}{
		{
			name:      "unknown tool",
			opts:      mcptest.Options{Behavior: mcptest.Serve, Tool: "search"},
			tool:      "missing_tool",
			wantKind:  KindToolNotFound,
			wantText:  "missing_tool",
			wantState: StateReady,
		},
		{
			name:      "blank tool name",
			opts:      mcptest.Options{Behavior: mcptest.Serve},
			tool:      " ",
			wantKind:  KindToolNotFound,
			wantState: StateReady,
		},
		{
			name:      "tool reports error",
			opts:      mcptest.Options{Behavior: mcptest.Serve, ToolError: "rate limited"},
			tool:      "search",
			wantKind:  KindToolExecution,
			wantText:  "rate limited",
			wantState: StateReady,
		},
		{
			name:      "server crashes mid call",
			opts:      mcptest.Options{Behavior: mcptest.CrashOnCall},
			tool:      "search",
			wantKind:  KindTransport,
			wantState: StateFailed,
		},
		{
			name:      "malformed output",
			opts:      mcptest.Options{Behavior: mcptest.Garbage},
			tool:      "search",
			wantKind:  KindTransport,
			wantState: StateFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			observer := &recordingObserver{}
			session := openHelperSession(t, tc.opts, SessionOptions{Observer: observer, GracePeriod: 200 * time.Millisecond})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := session.Invoke(ctx, tc.tool, map[string]any{"query": "q"})
			if err == nil {
				t.Fatal("Invoke() expected error")
			}
			if got := KindOf(err); got != tc.wantKind {
				t.Fatalf("KindOf(%v) = %q, want %q", err, got, tc.wantKind)
			}
			if tc.wantText != "" && !strings.Contains(err.Error(), tc.wantText) {
				t.Fatalf("error %q should contain %q", err.Error(), tc.wantText)
			}
			if got := session.State(); got != tc.wantState {
				t.Fatalf("State() = %s, want %s", got, tc.wantState)
			}
			if len(observer.invokes) != 1 || observer.invokes[0].Success || observer.invokes[0].ErrorKind != tc.wantKind {
				t.Fatalf("invoke observations = %+v", observer.invokes)
			}
		})
	}
}

func TestSessionInvokeDeadline(t *testing.T) {
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.HangOnCall}, SessionOptions{GracePeriod: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := session.Invoke(ctx, "search", nil)
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("Invoke() error = %v, want DeadlineExceeded", err)
	}
	if got := session.State(); got != StateFailed {
		t.Fatalf("State() = %s, want failed", got)
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitSessionExit(t, session)
}

func TestSessionInvokeNotReady(t *testing.T) {
	session := NewSession(helperSpec(mcptest.Options{Behavior: mcptest.Serve}), SessionOptions{})

	if _, err := session.Invoke(context.Background(), "search", nil); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("Invoke() before open error = %v, want ErrSessionNotReady", err)
	}
	if _, err := session.ListTools(context.Background()); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("ListTools() before open error = %v, want ErrSessionNotReady", err)
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := session.Open(context.Background()); err == nil {
		t.Fatal("Open() after Close() expected error")
	}
	if _, err := session.Invoke(context.Background(), "search", nil); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("Invoke() after close error = %v, want ErrSessionNotReady", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	observer := &recordingObserver{}
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.Serve}, SessionOptions{Observer: observer})

	for i := 0; i < 3; i++ {
		if err := session.Close(context.Background()); err != nil {
			t.Fatalf("Close() #%d error = %v", i+1, err)
		}
	}
	waitSessionExit(t, session)

	closed := 0
	for _, phase := range observer.phases() {
		if phase == SessionPhaseClosed {
			closed++
		}
	}
	if closed != 1 {
		t.Fatalf("closed observations = %d, want 1", closed)
	}
}

func TestSessionCloseRemovesProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "server.pid")
	session := openHelperSession(t, mcptest.Options{Behavior: mcptest.HangOnCall, PIDFile: pidFile}, SessionOptions{})

	pid := session.PID()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		t.Fatal("pid file is empty")
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitSessionExit(t, session)
	if processAlive(pid) {
		t.Fatalf("process %d still alive after Close()", pid)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := map[SessionState]string{
		StateUnopened:    "unopened",
		StateOpening:     "opening",
		StateReady:       "ready",
		StateClosed:      "closed",
		StateFailed:      "failed",
		SessionState(42): "state(42)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Fatalf("SessionState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
