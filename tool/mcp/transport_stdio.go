package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultGracePeriod = 2 * time.Second

// StdioTransportConfig configures a stdio MCP transport.
type StdioTransportConfig struct {
	Command string
	Args    []string
	// Env is the complete environment of the subprocess. Nothing is
	// inherited from the current process.
	Env map[string]string
	Dir string

	// GracePeriod is how long the subprocess gets to exit after SIGTERM
	// before it is killed. Defaults to 2s.
	GracePeriod time.Duration

	// Stderr receives each line the subprocess writes to stderr.
	Stderr func(line string)
}

// StdioTransport implements MCP transport over a subprocess stdin/stdout pipe.
type StdioTransport struct {
	mu         sync.Mutex
	writeMu    sync.Mutex
	cfg        StdioTransportConfig
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	recvCh     chan Message
	errCh      chan error
	readDone   chan struct{}
	stderrDone chan struct{}
	closing    chan struct{}
	waitCh     chan struct{}
	closed     bool
	exitErr    error
}

// NewStdioTransport starts a stdio MCP subprocess transport. ctx only
// guards the start; the subprocess runs until Close.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mcp: stdio start %q: %w", cfg.Command, err)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}

	t := &StdioTransport{
		cfg:        cfg,
		recvCh:     make(chan Message, 64),
		errCh:      make(chan error, 1),
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		closing:    make(chan struct{}),
		waitCh:     make(chan struct{}),
	}
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StdioTransport) start() error {
	args := slices.Clone(t.cfg.Args)
	// #nosec G204 -- command/args come from the operator's server config.
	cmd := exec.Command(t.cfg.Command, args...)
	cmd.Env = flattenEnv(t.cfg.Env)
	cmd.Dir = t.cfg.Dir
	// Bounds Wait on pipes a stray grandchild keeps open.
	cmd.WaitDelay = t.cfg.GracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: stdio start %q: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	go t.stderrLoop(stderr)
	go t.waitLoop()

	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readDone)

	decoder := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			// A clean EOF is reported by waitLoop together with the exit status.
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				t.sendErr(fmt.Errorf("%w: stdio decode: %v", ErrMalformedResponse, err))
			}
			return
		}
		select {
		case t.recvCh <- message:
		default:
			t.sendErr(errors.New("mcp: stdio receive queue is full"))
			return
		}
	}
}

func (t *StdioTransport) stderrLoop(stderr io.Reader) {
	defer close(t.stderrDone)

	if t.cfg.Stderr == nil {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		t.cfg.Stderr(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, stderr)
}

func (t *StdioTransport) waitLoop() {
	defer close(t.waitCh)

	// Wait closes the pipes, so let the readers drain first unless we are
	// shutting down and a stray grandchild could hold them open.
	for _, done := range []chan struct{}{t.readDone, t.stderrDone} {
		select {
		case <-done:
		case <-t.closing:
		}
	}

	err := t.cmd.Wait()

	t.mu.Lock()
	t.exitErr = err
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		if err == nil {
			t.sendErr(fmt.Errorf("%w: stdio process exited", ErrTransportClosed))
			return
		}
		t.sendErr(fmt.Errorf("%w: stdio process exited: %v", ErrTransportClosed, err))
	}
}

// Send writes a JSON-RPC message to the subprocess stdin.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	closed := t.closed
	stdin := t.stdin
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: stdio transport is closed", ErrTransportClosed)
	}
	if stdin == nil {
		return errors.New("mcp: stdio stdin is not available")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write request: %v", ErrTransportClosed, err)
	}
	return nil
}

// Receive reads the next JSON-RPC message from subprocess stdout. Messages
// already read are delivered before any pending transport error.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.recvCh:
		return message, nil
	default:
	}

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	case err := <-t.errCh:
		select {
		case message := <-t.recvCh:
			t.sendErr(err)
			return message, nil
		default:
		}
		// Keep the error visible to later callers.
		t.sendErr(err)
		return Message{}, err
	}
}

// Close terminates the subprocess and closes resources. It closes stdin,
// signals SIGTERM, and kills the process if it is still running after the
// grace period. Close is idempotent.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-t.waitCh:
		return nil
	default:
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(t.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-t.waitCh:
		return nil
	case <-timer.C:
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}

	select {
	case <-t.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the subprocess has exited and been reaped.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.waitCh
}

// PID returns the subprocess id.
func (t *StdioTransport) PID() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// ExitErr returns the result of waiting on the subprocess. It is only
// meaningful after Done is closed.
func (t *StdioTransport) ExitErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

func (t *StdioTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *StdioTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
