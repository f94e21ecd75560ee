// Package mcptest provides a scripted MCP stdio server for tests.
//
// Test binaries re-execute themselves as tool servers:
//
//	func TestHelperProcess(t *testing.T) {
//		if !mcptest.IsHelper() {
//			return
//		}
//		os.Exit(mcptest.Main())
//	}
//
// and launch that helper with mcptest.Command plus mcptest.Env(behavior).
package mcptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
)

const (
	envHelper    = "GO_WANT_MCPTEST_HELPER"
	envBehavior  = "MCPTEST_BEHAVIOR"
	envTool      = "MCPTEST_TOOL"
	envContent   = "MCPTEST_CONTENT"
	envToolError = "MCPTEST_TOOL_ERROR"
	envDelay     = "MCPTEST_HANDSHAKE_DELAY"
	envPIDFile   = "MCPTEST_PID_FILE"
	envName      = "MCPTEST_NAME"
)

// Behavior selects how the helper server acts.
type Behavior string

const (
	// Serve answers initialize, tools/list and tools/call normally.
	Serve Behavior = "serve"
	// Echo serves and returns the call arguments as a JSON text fragment.
	Echo Behavior = "echo"
	// ExitImmediately exits before reading anything.
	ExitImmediately Behavior = "exit"
	// SlowHandshake sleeps for the handshake delay before answering initialize.
	SlowHandshake Behavior = "slow-handshake"
	// HangOnCall completes the handshake and never answers tools/call.
	HangOnCall Behavior = "hang-call"
	// CrashOnCall exits while a tools/call is pending.
	CrashOnCall Behavior = "crash-call"
	// Garbage writes non-JSON to stdout after initialize.
	Garbage Behavior = "garbage"
	// RejectInitialize answers initialize with a JSON-RPC error.
	RejectInitialize Behavior = "reject-initialize"
	// PingOnInitialize sends a string-id ping before answering initialize.
	PingOnInitialize Behavior = "ping-initialize"
	// ParseErrorOnInitialize answers initialize with a null-id parse error.
	ParseErrorOnInitialize Behavior = "parse-error-initialize"
)

// Options scripts one helper server.
type Options struct {
	Behavior Behavior
	// Name is the serverInfo name.
	Name string
	// Tool is the only tool the server knows. Defaults to "search".
	Tool string
	// Content is returned for a successful tools/call.
	Content []mcpclient.ContentBlock
	// ToolError makes tools/call return isError with this text.
	ToolError string
	// HandshakeDelay applies to SlowHandshake. Defaults to 5s.
	HandshakeDelay time.Duration
	// PIDFile receives the helper's pid once started.
	PIDFile string
}

// IsHelper reports whether the current process was launched as a helper.
func IsHelper() bool {
	return os.Getenv(envHelper) == "1"
}

// Command returns the command line that re-executes the running test
// binary into the named helper test.
func Command(helperTest string) (string, []string) {
	return os.Args[0], []string{"-test.run=^" + helperTest + "$", "--"}
}

// Env encodes opts as the helper's complete environment.
func Env(opts Options) map[string]string {
	env := map[string]string{
		envHelper:   "1",
		envBehavior: string(opts.Behavior),
	}
	if opts.Name != "" {
		env[envName] = opts.Name
	}
	if opts.Tool != "" {
		env[envTool] = opts.Tool
	}
	if len(opts.Content) > 0 {
		data, _ := json.Marshal(opts.Content)
		env[envContent] = string(data)
	}
	if opts.ToolError != "" {
		env[envToolError] = opts.ToolError
	}
	if opts.HandshakeDelay > 0 {
		env[envDelay] = opts.HandshakeDelay.String()
	}
	if opts.PIDFile != "" {
		env[envPIDFile] = opts.PIDFile
	}
	return env
}

// Text builds text content blocks.
func Text(texts ...string) []mcpclient.ContentBlock {
	out := make([]mcpclient.ContentBlock, 0, len(texts))
	for _, text := range texts {
		out = append(out, mcpclient.ContentBlock{Type: "text", Text: text})
	}
	return out
}

// Main runs the helper server described by the environment on stdio and
// returns the process exit code.
func Main() int {
	opts, err := optionsFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		return 2
	}
	if opts.PIDFile != "" {
		if err := os.WriteFile(opts.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "mcptest:", err)
			return 2
		}
	}
	if err := Run(opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		return 1
	}
	return 0
}

func optionsFromEnv() (Options, error) {
	opts := Options{
		Behavior:  Behavior(os.Getenv(envBehavior)),
		Name:      os.Getenv(envName),
		Tool:      os.Getenv(envTool),
		ToolError: os.Getenv(envToolError),
		PIDFile:   os.Getenv(envPIDFile),
	}
	if raw := os.Getenv(envContent); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Content); err != nil {
			return Options{}, fmt.Errorf("decode %s: %w", envContent, err)
		}
	}
	if raw := os.Getenv(envDelay); raw != "" {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return Options{}, fmt.Errorf("parse %s: %w", envDelay, err)
		}
		opts.HandshakeDelay = delay
	}
	return opts, nil
}

// errExit ends Run with a non-zero status to simulate a crash.
var errExit = errors.New("simulated crash")

// Run serves opts over r/w until r is exhausted.
func Run(opts Options, r io.Reader, w io.Writer) error {
	if opts.Behavior == "" {
		opts.Behavior = Serve
	}
	if opts.Tool == "" {
		opts.Tool = "search"
	}
	if opts.Name == "" {
		opts.Name = "mcptest"
	}
	if opts.HandshakeDelay <= 0 {
		opts.HandshakeDelay = 5 * time.Second
	}
	if opts.Behavior == ExitImmediately {
		return errExit
	}

	decoder := json.NewDecoder(r)
	encoder := json.NewEncoder(w)
	for {
		var req mcpclient.Message
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if req.ID.IsZero() || req.Method == "" {
			// Notifications and replies to our pings need no answer.
			continue
		}
		resp, err := handle(opts, req, w)
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func handle(opts Options, req mcpclient.Message, w io.Writer) (*mcpclient.Message, error) {
	switch req.Method {
	case "initialize":
		switch opts.Behavior {
		case SlowHandshake:
			time.Sleep(opts.HandshakeDelay)
		case RejectInitialize:
			return errorReply(req, -32600, "unsupported client"), nil
		case ParseErrorOnInitialize:
			reply := errorReply(req, -32700, "parse error")
			reply.ID = mcpclient.ID{}
			return reply, nil
		case PingOnInitialize:
			ping := mcpclient.Message{JSONRPC: "2.0", ID: mcpclient.StringID("srv-ping"), Method: "ping"}
			if err := json.NewEncoder(w).Encode(ping); err != nil {
				return nil, err
			}
		}
		return resultReply(req, mcpclient.InitializeResult{
			ProtocolVersion: mcpclient.DefaultProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      mcpclient.Implementation{Name: opts.Name, Version: "test"},
		})
	case "ping":
		return resultReply(req, map[string]any{})
	case "tools/list":
		return resultReply(req, mcpclient.ToolsListResult{
			Tools: []mcpclient.Tool{{
				Name:        opts.Tool,
				Description: "scripted test tool",
				InputSchema: map[string]any{"type": "object"},
			}},
		})
	case "tools/call":
		return handleCall(opts, req, w)
	default:
		return errorReply(req, mcpclient.CodeMethodNotFound, "method not found: "+req.Method), nil
	}
}

func handleCall(opts Options, req mcpclient.Message, w io.Writer) (*mcpclient.Message, error) {
	var params mcpclient.ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorReply(req, mcpclient.CodeInvalidParams, "invalid params"), nil
	}
	if params.Name != opts.Tool {
		return errorReply(req, mcpclient.CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name)), nil
	}

	switch opts.Behavior {
	case HangOnCall:
		time.Sleep(time.Hour)
		return nil, nil
	case CrashOnCall:
		return nil, errExit
	case Garbage:
		_, err := io.WriteString(w, "<html>not json</html>\n")
		if err != nil {
			return nil, err
		}
		time.Sleep(time.Hour)
		return nil, nil
	}

	if opts.ToolError != "" {
		return resultReply(req, mcpclient.ToolsCallResult{
			Content: Text(opts.ToolError),
			IsError: true,
		})
	}

	content := opts.Content
	if opts.Behavior == Echo {
		data, err := json.Marshal(params.Arguments)
		if err != nil {
			return nil, err
		}
		content = Text(string(data))
	}
	if content == nil {
		content = []mcpclient.ContentBlock{}
	}
	return resultReply(req, mcpclient.ToolsCallResult{Content: content})
}

func resultReply(req mcpclient.Message, result any) (*mcpclient.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &mcpclient.Message{JSONRPC: "2.0", ID: req.ID, Result: data}, nil
}

func errorReply(req mcpclient.Message, code int, message string) *mcpclient.Message {
	return &mcpclient.Message{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &mcpclient.RPCError{Code: code, Message: strings.TrimSpace(message)},
	}
}
