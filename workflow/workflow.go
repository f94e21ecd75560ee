// Package workflow routes a research prompt through a web-search tool server
// and a structured-data tool server, each running as its own MCP session.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/researchflow/tool"
	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
)

// Branch names.
const (
	BranchSearch = "search"
	BranchData   = "data"
)

// Defaults for a zero Config.
const (
	DefaultDeadline      = 2 * time.Minute
	DefaultGracePeriod   = 2 * time.Second
	DefaultSearchTool    = "perplexity_search"
	DefaultDataTool      = "execute_query"
	DefaultArgumentKey   = "query"
	DefaultClientName    = "researchflow"
	DefaultClientVersion = "dev"
)

// Mode selects how the two branches are sequenced.
type Mode string

const (
	// ModeChained feeds the search text into the data branch's prompt.
	ModeChained Mode = "chained"
	// ModeIndependent runs both branches concurrently on the raw prompt.
	ModeIndependent Mode = "independent"
)

// ParseMode parses a mode name. An empty string yields "".
func ParseMode(value string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "", ModeChained, ModeIndependent:
		return mode, nil
	default:
		return "", fmt.Errorf("workflow: unknown mode %q (want %s or %s)", value, ModeChained, ModeIndependent)
	}
}

// BranchConfig binds a branch to a server and one of its tools.
type BranchConfig struct {
	Name   string
	Server tool.ServerSpec
	Tool   string
	// ArgumentKey is the tools/call argument that carries the prompt.
	ArgumentKey string
}

// Config holds the orchestrator settings.
type Config struct {
	Search BranchConfig
	Data   BranchConfig

	DefaultDeadline time.Duration
	DefaultMode     Mode

	// GracePeriod bounds how long a server gets to exit after SIGTERM.
	GracePeriod time.Duration

	ProtocolVersion string
	ClientInfo      mcpclient.Implementation
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	c.Search = c.Search.withDefaults(BranchSearch, DefaultSearchTool)
	c.Data = c.Data.withDefaults(BranchData, DefaultDataTool)
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = DefaultDeadline
	}
	if c.DefaultMode == "" {
		c.DefaultMode = ModeChained
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = mcpclient.DefaultProtocolVersion
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo.Name = DefaultClientName
	}
	if c.ClientInfo.Version == "" {
		c.ClientInfo.Version = DefaultClientVersion
	}
	return c
}

func (b BranchConfig) withDefaults(name, toolName string) BranchConfig {
	if strings.TrimSpace(b.Name) == "" {
		b.Name = name
	}
	if strings.TrimSpace(b.Tool) == "" {
		b.Tool = toolName
	}
	if strings.TrimSpace(b.ArgumentKey) == "" {
		b.ArgumentKey = DefaultArgumentKey
	}
	b.Server = b.Server.Clone()
	return b
}

// Validate checks both branch server declarations.
func (c Config) Validate() error {
	var errs []error
	for _, branch := range []BranchConfig{c.Search, c.Data} {
		if err := branch.Server.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("branch %s: %w", branch.Name, err))
		}
	}
	if _, err := ParseMode(string(c.DefaultMode)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Request is one research question.
type Request struct {
	Prompt string
	// Deadline bounds the whole run. Zero or negative uses Config.DefaultDeadline.
	Deadline time.Duration
	// Mode defaults to Config.DefaultMode.
	Mode Mode
}

// Status is the terminal state of a branch.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// BranchOutcome reports what one branch produced.
type BranchOutcome struct {
	Branch string `json:"branch"`
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Status Status `json:"status"`

	// Text is the normalized tool output when Status is succeeded.
	Text string `json:"text,omitempty"`
	// Attachments are the non-text fragments the tool returned.
	Attachments []tool.Fragment `json:"attachments,omitempty"`

	// Detail explains a failed or skipped branch.
	Detail    string    `json:"detail,omitempty"`
	ErrorKind tool.Kind `json:"error_kind,omitempty"`

	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`

	// Result keeps the raw fragments for structured consumers.
	Result *tool.CallResult `json:"-"`
}

// Succeeded reports whether the branch produced text.
func (o BranchOutcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Result is the combined outcome of one run. Both branch outcomes are
// always populated.
type Result struct {
	RunID  string        `json:"run_id"`
	Mode   Mode          `json:"mode"`
	Prompt string        `json:"prompt"`
	Search BranchOutcome `json:"search"`
	Data   BranchOutcome `json:"data"`

	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// Succeeded reports whether both branches succeeded.
func (r Result) Succeeded() bool {
	return r.Search.Succeeded() && r.Data.Succeeded()
}

// DeadlineExceeded reports whether any branch failed on the run deadline.
func (r Result) DeadlineExceeded() bool {
	return r.Search.ErrorKind == tool.KindDeadlineExceeded || r.Data.ErrorKind == tool.KindDeadlineExceeded
}

// ComposeChainedPrompt builds the data branch argument from the search text.
func ComposeChainedPrompt(searchText, prompt string) string {
	return "Context: " + searchText + ". Question: " + prompt
}
