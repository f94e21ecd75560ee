package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/researchflow/tool"
)

// Options controls orchestrator side channels.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// EventHandler receives run events. If nil, events are dropped.
	EventHandler EventHandler

	// Observer receives per-session tool observations.
	Observer tool.Observer

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Orchestrator runs research requests against the configured branches. It
// holds no per-run state, so one Orchestrator may serve concurrent runs.
type Orchestrator struct {
	cfg    Config
	opts   Options
	logger *slog.Logger
}

// NewOrchestrator validates cfg and returns an orchestrator for it.
func NewOrchestrator(cfg Config, opts Options) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, opts: opts, logger: logger}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// run carries the per-run values shared by both branches.
type run struct {
	id     string
	start  time.Time
	logger *slog.Logger
	seq    seqGen
}

// Run executes one request and always returns a fully populated Result.
// Failures are reported per branch; Run itself never fails.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	mode := req.Mode
	if mode == "" {
		mode = o.cfg.DefaultMode
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = o.cfg.DefaultDeadline
	}

	r := &run{id: uuid.NewString(), start: o.opts.Now()}
	r.logger = o.logger.With("run_id", r.id)

	result := Result{
		RunID:  r.id,
		Mode:   mode,
		Prompt: req.Prompt,
		Search: o.pendingOutcome(o.cfg.Search),
		Data:   o.pendingOutcome(o.cfg.Data),
	}

	o.emit(r, NewEvent(EventRunStarted, r.id).
		WithPayload("mode", string(mode)).
		WithPayload("deadline", deadline.String()))
	r.logger.Info("research run started", "mode", mode, "deadline", deadline)

	if err := validateRequest(req.Prompt, mode); err != nil {
		detail := "invalid request: " + err.Error()
		result.Search = failedOutcome(result.Search, detail, "", 0)
		result.Data = failedOutcome(result.Data, detail, "", 0)
		return o.finish(r, result)
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	switch mode {
	case ModeIndependent:
		result.Search, result.Data = o.runIndependent(runCtx, r, req.Prompt)
	default:
		result.Search, result.Data = o.runChained(runCtx, r, req.Prompt)
	}
	return o.finish(r, result)
}

func validateRequest(prompt string, mode Mode) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is required")
	}
	if mode != ModeChained && mode != ModeIndependent {
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}

func (o *Orchestrator) finish(r *run, result Result) Result {
	result.Elapsed = o.opts.Now().Sub(r.start)
	result.ElapsedMS = result.Elapsed.Milliseconds()

	o.emit(r, NewEvent(EventRunFinished, r.id).
		WithElapsed(result.Elapsed).
		WithPayload("search_status", string(result.Search.Status)).
		WithPayload("data_status", string(result.Data.Status)))
	r.logger.Info("research run finished",
		"search_status", result.Search.Status,
		"data_status", result.Data.Status,
		"elapsed", result.Elapsed,
	)
	return result
}

// runChained runs search first and feeds its text into the data branch.
// A failed search skips the data branch without spawning its server.
func (o *Orchestrator) runChained(ctx context.Context, r *run, prompt string) (BranchOutcome, BranchOutcome) {
	search := o.execBranch(ctx, r, o.cfg.Search, prompt)
	if !search.Succeeded() {
		data := o.pendingOutcome(o.cfg.Data)
		data.Status = StatusSkipped
		data.Detail = "skipped: " + o.cfg.Search.Name + " branch failed"
		o.emitBranchFinished(r, data)
		return search, data
	}

	data := o.execBranch(ctx, r, o.cfg.Data, ComposeChainedPrompt(search.Text, prompt))
	return search, data
}

// runIndependent runs both branches concurrently on the raw prompt.
func (o *Orchestrator) runIndependent(ctx context.Context, r *run, prompt string) (BranchOutcome, BranchOutcome) {
	var (
		wg     sync.WaitGroup
		search BranchOutcome
		data   BranchOutcome
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		search = o.execBranch(ctx, r, o.cfg.Search, prompt)
	}()
	go func() {
		defer wg.Done()
		data = o.execBranch(ctx, r, o.cfg.Data, prompt)
	}()
	wg.Wait()
	return search, data
}

// execBranch runs one branch end to end. The branch session is closed
// before branch.finished is emitted.
func (o *Orchestrator) execBranch(ctx context.Context, r *run, branch BranchConfig, argument string) BranchOutcome {
	start := o.opts.Now()
	o.emit(r, NewEvent(EventBranchStarted, r.id).
		WithBranch(branch.Name).
		WithPayload("server", branch.Server.String()).
		WithPayload("tool", branch.Tool))

	outcome := o.pendingOutcome(branch)
	callResult, err := o.callBranch(ctx, r, branch, argument)
	elapsed := o.opts.Now().Sub(start)
	if err != nil {
		err = deadlineAware(ctx, branch.Name, err)
		outcome = failedOutcome(outcome, tool.Describe(err), tool.KindOf(err), elapsed)
		r.logger.Warn("branch failed", "branch", branch.Name, "error_kind", outcome.ErrorKind, "error", err)
	} else {
		outcome.Status = StatusSucceeded
		outcome.Text = tool.Normalize(callResult)
		if attachments := tool.Attachments(callResult); len(attachments) > 0 {
			outcome.Attachments = attachments
		}
		outcome.Result = &callResult
		outcome.Elapsed = elapsed
		outcome.ElapsedMS = elapsed.Milliseconds()
	}
	o.emitBranchFinished(r, outcome)
	return outcome
}

func (o *Orchestrator) callBranch(ctx context.Context, r *run, branch BranchConfig, argument string) (tool.CallResult, error) {
	session := tool.NewSession(branch.Server, tool.SessionOptions{
		Name:            branch.Name,
		ClientInfo:      o.cfg.ClientInfo,
		ProtocolVersion: o.cfg.ProtocolVersion,
		GracePeriod:     o.cfg.GracePeriod,
		Logger:          r.logger,
		Observer:        o.opts.Observer,
	})
	defer o.closeSession(ctx, r, branch, session)

	openStart := o.opts.Now()
	if err := session.Open(ctx); err != nil {
		return tool.CallResult{}, err
	}
	info := session.ServerInfo()
	o.emit(r, NewEvent(EventSessionOpened, r.id).
		WithBranch(branch.Name).
		WithElapsed(o.opts.Now().Sub(openStart)).
		WithPayload("pid", session.PID()).
		WithPayload("server_name", info.ServerInfo.Name).
		WithPayload("protocol_version", info.ProtocolVersion))

	o.emit(r, NewEvent(EventToolCall, r.id).
		WithBranch(branch.Name).
		WithPayload("tool", branch.Tool))
	callStart := o.opts.Now()
	callResult, err := session.Invoke(ctx, branch.Tool, map[string]any{branch.ArgumentKey: argument})

	resultEvent := NewEvent(EventToolResult, r.id).
		WithBranch(branch.Name).
		WithElapsed(o.opts.Now().Sub(callStart)).
		WithPayload("tool", branch.Tool).
		WithPayload("success", err == nil)
	if err != nil {
		resultEvent = resultEvent.
			WithPayload("error_kind", string(tool.KindOf(err))).
			WithPayload("error", err.Error())
	} else {
		resultEvent = resultEvent.WithPayload("fragments", len(callResult.Fragments))
	}
	o.emit(r, resultEvent)

	return callResult, err
}

// closeSession shuts the branch server down. It runs on a context detached
// from the run deadline so an expired run still reaps its processes.
func (o *Orchestrator) closeSession(ctx context.Context, r *run, branch BranchConfig, session *tool.Session) {
	spawned := session.Done() != nil
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*o.cfg.GracePeriod+time.Second)
	defer cancel()

	start := o.opts.Now()
	err := session.Close(closeCtx)
	if !spawned {
		return
	}
	event := NewEvent(EventSessionClosed, r.id).
		WithBranch(branch.Name).
		WithElapsed(o.opts.Now().Sub(start)).
		WithPayload("pid", session.PID())
	if err != nil {
		event = event.WithPayload("error", err.Error())
		r.logger.Warn("branch session close failed", "branch", branch.Name, "error", err)
	}
	o.emit(r, event)
}

// deadlineAware reports failures caused by the run deadline as
// DeadlineExceeded even when the session saw them as a dead pipe.
func deadlineAware(ctx context.Context, branch string, err error) error {
	if ctx.Err() == nil || tool.KindOf(err) == tool.KindDeadlineExceeded {
		return err
	}
	return &tool.Error{Kind: tool.KindDeadlineExceeded, Op: branch, Err: err}
}

func (o *Orchestrator) pendingOutcome(branch BranchConfig) BranchOutcome {
	return BranchOutcome{
		Branch: branch.Name,
		Server: branch.Server.String(),
		Tool:   branch.Tool,
	}
}

func failedOutcome(outcome BranchOutcome, detail string, kind tool.Kind, elapsed time.Duration) BranchOutcome {
	outcome.Status = StatusFailed
	outcome.Detail = detail
	outcome.ErrorKind = kind
	outcome.Text = ""
	outcome.Attachments = nil
	outcome.Result = nil
	outcome.Elapsed = elapsed
	outcome.ElapsedMS = elapsed.Milliseconds()
	return outcome
}

func (o *Orchestrator) emitBranchFinished(r *run, outcome BranchOutcome) {
	event := NewEvent(EventBranchFinished, r.id).
		WithBranch(outcome.Branch).
		WithElapsed(outcome.Elapsed).
		WithPayload("status", string(outcome.Status)).
		WithPayload("tool", outcome.Tool)
	if outcome.ErrorKind != "" {
		event = event.WithPayload("error_kind", string(outcome.ErrorKind))
	}
	if outcome.Detail != "" {
		event = event.WithPayload("detail", outcome.Detail)
	}
	o.emit(r, event)
}

func (o *Orchestrator) emit(r *run, e Event) {
	e.Seq = r.seq.Next()
	if o.opts.EventHandler != nil {
		o.opts.EventHandler(e)
	}
}
