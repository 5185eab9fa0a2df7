package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/agent-runner/internal/callback"
	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/history"
	"github.com/mattjoyce/agent-runner/internal/log"
	"github.com/mattjoyce/agent-runner/internal/metrics"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/provider"
	"github.com/mattjoyce/agent-runner/internal/workspace"
)

const (
	// DefaultTimeout applies when neither the request nor the config sets one.
	DefaultTimeout = 30 * time.Minute

	// DefaultProviderExitGrace bounds how long cleanup waits for an abandoned provider.
	DefaultProviderExitGrace = 10 * time.Second
)

var errTimedOut = errors.New("execution timed out")

// Workspaces prepares and inspects execution directories.
type Workspaces interface {
	Setup(ctx context.Context, executionID string, ws *protocol.Workspace) (*workspace.Handle, error)
	LoadMCPServers(dir string) (map[string]json.RawMessage, error)
	VerifyGitPush(ctx context.Context, dir, branch string) workspace.PushReport
}

// Providers resolves a provider by name; "" selects the default.
type Providers interface {
	Resolve(name string) (provider.Provider, error)
}

// Reporter delivers the final payload.
type Reporter interface {
	Send(ctx context.Context, url string, payload protocol.CallbackPayload) callback.Delivery
}

// History persists execution outcomes.
type History interface {
	Save(ctx context.Context, rec history.Record) error
	SetCallback(ctx context.Context, id string, statusCode int, callbackErr string) error
}

// Dependencies wires an Orchestrator. Workspaces and Providers are required.
type Dependencies struct {
	Workspaces Workspaces
	Providers  Providers
	Reporter   Reporter
	History    History
	Events     *events.Hub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	DefaultTimeout    time.Duration
	ProviderExitGrace time.Duration
}

// Orchestrator runs executions. It is safe for concurrent use.
type Orchestrator struct {
	workspaces Workspaces
	providers  Providers
	reporter   Reporter
	history    History
	events     *events.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger

	defaultTimeout time.Duration
	exitGrace      time.Duration
}

// New validates deps and fills defaults.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Workspaces == nil {
		return nil, fmt.Errorf("orchestrator: workspaces are required")
	}
	if deps.Providers == nil {
		return nil, fmt.Errorf("orchestrator: providers are required")
	}
	o := &Orchestrator{
		workspaces:     deps.Workspaces,
		providers:      deps.Providers,
		reporter:       deps.Reporter,
		history:        deps.History,
		events:         deps.Events,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		defaultTimeout: deps.DefaultTimeout,
		exitGrace:      deps.ProviderExitGrace,
	}
	if o.logger == nil {
		o.logger = log.WithComponent("orchestrator")
	}
	if o.defaultTimeout <= 0 {
		o.defaultTimeout = DefaultTimeout
	}
	if o.exitGrace <= 0 {
		o.exitGrace = DefaultProviderExitGrace
	}
	return o, nil
}

// execution is the mutable per-run bookkeeping. Only the goroutine running
// Execute touches it.
type execution struct {
	req     *protocol.Request
	start   time.Time
	logger  *slog.Logger
	state   State
	outcome State
	handle  *workspace.Handle

	providerName string
	// abandoned is closed when a provider we stopped waiting for finally returns.
	abandoned <-chan struct{}
}

// Execute runs req to completion and returns the payload that was (or would
// have been) delivered to the callback URL. It never panics.
func (o *Orchestrator) Execute(ctx context.Context, req *protocol.Request) protocol.CallbackPayload {
	ex := &execution{
		req:    req,
		start:  time.Now(),
		logger: o.logger.With("execution_id", req.ID),
	}
	o.transition(ex, StateCreated)
	defer o.cleanup(ex)

	payload := o.attempt(ctx, ex)

	// Results outlive shutdown: record and deliver even if ctx was cancelled.
	detached := context.WithoutCancel(ctx)
	o.record(detached, ex, payload)
	o.deliver(detached, ex, payload)
	return payload
}

// attempt covers validation through push verification.
func (o *Orchestrator) attempt(ctx context.Context, ex *execution) (payload protocol.CallbackPayload) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("execution panicked", "panic", r, "stack", string(debug.Stack()))
			payload = o.fail(ex, StateFailed, fmt.Sprintf("internal error: %v", r), protocol.Usage{})
		}
	}()

	req := ex.req
	o.transition(ex, StateValidatingInput)
	if strings.TrimSpace(req.Prompt) == "" {
		return o.fail(ex, StateFailed, "prompt is required", protocol.Usage{})
	}

	o.transition(ex, StateSettingUpWorkspace)
	handle, err := o.workspaces.Setup(ctx, req.ID, req.Workspace)
	if err != nil {
		msg := err.Error()
		if !workspace.IsError(err) {
			// Not a preparation failure, e.g. the execution was cancelled mid-clone.
			msg = "workspace setup interrupted: " + msg
		}
		return o.fail(ex, StateFailed, msg, protocol.Usage{})
	}
	ex.handle = handle

	agent := req.Agent
	agent.MCPServers = o.mergeMCPServers(ex, handle.Dir)

	p, err := o.providers.Resolve(agent.Provider)
	if err != nil {
		return o.fail(ex, StateFailed, err.Error(), protocol.Usage{})
	}
	ex.providerName = p.Name()
	ex.logger = ex.logger.With("provider", ex.providerName)

	timeout := req.Timeout(o.defaultTimeout)
	o.transition(ex, StateRunning)
	ex.logger.Info("running provider", "cwd", handle.Dir, "timeout_ms", timeout.Milliseconds())

	res, err := o.runProvider(ctx, ex, p, provider.Invocation{
		ExecutionID: req.ID,
		Prompt:      req.Prompt,
		Cwd:         handle.Dir,
		Agent:       agent,
		Deadline:    time.Now().Add(timeout),
	}, timeout)
	switch {
	case errors.Is(err, errTimedOut):
		return o.fail(ex, StateTimedOut, fmt.Sprintf("execution timed out after %dms", timeout.Milliseconds()), protocol.Usage{})
	case err != nil:
		return o.fail(ex, StateFailed, fmt.Sprintf("provider %s: %v", ex.providerName, err), protocol.Usage{})
	case res.Status != protocol.StatusSuccess:
		msg := res.Error
		if msg == "" {
			msg = "provider reported an error"
		}
		payload = o.fail(ex, StateFailed, msg, res.Usage)
		payload.Result = res.Output
		return payload
	}

	payload = o.newPayload(ex, protocol.StatusSuccess, res.Usage)
	payload.Result = res.Output

	if shouldVerifyPush(req, handle) {
		branch := req.Workspace.Branch
		report := o.workspaces.VerifyGitPush(ctx, handle.Dir, branch)
		o.metrics.ObservePushVerification(report.Pushed)
		if !report.Pushed {
			ex.logger.Warn("provider succeeded but branch was not pushed", "branch", branch, "unpushed", report.UnpushedCommits)
			payload.Status = protocol.StatusError
			payload.Error = fmt.Sprintf("branch %s was not pushed: %s", branch, strings.Join(report.UnpushedCommits, "; "))
			o.finish(ex, StateFailed)
			return payload
		}
	}

	o.finish(ex, StateCompleted)
	return payload
}

type providerOutcome struct {
	res provider.Result
	err error
}

// runProvider races p against timeout. The provider goroutine writes into a
// buffered channel so it can always finish even after we stop listening.
func (o *Orchestrator) runProvider(ctx context.Context, ex *execution, p provider.Provider, inv provider.Invocation, timeout time.Duration) (provider.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan providerOutcome, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- providerOutcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		res, err := p.Run(runCtx, inv)
		done <- providerOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		ex.logger.Warn("provider exceeded timeout, cancelling", "timeout_ms", timeout.Milliseconds())
		ex.abandoned = finished
		return provider.Result{}, errTimedOut
	case <-ctx.Done():
		ex.logger.Warn("execution cancelled while provider was running", "error", ctx.Err())
		ex.abandoned = finished
		return provider.Result{}, fmt.Errorf("cancelled: %w", ctx.Err())
	}
}

// mergeMCPServers layers request entries over the workspace descriptor.
func (o *Orchestrator) mergeMCPServers(ex *execution, dir string) map[string]json.RawMessage {
	base, err := o.workspaces.LoadMCPServers(dir)
	if err != nil {
		ex.logger.Warn("ignoring invalid MCP descriptor", "dir", dir, "error", err)
		base = nil
	}

	merged := make(map[string]json.RawMessage, len(base)+len(ex.req.Agent.MCPServers))
	for name, spec := range base {
		merged[name] = spec
	}
	for name, spec := range ex.req.Agent.MCPServers {
		merged[name] = spec
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// shouldVerifyPush: git workspace, non-default branch requested, caller opted in.
func shouldVerifyPush(req *protocol.Request, h *workspace.Handle) bool {
	if h == nil || h.Kind != workspace.KindGit || h.Git == nil || req.Workspace == nil {
		return false
	}
	branch := req.Workspace.Branch
	return branch != "" && branch != h.Git.DefaultBranch && req.ExpectBranchPush()
}

func (o *Orchestrator) newPayload(ex *execution, status string, usage protocol.Usage) protocol.CallbackPayload {
	return protocol.CallbackPayload{
		ID:           ex.req.ID,
		Status:       status,
		DurationMs:   time.Since(ex.start).Milliseconds(),
		TotalCostUSD: usage.TotalCostUSD,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		NumTurns:     usage.NumTurns,
		Metadata:     ex.req.Metadata,
	}
}

func (o *Orchestrator) fail(ex *execution, state State, msg string, usage protocol.Usage) protocol.CallbackPayload {
	ex.logger.Error("execution failed", "state", state, "error", msg)
	payload := o.newPayload(ex, protocol.StatusError, usage)
	payload.Error = msg
	o.finish(ex, state)
	return payload
}

func (o *Orchestrator) finish(ex *execution, state State) {
	if !state.Terminal() {
		ex.logger.Error("execution finished in a non-outcome state, recording as failed", "state", state)
		state = StateFailed
	}
	ex.outcome = state
	o.transition(ex, state)
}

func (o *Orchestrator) transition(ex *execution, s State) {
	ex.state = s
	ex.logger.Debug("execution state", "state", s)
	o.events.Publish(events.TypeState, ex.req.ID, map[string]any{"state": s, "terminal": s.Terminal()})
}

// record stores the outcome and updates metrics.
func (o *Orchestrator) record(ctx context.Context, ex *execution, payload protocol.CallbackPayload) {
	ex.logger.Info("execution finished",
		"status", payload.Status,
		"outcome", ex.outcome,
		"duration_ms", payload.DurationMs,
		"total_cost_usd", payload.TotalCostUSD,
		"num_turns", payload.NumTurns,
	)
	o.metrics.ObserveExecution(ex.outcome.outcome(), ex.providerName, time.Since(ex.start))
	o.events.Publish(events.TypeFinished, ex.req.ID, payload)

	if o.history == nil {
		return
	}
	if err := o.history.Save(ctx, history.NewRecord(ex.req, ex.providerName, payload, ex.start)); err != nil {
		ex.logger.Error("failed to record execution history", "error", err)
	}
}

// deliver sends the callback if one was requested. Failures are logged only.
func (o *Orchestrator) deliver(ctx context.Context, ex *execution, payload protocol.CallbackPayload) {
	url := ex.req.CallbackURL
	if url == "" {
		return
	}
	if o.reporter == nil {
		ex.logger.Warn("callback requested but no reporter is configured", "callback_url", url)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("callback delivery panicked", "panic", r)
		}
	}()

	d := o.reporter.Send(ctx, url, payload)
	o.events.Publish(events.TypeCallback, ex.req.ID, map[string]any{
		"delivered":  d.Delivered,
		"statusCode": d.StatusCode,
		"error":      d.Error,
	})
	if o.history != nil {
		if err := o.history.SetCallback(ctx, ex.req.ID, d.StatusCode, d.Error); err != nil {
			ex.logger.Warn("failed to record callback outcome", "error", err)
		}
	}
}

// cleanup releases the workspace exactly once on every path.
func (o *Orchestrator) cleanup(ex *execution) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("workspace cleanup panicked", "panic", r)
		}
		o.transition(ex, StateDone)
	}()

	o.transition(ex, StateCleaningUp)
	if ex.abandoned != nil && ex.handle != nil {
		grace := time.NewTimer(o.exitGrace)
		select {
		case <-ex.abandoned:
		case <-grace.C:
			ex.logger.Warn("provider still running at cleanup, releasing workspace anyway", "grace", o.exitGrace)
		}
		grace.Stop()
	}
	ex.handle.Release()
}
