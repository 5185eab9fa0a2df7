package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Workspace kinds accepted on admission.
const (
	WorkspaceGit     = "git"
	WorkspaceTempDir = "tempdir"
	WorkspaceNone    = "none"
)

// Result statuses shared by providers and callback payloads.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is an execution request as admitted over HTTP or NATS.
// It is not mutated after admission.
type Request struct {
	ID          string         `json:"id,omitempty"`
	Prompt      string         `json:"prompt"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
	Workspace   *Workspace     `json:"workspace,omitempty"`
	Agent       AgentConfig    `json:"agent"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ExpectBranchPush reports whether the caller asked for push verification.
func (r *Request) ExpectBranchPush() bool {
	v, ok := r.Metadata["expectBranchPush"].(bool)
	return ok && v
}

// MaxTimeoutMs is the largest timeoutMs that still fits a time.Duration.
const MaxTimeoutMs = int64(math.MaxInt64 / int64(time.Millisecond))

// Timeout returns the per-request timeout, or def when none was given.
// Values beyond MaxTimeoutMs saturate instead of wrapping negative.
func (r *Request) Timeout(def time.Duration) time.Duration {
	ms := r.Agent.Limits.TimeoutMs
	if ms <= 0 {
		return def
	}
	if ms > MaxTimeoutMs {
		ms = MaxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Workspace selects how the working directory of an execution is prepared.
// A nil Workspace means the process working directory is used as-is.
type Workspace struct {
	Type string `json:"type"`

	// git
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Overlays *bool  `json:"overlays,omitempty"`

	// tempdir
	SeedFiles map[string]string `json:"seedFiles,omitempty"`
}

// Kind returns the workspace discriminant, treating nil as none.
func (w *Workspace) Kind() string {
	if w == nil || w.Type == "" {
		return WorkspaceNone
	}
	return w.Type
}

// OverlaysEnabled reports whether overlay files should be copied (default true).
func (w *Workspace) OverlaysEnabled() bool {
	if w == nil || w.Overlays == nil {
		return true
	}
	return *w.Overlays
}

// ToolMode controls which tools a provider exposes to the agent.
type ToolMode string

const (
	ToolsFull ToolMode = "full"
	ToolsList ToolMode = "list"
	ToolsNone ToolMode = "none"
)

// Tools is encoded as "all", "none" or a JSON array of tool names.
type Tools struct {
	Mode  ToolMode
	Names []string
}

func (t Tools) MarshalJSON() ([]byte, error) {
	switch t.Mode {
	case ToolsNone:
		return json.Marshal("none")
	case ToolsList:
		names := t.Names
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)
	default:
		return json.Marshal("all")
	}
}

func (t *Tools) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "all", "full", "":
			*t = Tools{Mode: ToolsFull}
		case "none":
			*t = Tools{Mode: ToolsNone}
		default:
			return fmt.Errorf("tools must be \"all\", \"none\" or a list of names (got %q)", s)
		}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("tools must be \"all\", \"none\" or a list of names")
	}
	*t = Tools{Mode: ToolsList, Names: names}
	return nil
}

// Limits bounds a single execution.
type Limits struct {
	MaxTurns     int     `json:"maxTurns,omitempty"`
	MaxBudgetUSD float64 `json:"maxBudgetUsd,omitempty"`
	TimeoutMs    int64   `json:"timeoutMs,omitempty"`
}

// AgentConfig is passed through to the provider.
type AgentConfig struct {
	Provider        string                     `json:"provider,omitempty"`
	Model           string                     `json:"model,omitempty"`
	SystemPrompt    string                     `json:"systemPrompt,omitempty"`
	Tools           *Tools                     `json:"tools,omitempty"`
	MCPServers      map[string]json.RawMessage `json:"mcpServers,omitempty"`
	OutputFormat    json.RawMessage            `json:"outputFormat,omitempty"`
	Limits          Limits                     `json:"limits"`
	DisallowedTools []string                   `json:"disallowedTools,omitempty"`
	Env             map[string]string          `json:"env,omitempty"`
	ProviderConfig  map[string]any             `json:"providerConfig,omitempty"`
}

// Usage is the resource accounting reported by a provider.
type Usage struct {
	TotalCostUSD float64 `json:"totalCostUsd"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	NumTurns     int     `json:"numTurns"`
}

// CallbackPayload is POSTed to the request's callback URL.
type CallbackPayload struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	DurationMs   int64          `json:"durationMs"`
	TotalCostUSD float64        `json:"totalCostUsd"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	NumTurns     int            `json:"numTurns"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Usage returns the accounting fields of the payload.
func (p CallbackPayload) Usage() Usage {
	return Usage{
		TotalCostUSD: p.TotalCostUSD,
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		NumTurns:     p.NumTurns,
	}
}

// AcceptedResponse acknowledges an admitted request.
type AcceptedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ProviderRequest is written to an exec provider's stdin.
type ProviderRequest struct {
	Protocol    int         `json:"protocol"`
	ExecutionID string      `json:"execution_id"`
	Prompt      string      `json:"prompt"`
	Cwd         string      `json:"cwd"`
	Agent       AgentConfig `json:"agent"`
	DeadlineAt  time.Time   `json:"deadline_at"`
}

// ProviderResponse is read from an exec provider's stdout.
type ProviderResponse struct {
	Status string     `json:"status"` // success | error
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
	Usage  Usage      `json:"usage"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a provider process.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
