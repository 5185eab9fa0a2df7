// Command agent-cli is an exec provider that wraps a headless coding-agent
// CLI. It reads a provider request on stdin, leaves working notes in the
// workspace, runs the configured command and prints a provider response.
//
// Provider config (agent.providerConfig):
//
//	command    executable to run (falls back to $AGENT_CLI_COMMAND)
//	args       argument list; {prompt} {model} {system_prompt} {max_turns}
//	           {mcp_config} are substituted. An argument that is exactly a
//	           placeholder resolving to "" is dropped together with a
//	           preceding flag. Without {prompt} the prompt goes to stdin.
//	notes_dir  workspace-relative directory for notes (default .agent-runner)
//	max_output result size cap in bytes (default 65536)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

const (
	defaultNotesDir  = ".agent-runner"
	defaultMaxOutput = 64 * 1024
)

type pluginConfig struct {
	Command   string
	Args      []string
	NotesDir  string
	MaxOutput int
}

func main() {
	resp := handle(context.Background(), os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(ctx context.Context, in io.Reader) protocol.ProviderResponse {
	var req protocol.ProviderRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err), nil)
	}
	if req.Protocol != protocol.ProviderProtocolVersion {
		return errResp(fmt.Sprintf("unsupported protocol version: %d", req.Protocol), nil)
	}

	cfg := parseConfig(req.Agent.ProviderConfig)
	if cfg.Command == "" {
		return errResp("providerConfig.command is required", nil)
	}

	var logs []protocol.LogEntry
	notes := filepath.Join(req.Cwd, cfg.NotesDir)
	mcpPath := initWorkspace(notes, req, &logs)

	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	args, promptInArgs := expandArgs(cfg.Args, map[string]string{
		"prompt":        req.Prompt,
		"model":         req.Agent.Model,
		"system_prompt": req.Agent.SystemPrompt,
		"max_turns":     intString(req.Agent.Limits.MaxTurns),
		"mcp_config":    mcpPath,
	})

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = req.Cwd
	if !promptInArgs {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		msg := describeFailure(ctx, runErr, stderr.String())
		appendDecision(notes, "failed", msg, &logs)
		return errResp(msg, logs)
	}

	result, usage, isError := parseOutput(stdout.Bytes())
	result = shorten(result, cfg.MaxOutput)
	logs = append(logs, info(fmt.Sprintf("%s finished in %s", filepath.Base(cfg.Command), elapsed.Round(time.Millisecond))))

	if isError {
		appendDecision(notes, "failed", shorten(result, 500), &logs)
		return protocol.ProviderResponse{Status: protocol.StatusError, Error: result, Usage: usage, Logs: logs}
	}
	appendDecision(notes, "completed", shorten(result, 500), &logs)
	return protocol.ProviderResponse{Status: protocol.StatusSuccess, Result: result, Usage: usage, Logs: logs}
}

func describeFailure(ctx context.Context, err error, stderr string) string {
	if ctx.Err() != nil {
		return "agent command exceeded its deadline"
	}
	tail := shorten(lastLines(stderr, 5), 2000)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if tail == "" {
			return fmt.Sprintf("agent command exited with code %d", exitErr.ExitCode())
		}
		return fmt.Sprintf("agent command exited with code %d: %s", exitErr.ExitCode(), tail)
	}
	return fmt.Sprintf("agent command failed to start: %v", err)
}

// initWorkspace writes context.md, an MCP config when servers are given and
// starts decisions.md. It returns the MCP config path ("" when none).
func initWorkspace(dir string, req protocol.ProviderRequest, logs *[]protocol.LogEntry) string {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		*logs = append(*logs, warn(fmt.Sprintf("create notes dir failed: %v", err)))
		return ""
	}
	if err := writeFile(filepath.Join(dir, "context.md"), buildContextMD(req)); err != nil {
		*logs = append(*logs, warn(fmt.Sprintf("write context.md failed: %v", err)))
	}
	_ = writeFile(filepath.Join(dir, "decisions.md"),
		fmt.Sprintf("# Decisions\n\n## %s\n- Execution %s started\n", nowISO(), req.ExecutionID))

	if len(req.Agent.MCPServers) == 0 {
		return ""
	}
	path := filepath.Join(dir, "mcp.json")
	if err := writeFile(path, prettyJSON(map[string]any{"mcpServers": req.Agent.MCPServers})); err != nil {
		*logs = append(*logs, warn(fmt.Sprintf("write mcp.json failed: %v", err)))
		return ""
	}
	return path
}

func appendDecision(dir, phase, text string, logs *[]protocol.LogEntry) {
	entry := fmt.Sprintf("\n## %s (%s)\n- %s\n", nowISO(), phase, text)
	if err := appendFile(filepath.Join(dir, "decisions.md"), entry); err != nil {
		*logs = append(*logs, warn(fmt.Sprintf("append decisions.md failed: %v", err)))
	}
}

func buildContextMD(req protocol.ProviderRequest) string {
	agent := map[string]any{
		"model":        req.Agent.Model,
		"limits":       req.Agent.Limits,
		"tools":        req.Agent.Tools,
		"disallowed":   req.Agent.DisallowedTools,
		"mcp_servers":  mapKeys(req.Agent.MCPServers),
		"deadline_at":  req.DeadlineAt,
		"execution_id": req.ExecutionID,
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n\n%s\n", req.Prompt)
	if req.Agent.SystemPrompt != "" {
		fmt.Fprintf(&b, "\n## System Prompt\n\n%s\n", req.Agent.SystemPrompt)
	}
	fmt.Fprintf(&b, "\n## Agent\n\n```json\n%s\n```\n", prettyJSON(agent))
	return b.String()
}

// expandArgs substitutes {placeholders}. It reports whether {prompt} was used.
func expandArgs(args []string, values map[string]string) ([]string, bool) {
	out := make([]string, 0, len(args))
	promptUsed := false
	for _, arg := range args {
		if strings.Contains(arg, "{prompt}") {
			promptUsed = true
		}
		if key, ok := placeholderKey(arg); ok && values[key] == "" {
			if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "-") {
				out = out[:n-1]
			}
			continue
		}
		for key, v := range values {
			arg = strings.ReplaceAll(arg, "{"+key+"}", v)
		}
		out = append(out, arg)
	}
	return out, promptUsed
}

func placeholderKey(arg string) (string, bool) {
	if len(arg) < 3 || arg[0] != '{' || arg[len(arg)-1] != '}' {
		return "", false
	}
	key := arg[1 : len(arg)-1]
	return key, !strings.ContainsAny(key, "{} ")
}

// parseOutput accepts plain text or a JSON object in the shape headless agent
// CLIs print: {"result", "is_error", "num_turns", "total_cost_usd",
// "usage": {"input_tokens", "output_tokens"}}.
func parseOutput(stdout []byte) (string, protocol.Usage, bool) {
	text := strings.TrimSpace(string(stdout))
	usage := protocol.Usage{NumTurns: 1}

	var obj map[string]any
	if !strings.HasPrefix(text, "{") || json.Unmarshal([]byte(text), &obj) != nil {
		return text, usage, false
	}

	usage.NumTurns = asInt(obj["num_turns"], 1)
	usage.TotalCostUSD = asFloat(obj["total_cost_usd"])
	if usage.TotalCostUSD == 0 {
		usage.TotalCostUSD = asFloat(obj["cost_usd"])
	}
	if u := asMap(obj["usage"]); u != nil {
		usage.InputTokens = int64(asInt(u["input_tokens"], 0))
		usage.OutputTokens = int64(asInt(u["output_tokens"], 0))
	}
	isError, _ := obj["is_error"].(bool)
	return extractOutcome(obj), usage, isError
}

func extractOutcome(m map[string]any) string {
	for _, key := range []string{"result", "summary", "content", "text"} {
		if s := asString(m[key]); s != "" {
			return s
		}
	}
	return compactJSON(m)
}

func parseConfig(cfg map[string]any) pluginConfig {
	out := pluginConfig{
		Command:   asString(cfg["command"]),
		Args:      asStringSlice(cfg["args"]),
		NotesDir:  asString(cfg["notes_dir"]),
		MaxOutput: asInt(cfg["max_output"], defaultMaxOutput),
	}
	if out.Command == "" {
		out.Command = strings.TrimSpace(os.Getenv("AGENT_CLI_COMMAND"))
	}
	if out.NotesDir == "" || filepath.IsAbs(out.NotesDir) || strings.HasPrefix(filepath.Clean(out.NotesDir), "..") {
		out.NotesDir = defaultNotesDir
	}
	return out
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func warn(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "warn", Message: msg}
}

func errResp(message string, logs []protocol.LogEntry) protocol.ProviderResponse {
	return protocol.ProviderResponse{
		Status: protocol.StatusError,
		Error:  message,
		Logs:   append(logs, protocol.LogEntry{Level: "error", Message: message}),
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return ""
	}
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		if t > 0 {
			return t
		}
	case int64:
		if t > 0 {
			return int(t)
		}
	case float64:
		if int(t) > 0 {
			return int(t)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		for _, item := range t {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func mapKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func intString(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

func prettyJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func shorten(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	if max < 4 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
