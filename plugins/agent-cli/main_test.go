package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

func requestJSON(t *testing.T, req protocol.ProviderRequest) *strings.Reader {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return strings.NewReader(string(raw))
}

func baseRequest(t *testing.T, providerConfig map[string]any) protocol.ProviderRequest {
	return protocol.ProviderRequest{
		Protocol:    protocol.ProviderProtocolVersion,
		ExecutionID: "exec-1",
		Prompt:      "summarise the repo",
		Cwd:         t.TempDir(),
		Agent: protocol.AgentConfig{
			Model:          "test-model",
			ProviderConfig: providerConfig,
		},
	}
}

func TestHandlePlainTextOutput(t *testing.T) {
	req := baseRequest(t, map[string]any{
		"command": "sh",
		"args":    []any{"-c", `printf 'did: %s' "$1"`, "sh", "{prompt}"},
	})

	resp := handle(context.Background(), requestJSON(t, req))
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "did: summarise the repo", resp.Result)
	assert.Equal(t, 1, resp.Usage.NumTurns)

	ctxMD, err := os.ReadFile(filepath.Join(req.Cwd, defaultNotesDir, "context.md"))
	require.NoError(t, err)
	assert.Contains(t, string(ctxMD), "summarise the repo")
	assert.Contains(t, string(ctxMD), "test-model")

	decisions, err := os.ReadFile(filepath.Join(req.Cwd, defaultNotesDir, "decisions.md"))
	require.NoError(t, err)
	assert.Contains(t, string(decisions), "(completed)")
}

func TestHandlePromptOnStdin(t *testing.T) {
	req := baseRequest(t, map[string]any{"command": "cat"})

	resp := handle(context.Background(), requestJSON(t, req))
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "summarise the repo", resp.Result)
}

func TestHandleJSONOutput(t *testing.T) {
	out := `{"result":"all done","num_turns":4,"total_cost_usd":0.25,"usage":{"input_tokens":100,"output_tokens":20}}`
	req := baseRequest(t, map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo '" + out + "'"},
	})

	resp := handle(context.Background(), requestJSON(t, req))
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "all done", resp.Result)
	assert.Equal(t, protocol.Usage{TotalCostUSD: 0.25, InputTokens: 100, OutputTokens: 20, NumTurns: 4}, resp.Usage)
}

func TestHandleAgentReportedError(t *testing.T) {
	req := baseRequest(t, map[string]any{
		"command": "sh",
		"args":    []any{"-c", `echo '{"is_error":true,"result":"budget exhausted"}'`},
	})

	resp := handle(context.Background(), requestJSON(t, req))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "budget exhausted", resp.Error)
}

func TestHandleFailures(t *testing.T) {
	tests := []struct {
		name    string
		input   func(t *testing.T) *strings.Reader
		wantErr string
	}{
		{
			name:    "invalid json",
			input:   func(*testing.T) *strings.Reader { return strings.NewReader("{") },
			wantErr: "invalid request JSON",
		},
		{
			name: "wrong protocol",
			input: func(t *testing.T) *strings.Reader {
				req := baseRequest(t, map[string]any{"command": "true"})
				req.Protocol = 99
				return requestJSON(t, req)
			},
			wantErr: "unsupported protocol version",
		},
		{
			name: "missing command",
			input: func(t *testing.T) *strings.Reader {
				t.Setenv("AGENT_CLI_COMMAND", "")
				return requestJSON(t, baseRequest(t, nil))
			},
			wantErr: "providerConfig.command is required",
		},
		{
			name: "non-zero exit",
			input: func(t *testing.T) *strings.Reader {
				return requestJSON(t, baseRequest(t, map[string]any{
					"command": "sh",
					"args":    []any{"-c", "echo boom >&2; exit 3"},
				}))
			},
			wantErr: "agent command exited with code 3: boom",
		},
		{
			name: "missing binary",
			input: func(t *testing.T) *strings.Reader {
				return requestJSON(t, baseRequest(t, map[string]any{"command": "/nonexistent/agent"}))
			},
			wantErr: "agent command failed to start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(context.Background(), tt.input(t))
			assert.Equal(t, protocol.StatusError, resp.Status)
			assert.Contains(t, resp.Error, tt.wantErr)
			require.NotEmpty(t, resp.Logs)
			assert.Equal(t, "error", resp.Logs[len(resp.Logs)-1].Level)
		})
	}
}

func TestHandleDeadline(t *testing.T) {
	req := baseRequest(t, map[string]any{"command": "sleep", "args": []any{"5"}})
	req.DeadlineAt = time.Now().Add(100 * time.Millisecond)

	start := time.Now()
	resp := handle(context.Background(), requestJSON(t, req))
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "agent command exceeded its deadline", resp.Error)
}

func TestMCPConfigWritten(t *testing.T) {
	req := baseRequest(t, map[string]any{
		"command": "sh",
		"args":    []any{"-c", `cat "$1"`, "sh", "{mcp_config}"},
	})
	req.Agent.MCPServers = map[string]json.RawMessage{"files": json.RawMessage(`{"command":"mcp-files"}`)}

	resp := handle(context.Background(), requestJSON(t, req))
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Error)
	assert.Contains(t, resp.Result, `"mcpServers"`)
	assert.Contains(t, resp.Result, "mcp-files")
}

func TestExpandArgs(t *testing.T) {
	values := map[string]string{"prompt": "hi", "model": "", "max_turns": "5"}

	got, used := expandArgs([]string{"-p", "{prompt}", "--model", "{model}", "--max-turns", "{max_turns}"}, values)
	assert.True(t, used)
	assert.Equal(t, []string{"-p", "hi", "--max-turns", "5"}, got)

	got, used = expandArgs([]string{"--turns={max_turns}", "run"}, values)
	assert.False(t, used)
	assert.Equal(t, []string{"--turns=5", "run"}, got)
}

func TestParseConfig(t *testing.T) {
	cfg := parseConfig(map[string]any{
		"command":    " agent ",
		"args":       []any{"a", "", 3, "b"},
		"notes_dir":  "../escape",
		"max_output": float64(10),
	})
	assert.Equal(t, "agent", cfg.Command)
	assert.Equal(t, []string{"a", "b"}, cfg.Args)
	assert.Equal(t, defaultNotesDir, cfg.NotesDir)
	assert.Equal(t, 10, cfg.MaxOutput)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 10))
	assert.Equal(t, "abcd...", shorten("abcdefghij", 7))
}
