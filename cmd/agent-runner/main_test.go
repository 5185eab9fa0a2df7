package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agent-runner/internal/callback"
	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/orchestrator"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/workspace"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-runner ")
	assert.Contains(t, out, "commit: ")

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.Version)
}

func TestShortenCommitAndBuildTime(t *testing.T) {
	assert.Equal(t, "abc", shortenCommit("abc"))
	assert.Equal(t, "0123456789ab", shortenCommit("0123456789abcdef"))

	got, ok := normalizeBuildTimeUTC("2026-03-01T10:00:00+02:00")
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T08:00:00Z", got)
	_, ok = normalizeBuildTimeUTC("yesterday")
	assert.False(t, ok)
}

func TestSlugCommand(t *testing.T) {
	out, err := runCLI(t, "slug", "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "slug: acme--widgets\nclone_url: https://github.com/acme/widgets.git\n", out)

	out, err = runCLI(t, "slug", "--git-host", "git.example.com", "acme/widgets")
	require.NoError(t, err)
	assert.Contains(t, out, "https://git.example.com/acme/widgets.git")

	_, err = runCLI(t, "slug")
	assert.Error(t, err)
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  max_concurrent: 3
workspace:
  root: `+filepath.Join(dir, "ws")+`
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    api_key: secret
`), 0o600))

	out, err := runCLI(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")
	assert.Contains(t, out, "max_concurrent: 3")
	assert.Contains(t, out, "api: enabled (127.0.0.1:9090)")
	assert.Contains(t, out, "nats: disabled")
	assert.Contains(t, out, "digest: blake3:")

	out, err = runCLI(t, "config", "get", "--config", path, "api.auth.api_key")
	require.NoError(t, err)
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "secret")

	out, err = runCLI(t, "config", "get", "--config", path, "service.max_concurrent")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("service:\n  log_level: loud\n"), 0o600))
	_, err = runCLI(t, "config", "check", "--config", bad)
	assert.ErrorContains(t, err, "service.log_level")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeRunsExecutionEndToEnd(t *testing.T) {
	callbacks := make(chan protocol.CallbackPayload, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p protocol.CallbackPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			callbacks <- p
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer cb.Close()

	dir := t.TempDir()
	addr := freeAddr(t)
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
service:
  log_level: error
  shutdown_timeout: 5s
state:
  path: %s
workspace:
  root: %s
  overlays_dir: %s
api:
  enabled: true
  listen: %s
  auth:
    api_key: test-key
`, filepath.Join(dir, "state.db"), filepath.Join(dir, "ws"), filepath.Join(dir, "overlays"), addr)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := `{"id":"e2e-1","prompt":"hello agent","callbackUrl":"` + cb.URL + `",` +
		`"workspace":{"type":"tempdir","seedFiles":{"README.md":"x"}},"metadata":{"ticket":"T-1"}}`
	req, err := http.NewRequest(http.MethodPost, base+"/execute", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case p := <-callbacks:
		assert.Equal(t, "e2e-1", p.ID)
		assert.Equal(t, "success", p.Status)
		assert.Equal(t, "hello agent", p.Result)
		assert.Equal(t, map[string]any{"ticket": "T-1"}, p.Metadata)
	case <-time.After(10 * time.Second):
		t.Fatal("callback not received")
	}

	// The history record lands after the callback is sent.
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, base+"/executions/e2e-1", nil)
		req.Header.Set("Authorization", "Bearer test-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec map[string]any
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&rec) != nil {
			return false
		}
		return rec["callbackStatus"] == float64(http.StatusNoContent)
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metricsText, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metricsText), `agent_runner_orchestrator_executions_total{outcome="success",provider="echo"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "ws", "worktrees"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelGrace(t *testing.T) {
	want := callback.DefaultTimeout + orchestrator.DefaultProviderExitGrace + workspace.DisposeTimeout
	assert.Equal(t, want, cancelGrace(0))
	assert.Equal(t, want+time.Second, cancelGrace(callback.DefaultTimeout+time.Second))
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", normalizeURL("127.0.0.1:8080"))
	assert.Equal(t, "https://runner.example.com", normalizeURL(" https://runner.example.com/ "))
}
