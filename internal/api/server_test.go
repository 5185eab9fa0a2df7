package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agent-runner/internal/auth"
	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/history"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []*protocol.Request
	err       error
	status    queue.Status
}

func (f *fakeQueue) Submit(req *protocol.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeQueue) Status() queue.Status { return f.status }

type fakeHistory map[string]*history.Record

func (f fakeHistory) Get(_ context.Context, id string) (*history.Record, error) {
	rec, ok := f[id]
	if !ok {
		return nil, history.ErrNotFound
	}
	return rec, nil
}

func newTestServer(t *testing.T, q *fakeQueue, hub *events.Hub) *Server {
	t.Helper()
	cfg := Config{
		Listen:      "127.0.0.1:0",
		APIKey:      "admin-key",
		MaxBodySize: 256,
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeExecutionsRead}},
			{Token: "submitter", Scopes: []string{auth.ScopeExecute}},
		},
	}
	hist := fakeHistory{"exec-1": {ID: "exec-1", Status: "success", Result: "done"}}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "agent_runner_queue_active 0\n")
	})
	return New(cfg, q, hist, hub, metricsHandler, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthz(t *testing.T) {
	q := &fakeQueue{status: queue.Status{Active: 1, Queued: 2, Max: 3}}
	s := newTestServer(t, q, nil)
	s.startedAt = time.Now().Add(-90 * time.Second)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"active": float64(1), "queued": float64(2), "max": float64(3)}, body["queue"])
	assert.InDelta(t, 90, body["uptimeSeconds"], 2)
}

func TestExecuteAccepted(t *testing.T) {
	q := &fakeQueue{}
	hub := events.NewHub(16)
	s := newTestServer(t, q, hub)

	rec := do(t, s.Handler(), http.MethodPost, "/execute", "submitter",
		`{"id":"job-7","prompt":"fix the bug","workspace":{"type":"tempdir"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body protocol.AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, protocol.AcceptedResponse{ID: "job-7", Status: "accepted"}, body)

	require.Len(t, q.submitted, 1)
	assert.Equal(t, "fix the bug", q.submitted[0].Prompt)

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeAccepted, evs[0].Type)
	assert.Equal(t, "job-7", evs[0].ExecutionID)
}

func TestExecuteAssignsID(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, q, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/execute", "admin-key", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body protocol.AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ID)
	require.Len(t, q.submitted, 1)
	assert.Equal(t, body.ID, q.submitted[0].ID)
}

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		body     string
		queueErr error
		wantCode int
		wantErr  string
	}{
		{name: "missing token", body: `{"prompt":"x"}`, wantCode: http.StatusUnauthorized, wantErr: "missing Authorization header"},
		{name: "bad token", token: "wrong", body: `{"prompt":"x"}`, wantCode: http.StatusUnauthorized, wantErr: "invalid API key"},
		{name: "read-only token", token: "reader", body: `{"prompt":"x"}`, wantCode: http.StatusForbidden, wantErr: "insufficient scope"},
		{name: "empty prompt", token: "submitter", body: `{"prompt":"  "}`, wantCode: http.StatusBadRequest, wantErr: "prompt: prompt is required"},
		{name: "missing prompt", token: "submitter", body: `{}`, wantCode: http.StatusBadRequest, wantErr: "prompt: prompt is required"},
		{name: "unsupported workspace", token: "submitter", body: `{"prompt":"x","workspace":{"type":"svn"}}`, wantCode: http.StatusBadRequest, wantErr: `workspace.type: unsupported workspace type "svn"`},
		{name: "malformed json", token: "submitter", body: `{"prompt":`, wantCode: http.StatusBadRequest},
		{name: "too large", token: "submitter", body: `{"prompt":"` + strings.Repeat("a", 300) + `"}`, wantCode: http.StatusRequestEntityTooLarge, wantErr: "request body exceeds 256 bytes"},
		{name: "shutting down", token: "submitter", body: `{"prompt":"x"}`, queueErr: queue.ErrClosed, wantCode: http.StatusServiceUnavailable, wantErr: "service is shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{err: tt.queueErr}
			s := newTestServer(t, q, nil)

			rec := do(t, s.Handler(), http.MethodPost, "/execute", tt.token, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			msg := decodeError(t, rec)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, msg)
			} else {
				assert.NotEmpty(t, msg)
			}
			assert.Empty(t, q.submitted)
		})
	}
}

func TestExecuteBodyAtLimit(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, q, nil)

	body := `{"prompt":"` + strings.Repeat("a", 256-len(`{"prompt":""}`)) + `"}`
	require.Len(t, body, 256)
	rec := do(t, s.Handler(), http.MethodPost, "/execute", "submitter", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDefaultMaxBodySize(t *testing.T) {
	s := New(Config{}, &fakeQueue{}, nil, nil, nil, nil)
	assert.Equal(t, int64(1<<20), s.config.MaxBodySize)
}

func TestGetExecution(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/executions/exec-1", "reader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "done", got.Result)

	// execute implies executions:ro
	rec = do(t, h, http.MethodGet, "/executions/exec-1", "submitter", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/executions/missing", "reader", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "execution not found", decodeError(t, rec))

	rec = do(t, h, http.MethodGet, "/executions/exec-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetExecutionWithoutHistory(t *testing.T) {
	s := New(Config{APIKey: "k"}, &fakeQueue{}, nil, nil, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/executions/x", "k", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsAndOpenAPIAreOpen(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent_runner_queue_active")

	rec = do(t, h, http.MethodGet, "/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/execute", "/healthz", "/executions/{executionID}", "/events", "/metrics"} {
		assert.Contains(t, paths, p)
	}
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeAccepted, "a", nil)
	hub.Publish(events.TypeAccepted, "b", nil)

	s := newTestServer(t, &fakeQueue{}, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?execution=b", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer reader")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var got []events.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(got) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		got = append(got, ev)
		if len(got) == 1 {
			// The replayed event arrives after the handler subscribed.
			hub.Publish(events.TypeFinished, "a", nil)
			hub.Publish(events.TypeFinished, "b", map[string]string{"status": "success"})
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.TypeAccepted, got[0].Type)
	assert.Equal(t, "b", got[0].ExecutionID)
	assert.Equal(t, events.TypeFinished, got[1].Type)
	assert.Equal(t, "b", got[1].ExecutionID)
	assert.JSONEq(t, `{"status":"success"}`, string(got[1].Data))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestStartStopsOnCancel(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
