package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

func bufferedLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestSendDeliversPayload(t *testing.T) {
	var got protocol.CallbackPayload
	var contentType, execID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		execID = r.Header.Get("X-Execution-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	logger, _ := bufferedLogger()
	var observed []Delivery
	r := NewReporter(time.Second, WithLogger(logger), WithObserver(func(d Delivery) { observed = append(observed, d) }))

	payload := protocol.CallbackPayload{ID: "exec-1", Status: protocol.StatusSuccess, DurationMs: 42, Result: "done", NumTurns: 2}
	d := r.Send(context.Background(), srv.URL, payload)

	assert.True(t, d.Delivered)
	assert.Equal(t, http.StatusNoContent, d.StatusCode)
	assert.Equal(t, payload, got)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "exec-1", execID)
	require.Len(t, observed, 1)
	assert.Equal(t, srv.URL, observed[0].URL)
}

func TestSendServerErrorIsOnlyLogged(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "database on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger, buf := bufferedLogger()
	r := NewReporter(time.Second, WithLogger(logger))

	d := r.Send(context.Background(), srv.URL, protocol.CallbackPayload{ID: "exec-1", Status: protocol.StatusError})

	assert.False(t, d.Delivered)
	assert.Equal(t, http.StatusInternalServerError, d.StatusCode)
	assert.Contains(t, d.Error, "HTTP 500")
	assert.Contains(t, d.Error, "database on fire")
	assert.Equal(t, 1, calls, "callbacks are never retried")
	assert.Contains(t, buf.String(), "callback delivery failed")
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	logger, _ := bufferedLogger()
	d := NewReporter(time.Second, WithLogger(logger)).Send(context.Background(), url, protocol.CallbackPayload{ID: "exec-1"})
	assert.False(t, d.Delivered)
	assert.Zero(t, d.StatusCode)
	assert.NotEmpty(t, d.Error)
}

func TestSendTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	logger, _ := bufferedLogger()
	start := time.Now()
	d := NewReporter(50*time.Millisecond, WithLogger(logger)).Send(context.Background(), srv.URL, protocol.CallbackPayload{ID: "exec-1"})
	assert.False(t, d.Delivered)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendSignsPayload(t *testing.T) {
	var body []byte
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Runner-Signature")
	}))
	defer srv.Close()

	logger, _ := bufferedLogger()
	r := NewReporter(time.Second, WithLogger(logger), WithSigning("s3cret", "X-Runner-Signature"))
	d := r.Send(context.Background(), srv.URL, protocol.CallbackPayload{ID: "exec-1", Status: protocol.StatusSuccess})

	require.True(t, d.Delivered)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSign(t *testing.T) {
	body := []byte(`{"id":"exec-1"}`)

	assert.Equal(t, "sha256=82d4d87b948e2c42ae282ca153dea69db00c5108baba62f12d60210062e3a767", Sign(body, "key"))
	assert.NotEqual(t, Sign(body, "key"), Sign(body, "other"))
	assert.NotEqual(t, Sign(body, "key"), Sign([]byte(`{"id":"exec-2"}`), "key"))
}
