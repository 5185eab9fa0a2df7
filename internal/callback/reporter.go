// Package callback delivers execution results to the caller's callback URL.
//
// Delivery is a single attempt. Failures are logged and reported back to the
// caller as a Delivery record; they never change the execution's outcome.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

const (
	// DefaultTimeout bounds a single callback POST.
	DefaultTimeout = 10 * time.Second

	// DefaultSignatureHeader carries the HMAC signature when a secret is configured.
	DefaultSignatureHeader = "X-Signature-256"

	// maxErrorBody is how much of a non-2xx response body is kept for logs.
	maxErrorBody = 1024
)

// Delivery describes the outcome of one callback attempt.
type Delivery struct {
	URL        string
	Delivered  bool
	StatusCode int
	Duration   time.Duration
	Error      string
}

// Observer is notified after every delivery attempt.
type Observer func(Delivery)

// Reporter POSTs callback payloads.
type Reporter struct {
	client          *http.Client
	logger          *slog.Logger
	secret          string
	signatureHeader string
	observe         Observer
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithSigning enables HMAC signing of payloads. An empty header uses DefaultSignatureHeader.
func WithSigning(secret, header string) Option {
	return func(r *Reporter) {
		r.secret = secret
		if header != "" {
			r.signatureHeader = header
		}
	}
}

// WithObserver registers a hook called after each attempt.
func WithObserver(o Observer) Option {
	return func(r *Reporter) { r.observe = o }
}

// NewReporter creates a reporter whose requests time out after timeout.
func NewReporter(timeout time.Duration, opts ...Option) *Reporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Reporter{
		client:          &http.Client{Timeout: timeout},
		logger:          slog.Default(),
		signatureHeader: DefaultSignatureHeader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send POSTs payload to url once. It never returns an error; the outcome is
// logged and returned as a Delivery.
func (r *Reporter) Send(ctx context.Context, url string, payload protocol.CallbackPayload) Delivery {
	start := time.Now()
	d := r.send(ctx, url, payload)
	d.URL = url
	d.Duration = time.Since(start)

	logger := r.logger.With("execution_id", payload.ID, "callback_url", url)
	if d.Delivered {
		logger.Debug("callback delivered", "status_code", d.StatusCode, "duration_ms", d.Duration.Milliseconds())
	} else {
		logger.Error("callback delivery failed", "status_code", d.StatusCode, "error", d.Error)
	}

	if r.observe != nil {
		r.observe(d)
	}
	return d
}

func (r *Reporter) send(ctx context.Context, url string, payload protocol.CallbackPayload) Delivery {
	body, err := json.Marshal(payload)
	if err != nil {
		return Delivery{Error: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Delivery{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Execution-ID", payload.ID)
	if r.secret != "" {
		req.Header.Set(r.signatureHeader, Sign(body, r.secret))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Delivery{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Delivery{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("callback returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return Delivery{Delivered: true, StatusCode: resp.StatusCode}
}
