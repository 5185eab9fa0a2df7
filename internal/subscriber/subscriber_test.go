package subscriber

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

type fakeQueue struct {
	submitted []*protocol.Request
	err       error
}

func (f *fakeQueue) Submit(req *protocol.Request) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func newSubscriber(q *fakeQueue, hub *events.Hub) *Subscriber {
	cfg := config.NATSConfig{Subject: "agent-runner.execute", QueueGroup: "agent-runner"}
	return New(cfg, q, hub, 128, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAdmitAccepted(t *testing.T) {
	q := &fakeQueue{}
	hub := events.NewHub(8)
	s := newSubscriber(q, hub)

	reply := s.admit([]byte(`{"id":"n-1","prompt":"summarise","callbackUrl":"http://cb.test/x"}`))

	var got protocol.AcceptedResponse
	require.NoError(t, json.Unmarshal(reply, &got))
	assert.Equal(t, protocol.AcceptedResponse{ID: "n-1", Status: "accepted"}, got)
	require.Len(t, q.submitted, 1)
	assert.Equal(t, "http://cb.test/x", q.submitted[0].CallbackURL)

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeAccepted, evs[0].Type)
	assert.JSONEq(t, `{"source":"nats","workspace":"none"}`, string(evs[0].Data))
}

func TestAdmitRejected(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		qErr    error
		wantErr string
	}{
		{name: "empty prompt", data: `{"prompt":""}`, wantErr: "prompt: prompt is required"},
		{name: "bad workspace", data: `{"prompt":"x","workspace":{"type":"ftp"}}`, wantErr: `workspace.type: unsupported workspace type "ftp"`},
		{name: "oversize", data: `{"prompt":"` + strings.Repeat("x", 200) + `"}`, wantErr: "request body exceeds 128 bytes"},
		{name: "closed", data: `{"prompt":"x"}`, qErr: queue.ErrClosed, wantErr: "service is shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{err: tt.qErr}
			s := newSubscriber(q, nil)

			var got errorReply
			require.NoError(t, json.Unmarshal(s.admit([]byte(tt.data)), &got))
			assert.Equal(t, tt.wantErr, got.Error)
			assert.Empty(t, q.submitted)
		})
	}
}

func TestConnectOptions(t *testing.T) {
	s := newSubscriber(&fakeQueue{}, nil)
	closed := make(chan struct{})
	opts := nats.GetDefaultOptions()
	for _, o := range s.connectOptions(closed) {
		require.NoError(t, o(&opts))
	}
	assert.Equal(t, drainTimeout, opts.DrainTimeout)
	require.NotNil(t, opts.ClosedCB)

	opts.ClosedCB(&nats.Conn{})
	select {
	case <-closed:
	default:
		t.Fatal("closed handler did not signal")
	}
}

func TestDrainWaitsForClose(t *testing.T) {
	s := newSubscriber(&fakeQueue{}, nil)
	closed := make(chan struct{})
	var handlerDone atomic.Bool

	s.drain(func() error {
		go func() {
			// An in-flight handler finishes before the connection reports closed.
			time.Sleep(50 * time.Millisecond)
			handlerDone.Store(true)
			close(closed)
		}()
		return nil
	}, func() { t.Error("connection closed early") }, closed)

	assert.True(t, handlerDone.Load())
}

func TestDrainFailureClosesConnection(t *testing.T) {
	s := newSubscriber(&fakeQueue{}, nil)
	closed := make(chan struct{})
	var closes atomic.Int32

	s.drain(func() error { return nats.ErrConnectionClosed }, func() {
		if closes.Add(1) == 1 {
			close(closed)
		}
	}, closed)

	assert.Equal(t, int32(1), closes.Load())
}
