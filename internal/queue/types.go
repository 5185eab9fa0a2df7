package queue

import (
	"context"
	"errors"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

// ErrClosed is returned by Submit once Shutdown has begun.
var ErrClosed = errors.New("queue is shut down")

// RunFunc executes one request. It is expected to absorb its own errors;
// panics are recovered by the queue.
type RunFunc func(ctx context.Context, req *protocol.Request)

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Max    int `json:"max"`
}

// Observer receives a snapshot after every state change.
type Observer func(Status)
