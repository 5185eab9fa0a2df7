package provider

import (
	"context"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

// Echo returns the prompt as its output. It is used for smoke tests and dry runs.
type Echo struct {
	name string
}

// NewEcho creates an echo provider registered under name.
func NewEcho(name string) *Echo {
	if name == "" {
		name = "echo"
	}
	return &Echo{name: name}
}

func (e *Echo) Name() string { return e.name }

func (e *Echo) Run(ctx context.Context, inv Invocation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Status: protocol.StatusSuccess,
		Output: inv.Prompt,
		Usage:  protocol.Usage{NumTurns: 1},
	}, nil
}
