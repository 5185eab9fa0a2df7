package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/mattjoyce/agent-runner/internal/provider Provider

// ErrUnknownProvider is returned by Resolve for names with no registered provider.
var ErrUnknownProvider = errors.New("unknown provider")

// Invocation is everything a provider needs to run one execution.
type Invocation struct {
	ExecutionID string
	Prompt      string
	Cwd         string
	// Agent carries the merged MCP server set, not the raw request's.
	Agent    protocol.AgentConfig
	Deadline time.Time
}

// Result is a provider's report of a finished run.
type Result struct {
	Status string // protocol.StatusSuccess | protocol.StatusError
	Output string
	Error  string
	Usage  protocol.Usage
}

// Provider runs an agent against a prepared working directory.
// Run must return promptly once ctx is cancelled.
type Provider interface {
	Name() string
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Registry holds providers indexed by name.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry whose Resolve("") returns defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Register adds p under its Name.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve returns the named provider, or the default when name is empty.
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds a registry from the providers section of the config.
func FromConfig(cfg config.ProvidersConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(cfg.Default)
	for name, conf := range cfg.Entries {
		var p Provider
		switch conf.Type {
		case "exec":
			p = NewExec(name, conf, logger)
		case "echo":
			p = NewEcho(name)
		default:
			return nil, fmt.Errorf("provider %q: unsupported type %q", name, conf.Type)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	if _, ok := reg.Get(cfg.Default); !ok {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.Default)
	}
	return reg, nil
}
