package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

// Config holds the filesystem layout and git identity used by the Manager.
type Config struct {
	// Root holds repos/<slug>.git bare stores and worktrees/<slug>-<uuid>.
	Root           string
	OverlaysDir    string
	TempDir        string
	GitHost        string
	CommitterName  string
	CommitterEmail string
	MCPFile        string
}

// SetupObserver is told how long each Setup took and whether it failed.
type SetupObserver func(kind string, elapsed time.Duration, err error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the Manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSetupObserver registers a callback invoked after every Setup.
func WithSetupObserver(fn SetupObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// Manager prepares and disposes of per-execution working directories.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	observe SetupObserver

	// repoMus maps slug -> *sync.Mutex so that clone, fetch and worktree
	// bookkeeping never run concurrently against the same bare store.
	repoMus sync.Map

	// checkedOut holds the base names of worktrees not yet released; Sweep
	// never touches them.
	checkedOut sync.Map
}

// NewManager creates the cache directories under cfg.Root.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	cfg.Root = root
	if cfg.OverlaysDir != "" {
		if abs, err := filepath.Abs(cfg.OverlaysDir); err == nil {
			cfg.OverlaysDir = abs
		}
	}
	if cfg.MCPFile == "" {
		cfg.MCPFile = ".mcp.json"
	}

	m := &Manager{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}

	for _, dir := range []string{m.reposDir(), m.worktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace directory %q: %w", dir, err)
		}
	}
	return m, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.cfg.Root }

func (m *Manager) reposDir() string     { return filepath.Join(m.cfg.Root, "repos") }
func (m *Manager) worktreesDir() string { return filepath.Join(m.cfg.Root, "worktrees") }

// repoMu returns (or lazily creates) the mutex for a repository slug.
func (m *Manager) repoMu(slug string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(slug, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// Setup prepares the working directory for one execution. Failures are *Error.
// The returned Handle must be released exactly once.
func (m *Manager) Setup(ctx context.Context, executionID string, ws *protocol.Workspace) (*Handle, error) {
	start := time.Now()
	kind := ws.Kind()

	var (
		h   *Handle
		err error
	)
	switch kind {
	case protocol.WorkspaceGit:
		h, err = m.setupGit(ctx, executionID, ws)
	case protocol.WorkspaceTempDir:
		h, err = m.setupTempDir(ws.SeedFiles)
	case protocol.WorkspaceNone:
		h, err = m.setupNone()
	default:
		err = &Error{Op: "setup", Err: fmt.Errorf("unsupported workspace type %q", kind)}
	}

	if m.observe != nil {
		m.observe(kind, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Debug("workspace ready", "execution_id", executionID, "kind", kind, "dir", h.Dir)
	return h, nil
}

func (m *Manager) setupNone() (*Handle, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, &Error{Op: "resolve working directory", Err: err}
	}
	return NewHandle(cwd, KindNone, nil), nil
}
