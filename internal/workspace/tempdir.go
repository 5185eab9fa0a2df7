package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

func (m *Manager) setupTempDir(seedFiles map[string]string) (*Handle, error) {
	if m.cfg.TempDir != "" {
		if err := os.MkdirAll(m.cfg.TempDir, 0o755); err != nil {
			return nil, &Error{Op: "create temp directory", Err: err}
		}
	}
	dir, err := os.MkdirTemp(m.cfg.TempDir, "agent-exec-*")
	if err != nil {
		return nil, &Error{Op: "create temp directory", Err: err}
	}

	if err := writeSeedFiles(dir, seedFiles); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &Error{Op: "write seed files", Err: err}
	}

	return NewHandle(dir, KindTempDir, func() {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("failed to remove temp workspace", "dir", dir, "error", err)
		}
	}), nil
}

func writeSeedFiles(dir string, seedFiles map[string]string) error {
	for name, content := range seedFiles {
		if err := protocol.ValidateSeedPath(name); err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.Clean(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent of %q: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %q: %w", name, err)
		}
	}
	return nil
}
