package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupReport summarizes a sweep.
type CleanupReport struct {
	DeletedDirs  int
	PrunedStores int
}

// Sweep deletes worktree directories older than olderThan and prunes the
// registrations of every bare store. Worktrees still held by an execution are
// skipped. At startup serve calls it with olderThan=0 to clear worktrees
// orphaned by a crash.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	cutoff := time.Now().Add(-olderThan)

	entries, err := os.ReadDir(m.worktreesDir())
	if err != nil {
		return report, fmt.Errorf("read worktrees directory: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, busy := m.checkedOut.Load(entry.Name()); busy {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("stat worktree %q: %w", entry.Name(), err)
		}
		if olderThan > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.worktreesDir(), entry.Name())); err != nil {
			return report, fmt.Errorf("remove worktree %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	stores, err := os.ReadDir(m.reposDir())
	if err != nil {
		return report, fmt.Errorf("read repos directory: %w", err)
	}
	for _, store := range stores {
		if !store.IsDir() || !strings.HasSuffix(store.Name(), ".git") {
			continue
		}
		slug := strings.TrimSuffix(store.Name(), ".git")
		mu := m.repoMu(slug)
		mu.Lock()
		_, err := runGit(ctx, filepath.Join(m.reposDir(), store.Name()), "worktree", "prune")
		mu.Unlock()
		if err != nil {
			m.logger.Warn("git worktree prune failed", "repo", slug, "error", err)
			continue
		}
		report.PrunedStores++
	}
	return report, nil
}
