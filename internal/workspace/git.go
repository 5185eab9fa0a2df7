package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

// DisposeTimeout bounds worktree removal, which runs after the execution context is gone.
const DisposeTimeout = 2 * time.Minute

func (m *Manager) setupGit(ctx context.Context, executionID string, ws *protocol.Workspace) (*Handle, error) {
	slug, err := RepoSlug(ws.Repo)
	if err != nil {
		return nil, &Error{Op: "resolve repository", Err: err}
	}
	cloneURL, err := CloneURL(ws.Repo, m.cfg.GitHost)
	if err != nil {
		return nil, &Error{Op: "resolve repository", Err: err}
	}

	h, err := m.checkoutWorktree(ctx, executionID, slug, cloneURL, ws.Branch)
	if err != nil {
		return nil, err
	}

	if ws.OverlaysEnabled() && m.cfg.OverlaysDir != "" {
		src := filepath.Join(m.cfg.OverlaysDir, slug)
		if err := applyOverlay(ctx, src, h.Dir); err != nil {
			h.Release()
			return nil, &Error{Op: "apply overlay", Err: err}
		}
	}
	return h, nil
}

// checkoutWorktree holds the slug lock while it refreshes the bare store and
// registers a new detached worktree against it.
func (m *Manager) checkoutWorktree(ctx context.Context, executionID, slug, cloneURL, branch string) (*Handle, error) {
	mu := m.repoMu(slug)
	mu.Lock()
	defer mu.Unlock()

	bare, err := m.ensureBare(ctx, slug, cloneURL)
	if err != nil {
		return nil, err
	}
	// Worktrees share the bare store's config, so the identity set here is
	// what every worktree of this repository commits as.
	if err := m.configureIdentity(ctx, bare); err != nil {
		return nil, &Error{Op: "configure identity", Err: err}
	}

	info := &GitInfo{Slug: slug, RequestedBranch: branch, DefaultBranch: m.defaultBranch(ctx, bare)}
	info.Ref, info.FellBack, err = m.resolveRef(ctx, bare, branch, info.DefaultBranch)
	if err != nil {
		return nil, &Error{Op: "resolve branch", Err: err}
	}
	if info.FellBack {
		m.logger.Warn("requested branch not found, using default branch",
			"execution_id", executionID,
			"repo", slug,
			"branch", branch,
			"default_branch", info.DefaultBranch,
		)
	}

	if _, err := runGit(ctx, bare, "worktree", "prune"); err != nil {
		m.logger.Warn("git worktree prune failed", "repo", slug, "error", err)
	}

	dir := filepath.Join(m.worktreesDir(), slug+"-"+uuid.NewString())
	name := filepath.Base(dir)
	m.checkedOut.Store(name, struct{}{})
	if _, err := runGit(ctx, bare, "worktree", "add", "--detach", dir, info.Ref); err != nil {
		_ = os.RemoveAll(dir)
		m.checkedOut.Delete(name)
		return nil, &Error{Op: "create worktree", Err: err}
	}

	h := NewHandle(dir, KindGit, func() {
		m.removeWorktree(slug, bare, dir)
		m.checkedOut.Delete(name)
	})
	h.Git = info

	m.logger.Info("worktree created",
		"execution_id", executionID,
		"repo", slug,
		"ref", info.Ref,
		"dir", dir,
	)
	return h, nil
}

// ensureBare clones the bare store on first use and fetches it afterwards.
// Callers hold the slug lock.
func (m *Manager) ensureBare(ctx context.Context, slug, cloneURL string) (string, error) {
	bare := filepath.Join(m.reposDir(), slug+".git")

	if info, err := os.Stat(filepath.Join(bare, "HEAD")); err == nil && !info.IsDir() {
		m.logger.Debug("repository cached, fetching", "repo", slug)
		if _, err := runGit(ctx, bare, "fetch", "--all", "--prune"); err != nil {
			m.logger.Warn("git fetch failed (using cached refs)", "repo", slug, "error", err)
		}
		return bare, nil
	}

	m.logger.Info("cloning repository", "repo", slug, "url", redactURL(cloneURL))
	_ = os.RemoveAll(bare)
	if _, err := runGit(ctx, "", "clone", "--bare", cloneURL, bare); err != nil {
		_ = os.RemoveAll(bare)
		return "", &Error{Op: "clone", Err: err}
	}

	// A bare clone has no fetch refspec; map branches to origin/* so fetches keep
	// remote-tracking refs current and pushes from worktrees update them.
	steps := [][]string{
		{"config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"},
		{"fetch", "origin", "--prune"},
	}
	for _, args := range steps {
		if _, err := runGit(ctx, bare, args...); err != nil {
			_ = os.RemoveAll(bare)
			return "", &Error{Op: "clone", Err: err}
		}
	}
	return bare, nil
}

func (m *Manager) configureIdentity(ctx context.Context, bare string) error {
	settings := [][2]string{
		{"user.name", m.cfg.CommitterName},
		{"user.email", m.cfg.CommitterEmail},
	}
	for _, kv := range settings {
		if kv[1] == "" {
			continue
		}
		if _, err := runGit(ctx, bare, "config", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) defaultBranch(ctx context.Context, bare string) string {
	out, err := runGit(ctx, bare, "symbolic-ref", "--short", "HEAD")
	if err != nil || out == "" {
		return "main"
	}
	return out
}

// resolveRef picks the revision for branch, falling back to the default branch.
func (m *Manager) resolveRef(ctx context.Context, bare, branch, defaultBranch string) (string, bool, error) {
	candidates := func(b string) []string {
		return []string{"refs/remotes/origin/" + b, "refs/heads/" + b}
	}

	if branch != "" {
		for _, ref := range candidates(branch) {
			if refExists(ctx, bare, ref) {
				return ref, false, nil
			}
		}
	}
	for _, ref := range candidates(defaultBranch) {
		if refExists(ctx, bare, ref) {
			return ref, branch != "", nil
		}
	}
	return "", false, fmt.Errorf("neither branch %q nor default branch %q exist", branch, defaultBranch)
}

// removeWorktree never fails: a worktree git refuses to remove is deleted from
// disk and its registration pruned.
func (m *Manager) removeWorktree(slug, bare, dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), DisposeTimeout)
	defer cancel()

	mu := m.repoMu(slug)
	mu.Lock()
	defer mu.Unlock()

	_, err := runGit(ctx, bare, "worktree", "remove", "--force", dir)
	if err == nil {
		m.logger.Debug("worktree removed", "dir", dir)
		return
	}
	m.logger.Warn("git worktree remove failed, deleting directory", "dir", dir, "error", err)

	if err := os.RemoveAll(dir); err != nil {
		m.logger.Error("failed to delete worktree directory", "dir", dir, "error", err)
	}
	if _, err := runGit(ctx, bare, "worktree", "prune"); err != nil {
		m.logger.Warn("git worktree prune failed", "repo", slug, "error", err)
	}
}
