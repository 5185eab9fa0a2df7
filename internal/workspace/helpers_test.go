package workspace

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// testOrigin is a local "remote" at <tmp>/remotes/acme/widgets.git plus a
// scratch clone used to push new commits to it.
type testOrigin struct {
	URL  string
	seed string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	requireGit(t)

	base := t.TempDir()
	origin := filepath.Join(base, "remotes", "acme", "widgets.git")
	if err := os.MkdirAll(origin, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	gitCmd(t, origin, "init", "--bare")
	gitCmd(t, origin, "symbolic-ref", "HEAD", "refs/heads/main")

	seed := filepath.Join(base, "seed")
	gitCmd(t, base, "clone", origin, seed)
	writeFile(t, filepath.Join(seed, "README.md"), "widgets\n")
	gitCmd(t, seed, "add", ".")
	gitCmd(t, seed, "-c", "commit.gpgsign=false", "commit", "-m", "initial")
	gitCmd(t, seed, "push", "origin", "HEAD:refs/heads/main")

	return &testOrigin{URL: "file://" + origin, seed: seed}
}

// pushBranch commits file to a new branch on the origin.
func (o *testOrigin) pushBranch(t *testing.T, branch, file, content string) {
	t.Helper()
	gitCmd(t, o.seed, "checkout", "-B", branch, "origin/main")
	writeFile(t, filepath.Join(o.seed, file), content)
	gitCmd(t, o.seed, "add", ".")
	gitCmd(t, o.seed, "-c", "commit.gpgsign=false", "commit", "-m", "add "+file)
	gitCmd(t, o.seed, "push", "origin", "HEAD:refs/heads/"+branch)
	gitCmd(t, o.seed, "fetch", "origin")
}

func newTestManager(t *testing.T, overlaysDir string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Root:           filepath.Join(t.TempDir(), "workspaces"),
		OverlaysDir:    overlaysDir,
		TempDir:        t.TempDir(),
		CommitterName:  "agent-runner",
		CommitterEmail: "agent-runner@example.com",
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func commitFile(t *testing.T, dir, file, content string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, file), content)
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "-c", "commit.gpgsign=false", "commit", "-m", "agent: "+file)
}
