package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const verifyTimeout = 30 * time.Second

// VerifyGitPush checks that every commit reachable from HEAD in dir has been
// pushed to branch on origin. It never returns an error: any failure is
// reported as not pushed with VerificationErrorSentinel.
func (m *Manager) VerifyGitPush(ctx context.Context, dir, branch string) PushReport {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	report, err := verifyGitPush(ctx, dir, branch)
	if err != nil {
		m.logger.Warn("push verification failed", "dir", dir, "branch", branch, "error", err)
		return PushReport{Pushed: false, UnpushedCommits: []string{VerificationErrorSentinel}}
	}
	return report
}

func verifyGitPush(ctx context.Context, dir, branch string) (PushReport, error) {
	if strings.TrimSpace(branch) == "" {
		return PushReport{}, fmt.Errorf("branch is empty")
	}

	tracking := "refs/remotes/origin/" + branch
	logArgs := []string{"log", "--format=%h %s"}
	if refExists(ctx, dir, tracking) {
		logArgs = append(logArgs, tracking+"..HEAD")
	} else {
		logArgs = append(logArgs, "HEAD", "--not", "--remotes=origin")
	}

	out, err := runGit(ctx, dir, logArgs...)
	if err != nil {
		return PushReport{}, err
	}
	if unpushed := nonEmptyLines(out); len(unpushed) > 0 {
		return PushReport{Pushed: false, UnpushedCommits: unpushed}, nil
	}

	// Nothing unpushed, but the branch also has to exist on the remote.
	_, err = runGit(ctx, dir, "ls-remote", "--exit-code", "--heads", "origin", "refs/heads/"+branch)
	if err != nil {
		// ls-remote --exit-code exits 2 when no ref matched.
		if exitCode(err) == 2 {
			return PushReport{
				Pushed:          false,
				UnpushedCommits: []string{fmt.Sprintf("(branch %s not found on remote)", branch)},
			}, nil
		}
		return PushReport{}, err
	}
	return PushReport{Pushed: true, UnpushedCommits: []string{}}, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
