package workspace

import (
	"errors"
	"sync"
)

// Kind identifies which strategy produced a Handle.
type Kind string

const (
	KindGit     Kind = "git"
	KindTempDir Kind = "tempdir"
	KindNone    Kind = "none"
)

// GitInfo describes how a git-backed workspace was resolved.
type GitInfo struct {
	Slug            string
	RequestedBranch string
	DefaultBranch   string
	// Ref is the revision the worktree was checked out at.
	Ref string
	// FellBack is set when the requested branch did not exist.
	FellBack bool
}

// Handle is an execution's working directory plus the action that disposes of it.
// Release must be called exactly once per execution; later calls are no-ops.
type Handle struct {
	Dir  string
	Kind Kind
	Git  *GitInfo

	once    sync.Once
	release func()
}

// NewHandle wraps dir with a disposal action. A nil release is a no-op.
func NewHandle(dir string, kind Kind, release func()) *Handle {
	return &Handle{Dir: dir, Kind: kind, release: release}
}

// Release runs the disposal action once. It never panics or returns an error.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// PushReport is the outcome of VerifyGitPush.
type PushReport struct {
	Pushed          bool
	UnpushedCommits []string
}

// VerificationErrorSentinel is reported when push verification itself fails.
const VerificationErrorSentinel = "(verification error)"

// Error is returned when a workspace cannot be prepared.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "workspace " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is a workspace preparation failure.
func IsError(err error) bool {
	var we *Error
	return errors.As(err, &we)
}
