package git

import "errors"

var (
	// ErrNotGitRepo indicates the path is not inside a git work tree.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNothingToCommit indicates there are no staged changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrDetachedHead indicates HEAD does not point at a branch.
	ErrDetachedHead = errors.New("HEAD is detached")
)

// GitError wraps a failed git invocation.
// Named GitError (not Error) to avoid collision with the builtin error interface.
type GitError struct {
	Op     string // Operation that failed (e.g., "commit", "create tag")
	Cmd    string // Git command that was run
	Output string // Captured stderr, or stdout when stderr was empty
	Err    error  // Underlying error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": git failed"
}

func (e *GitError) Unwrap() error {
	return e.Err
}
