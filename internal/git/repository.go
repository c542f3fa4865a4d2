// Package git wraps the git CLI operations the checkpoint subsystem needs.
package git

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultReservedDir is the metadata directory excluded from status,
// staging and stashes.
const DefaultReservedDir = ".fsd"

// Repository runs git commands against one working tree.
type Repository struct {
	root        string
	reservedDir string
	userName    string
	userEmail   string
	runner      CommandRunner
}

// Option configures a Repository.
type Option func(*Repository)

// WithRunner sets a custom command runner for git operations.
func WithRunner(runner CommandRunner) Option {
	return func(r *Repository) {
		r.runner = runner
	}
}

// WithReservedDir sets the repository-relative directory that git
// operations ignore. An empty dir disables the exclusion.
func WithReservedDir(dir string) Option {
	return func(r *Repository) {
		r.reservedDir = filepath.ToSlash(filepath.Clean(dir))
		if dir == "" {
			r.reservedDir = ""
		}
	}
}

// WithIdentity sets the author and committer used for commits and tags.
func WithIdentity(name, email string) Option {
	return func(r *Repository) {
		r.userName = name
		r.userEmail = email
	}
}

// Open returns a Repository anchored at the top level of the work tree
// containing path. It fails with ErrNotGitRepo outside a work tree.
func Open(path string, opts ...Option) (*Repository, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	r := &Repository{
		reservedDir: DefaultReservedDir,
		runner:      NewExecRunner(),
	}
	for _, opt := range opts {
		opt(r)
	}

	root, err := r.runner.Run(absPath, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, ErrNotGitRepo)
	}
	r.root = strings.TrimSpace(root)
	return r, nil
}

// Root returns the repository's top-level directory.
func (r *Repository) Root() string {
	return r.root
}

// ReservedDir returns the excluded metadata directory.
func (r *Repository) ReservedDir() string {
	return r.reservedDir
}

func (r *Repository) run(args ...string) (string, error) {
	full := args
	if r.userName != "" || r.userEmail != "" {
		full = make([]string, 0, len(args)+4)
		if r.userName != "" {
			full = append(full, "-c", "user.name="+r.userName)
		}
		if r.userEmail != "" {
			full = append(full, "-c", "user.email="+r.userEmail)
		}
		full = append(full, args...)
	}
	return r.runner.Run(r.root, "git", full...)
}

// runOp runs a command and wraps failures as *GitError.
func (r *Repository) runOp(op string, args ...string) (string, error) {
	out, err := r.run(args...)
	if err != nil {
		return "", &GitError{
			Op:     op,
			Cmd:    "git " + strings.Join(args, " "),
			Output: commandOutput(out, err),
			Err:    err,
		}
	}
	return out, nil
}

func commandOutput(out string, err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Output != "" {
		return cmdErr.Output
	}
	return strings.TrimSpace(out)
}

// pathspec returns the trailing pathspec arguments excluding the
// reserved directory.
func (r *Repository) pathspec() []string {
	if r.reservedDir == "" {
		return []string{"--", "."}
	}
	return []string{"--", ".", ":(exclude)" + r.reservedDir}
}

func (r *Repository) isReserved(path string) bool {
	if r.reservedDir == "" {
		return false
	}
	path = filepath.ToSlash(path)
	if path == r.reservedDir {
		return true
	}
	ok, _ := doublestar.Match(r.reservedDir+"/**", path)
	return ok
}

// CurrentBranch returns the checked-out branch. A detached HEAD is an error.
func (r *Repository) CurrentBranch() (string, error) {
	branch, err := r.runOp("get current branch", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch = strings.TrimSpace(branch)
	if branch == "HEAD" {
		return "", &GitError{Op: "get current branch", Err: ErrDetachedHead}
	}
	return branch, nil
}

// CurrentCommit returns the full hash of HEAD.
func (r *Repository) CurrentCommit() (string, error) {
	return r.ResolveRef("HEAD")
}

// ResolveRef returns the full commit hash ref points at.
func (r *Repository) ResolveRef(ref string) (string, error) {
	hash, err := r.runOp("resolve ref", "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// HasUncommittedChanges reports whether tracked or untracked files outside
// the reserved directory differ from HEAD.
func (r *Repository) HasUncommittedChanges() (bool, error) {
	files, err := r.statusFiles()
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// ChangedFiles lists changed paths. With since empty it reports the working
// tree against HEAD (including untracked files); otherwise the paths that
// differ between since and the working tree.
func (r *Repository) ChangedFiles(since string) ([]string, error) {
	if since == "" {
		return r.statusFiles()
	}
	args := append([]string{"diff", "--name-only", since}, r.pathspec()...)
	out, err := r.runOp("list changed files", args...)
	if err != nil {
		return nil, err
	}
	return r.filterReserved(splitLines(out)), nil
}

// DiffNames lists paths that differ between two commits.
func (r *Repository) DiffNames(from, to string) ([]string, error) {
	args := append([]string{"diff", "--name-only", from, to}, r.pathspec()...)
	out, err := r.runOp("diff names", args...)
	if err != nil {
		return nil, err
	}
	return r.filterReserved(splitLines(out)), nil
}

func (r *Repository) statusFiles() ([]string, error) {
	args := append([]string{"status", "--porcelain", "--untracked-files=all"}, r.pathspec()...)
	out, err := r.runOp("get status", args...)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range splitLines(out) {
		if path := porcelainPath(line); path != "" {
			files = append(files, path)
		}
	}
	return r.filterReserved(files), nil
}

// porcelainPath extracts the path from one "XY path" status line. Renames
// report the new path.
func porcelainPath(line string) string {
	if len(line) < 4 {
		return ""
	}
	path := line[3:]
	if i := strings.Index(path, " -> "); i >= 0 {
		path = path[i+4:]
	}
	if strings.HasPrefix(path, `"`) {
		if unq, err := strconv.Unquote(path); err == nil {
			path = unq
		}
	}
	return path
}

func (r *Repository) filterReserved(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if !r.isReserved(p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{}
	}
	return out
}

// CreateCommit stages changes and commits them, returning the new hash.
// With files empty every change outside the reserved directory is staged.
// Without allowEmpty a clean index returns ErrNothingToCommit.
func (r *Repository) CreateCommit(message string, allowEmpty bool, files ...string) (string, error) {
	var stage []string
	if len(files) > 0 {
		stage = append([]string{"add", "--"}, files...)
	} else {
		stage = append([]string{"add", "-A"}, r.pathspec()...)
	}
	if _, err := r.runOp("stage changes", stage...); err != nil {
		return "", err
	}

	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	out, err := r.run(args...)
	if err != nil {
		msg := commandOutput(out, err)
		if strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "nothing added to commit") {
			return "", ErrNothingToCommit
		}
		return "", &GitError{Op: "commit", Cmd: "git commit", Output: msg, Err: err}
	}
	return r.CurrentCommit()
}

// CreateTag creates a tag at HEAD, annotated when message is non-empty.
func (r *Repository) CreateTag(name, message string) error {
	args := []string{"tag", name}
	if message != "" {
		args = []string{"tag", "-a", name, "-m", message}
	}
	_, err := r.runOp("create tag", args...)
	return err
}

// DeleteTag removes a local tag.
func (r *Repository) DeleteTag(name string) error {
	_, err := r.runOp("delete tag", "tag", "-d", name)
	return err
}

// ListTags returns tags matching a glob pattern (all when empty).
func (r *Repository) ListTags(pattern string) ([]string, error) {
	args := []string{"tag", "-l"}
	if pattern != "" {
		args = append(args, pattern)
	}
	out, err := r.runOp("list tags", args...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ResetHard moves HEAD and the working tree to ref.
func (r *Repository) ResetHard(ref string) error {
	_, err := r.runOp("reset", "reset", "--hard", ref)
	return err
}

// StashChanges stashes tracked and untracked changes outside the reserved
// directory. It reports false when there was nothing to stash.
func (r *Repository) StashChanges(message string) (bool, error) {
	dirty, err := r.HasUncommittedChanges()
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	args := []string{"stash", "push", "--include-untracked"}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, r.pathspec()...)
	if _, err := r.runOp("stash", args...); err != nil {
		return false, err
	}
	return true, nil
}

// StashPop applies and drops the latest stash.
func (r *Repository) StashPop() error {
	_, err := r.runOp("stash pop", "stash", "pop")
	return err
}

// Checkout switches to ref.
func (r *Repository) Checkout(ref string) error {
	_, err := r.runOp("checkout", "checkout", ref)
	return err
}

// FileAtCommit returns a file's content at ref.
func (r *Repository) FileAtCommit(ref, path string) (string, error) {
	return r.runOp("show file", "show", ref+":"+filepath.ToSlash(path))
}

// CommitInfo describes one commit.
type CommitInfo struct {
	Hash        string
	AuthorName  string
	AuthorEmail string
	Timestamp   time.Time
	Subject     string
	Body        string
}

// CommitInfo returns details of the commit ref points at.
func (r *Repository) CommitInfo(ref string) (*CommitInfo, error) {
	out, err := r.runOp("show commit", "show", "--no-patch", "--format=%H%n%an%n%ae%n%at%n%s%n%b", ref)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(out, "\n", 6)
	if len(parts) < 5 {
		return nil, &GitError{Op: "show commit", Output: "unexpected output: " + out}
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
	if err != nil {
		return nil, &GitError{Op: "show commit", Output: "bad timestamp " + parts[3], Err: err}
	}
	info := &CommitInfo{
		Hash:        strings.TrimSpace(parts[0]),
		AuthorName:  parts[1],
		AuthorEmail: parts[2],
		Timestamp:   time.Unix(secs, 0).UTC(),
		Subject:     parts[4],
	}
	if len(parts) == 6 {
		info.Body = strings.TrimSpace(parts[5])
	}
	return info, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
