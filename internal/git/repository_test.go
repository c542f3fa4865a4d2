package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRepo creates a temporary git repository with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@example.com"},
		{"git", "config", "user.name", "Test User"},
		{"git", "config", "commit.gpgsign", "false"},
		{"git", "config", "tag.gpgsign", "false"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %v\n%s", args, err, out)
		}
	}

	writeFile(t, tmpDir, "README.md", "# Test\n")
	for _, args := range [][]string{{"git", "add", "."}, {"git", "commit", "-m", "Initial commit"}} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %v\n%s", args, err, out)
		}
	}

	return tmpDir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func openTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := setupTestRepo(t)
	repo, err := Open(dir)
	require.NoError(t, err)
	return repo, dir
}

func TestOpenNotARepo(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotGitRepo))
}

func TestOpenResolvesRoot(t *testing.T) {
	dir := setupTestRepo(t)
	writeFile(t, dir, "sub/file.txt", "x")

	repo, err := Open(filepath.Join(dir, "sub"))
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(repo.Root())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCurrentBranchAndCommit(t *testing.T) {
	repo, _ := openTestRepo(t)

	branch, err := repo.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	hash, err := repo.CurrentCommit()
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	require.NoError(t, repo.Checkout(hash))
	_, err = repo.CurrentBranch()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetachedHead))
}

func TestUncommittedChangesIgnoreReservedDir(t *testing.T) {
	repo, dir := openTestRepo(t)

	dirty, err := repo.HasUncommittedChanges()
	require.NoError(t, err)
	assert.False(t, dirty)

	writeFile(t, dir, ".fsd/state/t1.json", "{}")
	dirty, err = repo.HasUncommittedChanges()
	require.NoError(t, err)
	assert.False(t, dirty, "reserved directory must not count as a change")

	writeFile(t, dir, "src/main.go", "package main\n")
	writeFile(t, dir, "README.md", "# Changed\n")
	files, err := repo.ChangedFiles("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"README.md", "src/main.go"}, files)
}

func TestCreateCommitExcludesReservedDir(t *testing.T) {
	repo, dir := openTestRepo(t)
	before, err := repo.CurrentCommit()
	require.NoError(t, err)

	writeFile(t, dir, "app.txt", "v1")
	writeFile(t, dir, ".fsd/plans/t1.json", "{}")

	hash, err := repo.CreateCommit("[Checkpoint] t1: manual", false)
	require.NoError(t, err)
	assert.NotEqual(t, before, hash)

	changed, err := repo.DiffNames(before, hash)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.txt"}, changed)

	_, err = repo.CreateCommit("again", false)
	assert.True(t, errors.Is(err, ErrNothingToCommit))

	empty, err := repo.CreateCommit("empty", true)
	require.NoError(t, err)
	assert.NotEqual(t, hash, empty)
}

func TestCommitInfo(t *testing.T) {
	repo, dir := openTestRepo(t)
	writeFile(t, dir, "a.txt", "a")
	hash, err := repo.CreateCommit("Subject line\n\nBody text", false)
	require.NoError(t, err)

	info, err := repo.CommitInfo(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, info.Hash)
	assert.Equal(t, "Test User", info.AuthorName)
	assert.Equal(t, "test@example.com", info.AuthorEmail)
	assert.Equal(t, "Subject line", info.Subject)
	assert.Equal(t, "Body text", info.Body)
	assert.False(t, info.Timestamp.IsZero())
}

func TestTags(t *testing.T) {
	repo, _ := openTestRepo(t)

	require.NoError(t, repo.CreateTag("fsd/t1/manual_1", "Checkpoint: manual"))
	require.NoError(t, repo.CreateTag("fsd/t1/manual_2", ""))
	require.NoError(t, repo.CreateTag("other", ""))

	tags, err := repo.ListTags("fsd/t1/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"fsd/t1/manual_1", "fsd/t1/manual_2"}, tags)

	require.NoError(t, repo.DeleteTag("fsd/t1/manual_1"))
	tags, err = repo.ListTags("fsd/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"fsd/t1/manual_2"}, tags)

	err = repo.DeleteTag("missing")
	var gitErr *GitError
	require.True(t, errors.As(err, &gitErr))
	assert.NotEmpty(t, gitErr.Output, "git stderr should be captured")
}

func TestResetHardAndStash(t *testing.T) {
	repo, dir := openTestRepo(t)
	base, err := repo.CurrentCommit()
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", "committed")
	_, err = repo.CreateCommit("add a", false)
	require.NoError(t, err)

	writeFile(t, dir, "b.txt", "untracked work")
	writeFile(t, dir, ".fsd/state/t1.json", "{}")

	stashed, err := repo.StashChanges("before rollback")
	require.NoError(t, err)
	assert.True(t, stashed)

	_, err = os.Stat(filepath.Join(dir, ".fsd/state/t1.json"))
	assert.NoError(t, err, "reserved directory must survive a stash")

	require.NoError(t, repo.ResetHard(base))
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err))

	stashed, err = repo.StashChanges("nothing")
	require.NoError(t, err)
	assert.False(t, stashed)

	require.NoError(t, repo.StashPop())
	data, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "untracked work", string(data))
}

func TestFileAtCommit(t *testing.T) {
	repo, _ := openTestRepo(t)
	content, err := repo.FileAtCommit("HEAD", "README.md")
	require.NoError(t, err)
	assert.Equal(t, "# Test", strings.TrimSpace(content))
}

// scriptedRunner records invocations and returns canned output.
type scriptedRunner struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func (r *scriptedRunner) Run(_ string, name string, args ...string) (string, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	key := strings.Join(args, " ")
	for prefix, err := range r.errs {
		if strings.Contains(key, prefix) {
			return "fatal: " + prefix, &CommandError{Command: name, Args: args, Output: "fatal: " + prefix, Err: err}
		}
	}
	for prefix, out := range r.outputs {
		if strings.Contains(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func TestIdentityPassedToEveryCommand(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{"--show-toplevel": "/repo"}}
	repo, err := Open(".", WithRunner(runner), WithIdentity("FSD Agent", "agent@fsd.local"))
	require.NoError(t, err)
	assert.Equal(t, "/repo", repo.Root())

	require.NoError(t, repo.CreateTag("x", "msg"))
	last := runner.calls[len(runner.calls)-1]
	assert.Equal(t, []string{"git", "-c", "user.name=FSD Agent", "-c", "user.email=agent@fsd.local", "tag", "-a", "x", "-m", "msg"}, last)
}

func TestPorcelainPathParsing(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"--show-toplevel": "/repo",
		"status":          " M README.md\n?? new file.txt\nR  old.go -> new.go\n?? \"quoted\\tname\"\n?? .fsd/x.json",
	}}
	repo, err := Open(".", WithRunner(runner))
	require.NoError(t, err)

	files, err := repo.ChangedFiles("")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "new file.txt", "new.go", "quoted\tname"}, files)
}

func TestGitErrorCarriesStderr(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string]string{"--show-toplevel": "/repo"},
		errs:    map[string]error{"reset": errors.New("exit status 128")},
	}
	repo, err := Open(".", WithRunner(runner))
	require.NoError(t, err)

	err = repo.ResetHard("abc")
	var gitErr *GitError
	require.True(t, errors.As(err, &gitErr))
	assert.Equal(t, "reset", gitErr.Op)
	assert.Equal(t, "fatal: reset", gitErr.Output)
}
