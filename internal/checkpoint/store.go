package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/git"
	"github.com/randalmurphal/fsd/internal/meta"
	"github.com/randalmurphal/fsd/internal/util"
)

// Subdir is the directory under the state root holding checkpoint metadata.
const Subdir = "checkpoints"

// DefaultSlowThreshold is the creation time above which a warning is logged.
const DefaultSlowThreshold = time.Second

// ErrNotFound is returned when a checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Repo is the subset of git operations checkpoints rely on.
type Repo interface {
	CurrentBranch() (string, error)
	CurrentCommit() (string, error)
	ChangedFiles(since string) ([]string, error)
	CreateCommit(message string, allowEmpty bool, files ...string) (string, error)
	CreateTag(name, message string) error
	DeleteTag(name string) error
	ResetHard(ref string) error
	StashChanges(message string) (bool, error)
}

var _ Repo = (*git.Repository)(nil)

// Store creates, lists and restores checkpoints. A single mutex serializes
// every mutating operation across all tasks because they share one
// working tree.
type Store struct {
	mu     sync.Mutex
	repo   Repo
	dir    string
	starts map[string]time.Time

	tagNamespace  string
	createTags    bool
	slowThreshold time.Duration
	logger        *slog.Logger
	now           func() time.Time
	suffix        func() int
}

// Option configures a Store.
type Option func(*Store)

// WithTagNamespace sets the first component of checkpoint tag names.
func WithTagNamespace(ns string) Option {
	return func(s *Store) {
		s.tagNamespace = ns
	}
}

// WithTags enables or disables git tags for new checkpoints.
func WithTags(enabled bool) Option {
	return func(s *Store) {
		s.createTags = enabled
	}
}

// WithSlowThreshold sets the creation time above which a warning is logged.
func WithSlowThreshold(d time.Duration) Option {
	return func(s *Store) {
		s.slowThreshold = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store writing metadata under {stateDir}/checkpoints.
func NewStore(repo Repo, stateDir string, opts ...Option) *Store {
	s := &Store{
		repo:          repo,
		dir:           filepath.Join(stateDir, Subdir),
		starts:        make(map[string]time.Time),
		tagNamespace:  "fsd",
		createTags:    true,
		slowThreshold: DefaultSlowThreshold,
		logger:        slog.Default(),
		now:           time.Now,
		suffix:        func() int { return 1000 + rand.Intn(9000) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.dir, sanitize(taskID))
}

func (s *Store) metadataPath(taskID, checkpointID string) string {
	return filepath.Join(s.taskDir(taskID), checkpointID+".json")
}

// TagName returns the git tag for a checkpoint.
func (s *Store) TagName(taskID, checkpointID string) string {
	return fmt.Sprintf("%s/%s/%s", s.tagNamespace, taskID, checkpointID)
}

// MarkTaskStart records the reference time for elapsed-time tracking.
func (s *Store) MarkTaskStart(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts[taskID] = s.now()
}

func (s *Store) newID(taskID string, typ Type) string {
	for {
		id := fmt.Sprintf("%s_%s_%d", typ, s.now().UTC().Format("20060102_150405"), s.suffix())
		if _, err := os.Stat(s.metadataPath(taskID, id)); errors.Is(err, os.ErrNotExist) {
			return id
		}
	}
}

// Create snapshots the working tree. A dirty tree is committed as
// "[Checkpoint] {task}: {type}"; a clean tree reuses HEAD and records
// new_commit_created=false.
func (s *Store) Create(taskID string, typ Type, opts CreateOptions) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	id := s.newID(taskID, typ)

	branch, err := s.repo.CurrentBranch()
	if err != nil {
		if !errors.Is(err, git.ErrDetachedHead) {
			return nil, fsderrors.ErrCheckpoint("create", taskID, err)
		}
		branch = "HEAD"
	}

	files, err := s.repo.ChangedFiles("")
	if err != nil {
		return nil, fsderrors.ErrCheckpoint("create", taskID, err)
	}

	var hash string
	newCommit := false
	if len(files) > 0 {
		msg := fmt.Sprintf("[Checkpoint] %s: %s", taskID, typ)
		if opts.Description != "" {
			msg += "\n\n" + opts.Description
		}
		hash, err = s.repo.CreateCommit(msg, false)
		switch {
		case err == nil:
			newCommit = true
		case errors.Is(err, git.ErrNothingToCommit):
			files = []string{}
		default:
			return nil, fsderrors.ErrCheckpoint("create", taskID, err)
		}
	}
	if !newCommit {
		if hash, err = s.repo.CurrentCommit(); err != nil {
			return nil, fsderrors.ErrCheckpoint("create", taskID, err)
		}
	}

	var tag string
	if s.createTags && !opts.NoTag {
		tag = s.TagName(taskID, id)
		label := opts.Description
		if label == "" {
			label = string(typ)
		}
		if err := s.repo.CreateTag(tag, "Checkpoint: "+label); err != nil {
			return nil, fsderrors.ErrCheckpoint("tag", taskID, err)
		}
	}

	created := s.now().UTC().Round(0)
	cp := &Metadata{
		CheckpointID: id,
		TaskID:       taskID,
		Type:         typ,
		CommitHash:   hash,
		Branch:       branch,
		Tag:          tag,
		StepNumber:   opts.StepNumber,
		StateLabel:   opts.StateLabel,
		FilesChanged: files,
		TestResults:  opts.TestResults.Clone(),
		ErrorInfo:    opts.ErrorInfo.Clone(),
		Description:  opts.Description,
		CreatedAt:    created,
		Metadata:     opts.Metadata.Merge(meta.Map{MetaNewCommitCreated: meta.Bool(newCommit)}),
	}
	if start, ok := s.starts[taskID]; ok {
		cp.ElapsedSeconds = created.Sub(start).Seconds()
	}

	if err := util.AtomicWriteJSON(s.metadataPath(taskID, id), cp); err != nil {
		return nil, fsderrors.ErrCheckpoint("save metadata", taskID, err)
	}

	if took := time.Since(started); took > s.slowThreshold {
		s.logger.Warn("slow checkpoint creation",
			"task_id", taskID, "checkpoint_id", id, "duration", took)
	}
	s.logger.Info("checkpoint created",
		"task_id", taskID, "checkpoint_id", id, "commit", shortHash(hash), "new_commit", newCommit)

	return cp, nil
}

// List returns a task's checkpoints ordered by creation time, ties broken
// by id. Unreadable metadata files are skipped with a warning.
func (s *Store) List(taskID string) ([]*Metadata, error) {
	entries, err := os.ReadDir(s.taskDir(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Metadata{}, nil
		}
		return nil, fmt.Errorf("list checkpoints for %s: %w", taskID, err)
	}

	out := make([]*Metadata, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || util.IsTempFile(name) || filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(s.taskDir(taskID), name)
		cp, err := readMetadata(path)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", "path", path, "error", err)
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out, nil
}

// Tasks returns the ids of tasks that have checkpoint metadata.
func (s *Store) Tasks() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoint tasks: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns one checkpoint or ErrNotFound.
func (s *Store) Get(taskID, checkpointID string) (*Metadata, error) {
	cp, err := readMetadata(s.metadataPath(taskID, checkpointID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", taskID, checkpointID, ErrNotFound)
		}
		return nil, err
	}
	return cp, nil
}

// Latest returns the most recent checkpoint or ErrNotFound.
func (s *Store) Latest(taskID string) (*Metadata, error) {
	all, err := s.List(taskID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	return all[len(all)-1], nil
}

// Rollback resets the working tree to a checkpoint's commit. Failures are
// reported in the returned info rather than as an error.
func (s *Store) Rollback(taskID, checkpointID string, stash bool) *RestoreInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked(taskID, checkpointID, stash)
}

func (s *Store) rollbackLocked(taskID, checkpointID string, stash bool) *RestoreInfo {
	info := &RestoreInfo{
		CheckpointID:  checkpointID,
		RestoredAt:    s.now().UTC().Round(0),
		FilesRestored: []string{},
	}
	fail := func(err error) *RestoreInfo {
		info.ErrorMessage = err.Error()
		s.logger.Error("checkpoint rollback failed",
			"task_id", taskID, "checkpoint_id", checkpointID, "error", err)
		return info
	}

	cp, err := s.Get(taskID, checkpointID)
	if err != nil {
		return fail(err)
	}
	info.CommitHash = cp.CommitHash

	// Tracked paths that differ from the target, committed or not
	files, err := s.repo.ChangedFiles(cp.CommitHash)
	if err != nil {
		return fail(err)
	}
	info.FilesRestored = files

	if stash {
		stashed, err := s.repo.StashChanges(fmt.Sprintf("fsd: before rollback of %s to %s", taskID, checkpointID))
		if err != nil {
			return fail(err)
		}
		info.StashedChanges = stashed
	}

	if err := s.repo.ResetHard(cp.CommitHash); err != nil {
		return fail(err)
	}

	info.Success = true
	s.logger.Info("rolled back to checkpoint",
		"task_id", taskID, "checkpoint_id", checkpointID, "commit", shortHash(cp.CommitHash),
		"files", len(files), "stashed", info.StashedChanges)
	return info
}

// Resume rolls back to a checkpoint (stashing local changes) and restarts
// the task's elapsed-time tracking.
func (s *Store) Resume(taskID, checkpointID string) (*RestoreInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.rollbackLocked(taskID, checkpointID, true)
	if !info.Success {
		return info, fsderrors.ErrCheckpoint("resume", taskID, errors.New(info.ErrorMessage))
	}
	s.starts[taskID] = s.now()
	return info, nil
}

// Cleanup deletes old checkpoints. It keeps the newest keepLatest overall
// plus, for each type in keepByType, that type's newest N. Tag deletion
// failures are logged and ignored. It returns the number of checkpoints
// removed.
func (s *Store) Cleanup(taskID string, keepLatest int, keepByType map[Type]int) (int, error) {
	if keepLatest < 0 {
		return 0, fmt.Errorf("keep latest must be non-negative, got %d", keepLatest)
	}
	for typ, n := range keepByType {
		if n < 0 {
			return 0, fmt.Errorf("keep count for %s must be non-negative, got %d", typ, n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.List(taskID)
	if err != nil {
		return 0, err
	}
	if len(all) <= keepLatest {
		return 0, nil
	}

	keep := make(map[string]bool)
	for _, cp := range all[len(all)-keepLatest:] {
		keep[cp.CheckpointID] = true
	}
	if len(keepByType) > 0 {
		byType := make(map[Type][]*Metadata)
		for _, cp := range all {
			byType[cp.Type] = append(byType[cp.Type], cp)
		}
		for typ, n := range keepByType {
			group := byType[typ]
			if n > len(group) {
				n = len(group)
			}
			for _, cp := range group[len(group)-n:] {
				keep[cp.CheckpointID] = true
			}
		}
	}

	var doomed []*Metadata
	for _, cp := range all {
		if !keep[cp.CheckpointID] {
			doomed = append(doomed, cp)
		}
	}

	removed := 0
	for _, cp := range doomed {
		if err := s.removeLocked(cp); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("checkpoints cleaned up", "task_id", taskID, "removed", removed)
	}
	return removed, nil
}

// DeleteAll removes every checkpoint of a task and returns the count.
func (s *Store) DeleteAll(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.List(taskID)
	if err != nil {
		return 0, err
	}
	for i, cp := range all {
		if err := s.removeLocked(cp); err != nil {
			return i, err
		}
	}
	if err := os.RemoveAll(s.taskDir(taskID)); err != nil {
		return len(all), fmt.Errorf("remove checkpoint directory: %w", err)
	}
	delete(s.starts, taskID)
	return len(all), nil
}

func (s *Store) removeLocked(cp *Metadata) error {
	if cp.Tag != "" {
		if err := s.repo.DeleteTag(cp.Tag); err != nil {
			s.logger.Warn("could not delete checkpoint tag", "tag", cp.Tag, "error", err)
		}
	}
	err := os.Remove(s.metadataPath(cp.TaskID, cp.CheckpointID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint %s: %w", cp.CheckpointID, err)
	}
	return nil
}

// Stats summarizes a task's checkpoints.
func (s *Store) Stats(taskID string) (*Stats, error) {
	all, err := s.List(taskID)
	if err != nil {
		return nil, err
	}

	st := &Stats{TaskID: taskID, Total: len(all), ByType: make(map[Type]int)}
	for _, cp := range all {
		st.ByType[cp.Type]++
		st.TotalFilesChanged += len(cp.FilesChanged)
	}
	if len(all) > 0 {
		st.Earliest = all[0].CreatedAt
		st.Latest = all[len(all)-1].CreatedAt
	}
	if len(all) > 1 {
		st.AverageInterval = st.Latest.Sub(st.Earliest) / time.Duration(len(all)-1)
	}
	return st, nil
}

func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Metadata
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", filepath.Base(path), err)
	}
	if cp.CheckpointID == "" || cp.CommitHash == "" {
		return nil, fmt.Errorf("parse checkpoint %s: missing id or commit", filepath.Base(path))
	}
	if cp.FilesChanged == nil {
		cp.FilesChanged = []string{}
	}
	return &cp, nil
}

func sanitize(taskID string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(taskID)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
