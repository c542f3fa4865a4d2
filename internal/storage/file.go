// Package storage provides the persistence backends for task state records.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/randalmurphal/fsd/internal/state"
	"github.com/randalmurphal/fsd/internal/util"
)

// StateSubdir is the directory under the state root holding one JSON
// document per task.
const StateSubdir = "state"

// FileBackend stores each task's record as {root}/state/{task_id}.json.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithFileLogger sets the logger used for skipped records.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(b *FileBackend) {
		b.logger = logger
	}
}

// NewFileBackend creates a backend rooted at stateDir (usually ".fsd").
func NewFileBackend(stateDir string, opts ...FileOption) (*FileBackend, error) {
	b := &FileBackend{
		dir:    filepath.Join(stateDir, StateSubdir),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return b, nil
}

// SanitizeID maps a task id to a safe file stem.
func SanitizeID(taskID string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(taskID)
}

// StatePath returns the file that holds taskID's record.
func (b *FileBackend) StatePath(taskID string) string {
	return filepath.Join(b.dir, SanitizeID(taskID)+".json")
}

// SaveState writes info atomically.
func (b *FileBackend) SaveState(info *state.Info) error {
	if err := util.AtomicWriteJSON(b.StatePath(info.TaskID), info); err != nil {
		return fmt.Errorf("save state for %s: %w", info.TaskID, err)
	}
	return nil
}

// LoadState returns nil, nil when the task has no record.
func (b *FileBackend) LoadState(taskID string) (*state.Info, error) {
	data, err := os.ReadFile(b.StatePath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state for %s: %w", taskID, err)
	}
	info, err := decodeInfo(data)
	if err != nil {
		return nil, fmt.Errorf("parse state for %s: %w", taskID, err)
	}
	return info, nil
}

// LoadAllStates reads every record, skipping unreadable ones with a warning.
func (b *FileBackend) LoadAllStates() (map[string]*state.Info, error) {
	paths, err := b.recordPaths()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*state.Info, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("skipping unreadable state file", "path", path, "error", err)
			continue
		}
		info, err := decodeInfo(data)
		if err != nil {
			b.logger.Warn("skipping corrupt state file", "path", path, "error", err)
			continue
		}
		out[info.TaskID] = info
	}
	return out, nil
}

// DeleteState reports whether a record was removed.
func (b *FileBackend) DeleteState(taskID string) (bool, error) {
	err := os.Remove(b.StatePath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete state for %s: %w", taskID, err)
	}
	return true, nil
}

// ListTaskIDs returns the sorted file stems of stored records.
func (b *FileBackend) ListTaskIDs() ([]string, error) {
	paths, err := b.recordPaths()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		ids = append(ids, strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ClearAllStates removes every record and returns how many were removed.
func (b *FileBackend) ClearAllStates() (int, error) {
	paths, err := b.recordPaths()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return n, fmt.Errorf("clear states: %w", err)
		}
		n++
	}
	return n, nil
}

func (b *FileBackend) recordPaths() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || util.IsTempFile(name) || filepath.Ext(name) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(b.dir, name))
	}
	return paths, nil
}

func decodeInfo(data []byte) (*state.Info, error) {
	var info state.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.TaskID == "" {
		return nil, errors.New("missing task_id")
	}
	if _, err := state.ParseState(string(info.CurrentState)); err != nil {
		return nil, err
	}
	if info.History == nil {
		info.History = []state.Transition{}
	}
	return &info, nil
}
