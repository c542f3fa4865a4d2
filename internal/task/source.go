package task

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
)

// QueueSubdir is the directory under the state root holding task files.
const QueueSubdir = "queue"

// Source loads task definitions by id.
type Source interface {
	Load(taskID string) (*Definition, error)
}

// Parse decodes every YAML document in data into validated definitions.
func Parse(data []byte) ([]*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*Definition
	for i := 0; ; i++ {
		var d Definition
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse task document %d: %w", i+1, err)
		}
		if d.ID == "" && d.Description == "" {
			continue
		}
		d.Normalize()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, &d)
	}
	return defs, nil
}

// LoadFile reads every task defined in a YAML file.
func LoadFile(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// FileSource loads tasks from {root}/queue/{id}.yaml (or .yml).
type FileSource struct {
	dir string
}

// NewFileSource creates a source over stateDir's queue directory.
func NewFileSource(stateDir string) *FileSource {
	return &FileSource{dir: filepath.Join(stateDir, QueueSubdir)}
}

// Dir returns the queue directory.
func (s *FileSource) Dir() string {
	return s.dir
}

// Load returns the task with taskID.
func (s *FileSource) Load(taskID string) (*Definition, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, taskID+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		defs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if d.ID == taskID {
				return d, nil
			}
		}
		return nil, fsderrors.ErrTaskInvalid(taskID, fmt.Sprintf("%s does not define task %s", filepath.Base(path), taskID))
	}
	return nil, fsderrors.ErrTaskNotFound(taskID)
}

// List returns every valid task in the queue directory, sorted by id.
// Files that fail to parse are reported in the returned error map.
func (s *FileSource) List() ([]*Definition, map[string]error, error) {
	fsys := os.DirFS(s.dir)
	matches, err := doublestar.Glob(fsys, "**/*.{yaml,yml}")
	if err != nil {
		return nil, nil, fmt.Errorf("scan task queue: %w", err)
	}

	var defs []*Definition
	bad := make(map[string]error)
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		loaded, err := LoadFile(filepath.Join(s.dir, filepath.FromSlash(m)))
		if err != nil {
			bad[m] = err
			continue
		}
		defs = append(defs, loaded...)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, bad, nil
}

// Write stores d as {queue}/{id}.yaml.
func (s *FileSource) Write(d *Definition) error {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, d.ID+".yaml"), data, 0644)
}
