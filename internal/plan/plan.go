// Package plan stores the structured execution plan produced by the
// planning phase, one live document per task.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/util"
)

// Subdir is the directory under the state root holding plans.
const Subdir = "plans"

// Step is one unit of work in a plan.
type Step struct {
	StepNumber        int      `json:"step_number"`
	Description       string   `json:"description"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`
	FilesToModify     []string `json:"files_to_modify"`
	Validation        string   `json:"validation,omitempty"`
	Checkpoint        bool     `json:"checkpoint"`
}

// ExecutionPlan is the planning phase's output.
type ExecutionPlan struct {
	TaskID             string    `json:"task_id"`
	Analysis           string    `json:"analysis"`
	Complexity         string    `json:"complexity"`
	EstimatedTotalTime string    `json:"estimated_total_time"`
	Steps              []Step    `json:"steps"`
	Dependencies       []string  `json:"dependencies"`
	Risks              []string  `json:"risks"`
	ValidationStrategy string    `json:"validation_strategy"`
	CreatedAt          time.Time `json:"created_at"`
}

// Summary returns "N steps, complexity: X, estimated: Y".
func (p *ExecutionPlan) Summary() string {
	return fmt.Sprintf("%d steps, complexity: %s, estimated: %s",
		len(p.Steps), orUnknown(p.Complexity), orUnknown(p.EstimatedTotalTime))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Validate checks the plan has a task id and at least one step.
func (p *ExecutionPlan) Validate() error {
	if p.TaskID == "" {
		return fsderrors.ErrPlanInvalid("(unknown)", "task_id is empty")
	}
	if len(p.Steps) == 0 {
		return fsderrors.ErrPlanInvalid(p.TaskID, "plan has no steps")
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Description) == "" {
			return fsderrors.ErrPlanInvalid(p.TaskID, fmt.Sprintf("step %d has no description", i+1))
		}
	}
	return nil
}

// normalize fills defaults the agent may omit.
func (p *ExecutionPlan) normalize() {
	for i := range p.Steps {
		if p.Steps[i].StepNumber == 0 {
			p.Steps[i].StepNumber = i + 1
		}
		if p.Steps[i].FilesToModify == nil {
			p.Steps[i].FilesToModify = []string{}
		}
	}
	if p.Dependencies == nil {
		p.Dependencies = []string{}
	}
	if p.Risks == nil {
		p.Risks = []string{}
	}
}

// Store persists plans as {root}/plans/{task_id}.json.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a plan store under stateDir.
func NewStore(stateDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    filepath.Join(stateDir, Subdir),
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the plan file for taskID.
func (s *Store) Path(taskID string) string {
	return filepath.Join(s.dir, strings.NewReplacer("/", "_", "\\", "_").Replace(taskID)+".json")
}

// Save validates and writes p, replacing any previous plan.
func (s *Store) Save(p *ExecutionPlan) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC().Round(0)
	}
	if err := util.AtomicWriteJSON(s.Path(p.TaskID), p); err != nil {
		return fmt.Errorf("save plan for %s: %w", p.TaskID, err)
	}
	s.logger.Debug("plan saved", "task_id", p.TaskID, "steps", len(p.Steps))
	return nil
}

// SaveRaw decodes an agent's plan document, fills task_id when missing and
// saves it.
func (s *Store) SaveRaw(taskID string, data json.RawMessage) (*ExecutionPlan, error) {
	var p ExecutionPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fsderrors.ErrPlanInvalid(taskID, "not a JSON plan object: "+err.Error())
	}
	if p.TaskID == "" {
		p.TaskID = taskID
	}
	if p.TaskID != taskID {
		return nil, fsderrors.ErrPlanInvalid(taskID, fmt.Sprintf("plan names task %q", p.TaskID))
	}
	if err := s.Save(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load returns the task's plan. Missing and corrupt plans both report
// false; corrupt files are logged.
func (s *Store) Load(taskID string) (*ExecutionPlan, bool) {
	data, ok := s.LoadRaw(taskID)
	if !ok {
		return nil, false
	}
	var p ExecutionPlan
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("corrupt plan file", "task_id", taskID, "error", err)
		return nil, false
	}
	p.normalize()
	return &p, true
}

// LoadRaw returns the stored plan document.
func (s *Store) LoadRaw(taskID string) (json.RawMessage, bool) {
	data, err := os.ReadFile(s.Path(taskID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("could not read plan file", "task_id", taskID, "error", err)
		}
		return nil, false
	}
	if !json.Valid(data) {
		s.logger.Warn("corrupt plan file", "task_id", taskID)
		return nil, false
	}
	return data, true
}

// Exists reports whether a plan file exists for taskID.
func (s *Store) Exists(taskID string) bool {
	_, err := os.Stat(s.Path(taskID))
	return err == nil
}

// Delete removes the plan and reports whether one existed.
func (s *Store) Delete(taskID string) (bool, error) {
	err := os.Remove(s.Path(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete plan for %s: %w", taskID, err)
	}
	return true, nil
}

// List returns the sorted task ids that have plans.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list plans: %w", err)
	}
	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || util.IsTempFile(name) || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Summary returns the plan summary for taskID, or false if no usable plan
// exists.
func (s *Store) Summary(taskID string) (string, bool) {
	p, ok := s.Load(taskID)
	if !ok {
		return "", false
	}
	return p.Summary(), true
}
