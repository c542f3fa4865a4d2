// Package checkpoint records git-backed snapshots of a task's working tree
// and restores them on demand.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/randalmurphal/fsd/internal/meta"
)

// Type marks where in the pipeline a checkpoint was taken.
type Type string

const (
	PreExecution   Type = "pre_execution"
	StepComplete   Type = "step_complete"
	PreValidation  Type = "pre_validation"
	PostValidation Type = "post_validation"
	PreRecovery    Type = "pre_recovery"
	Manual         Type = "manual"
)

// AllTypes lists every checkpoint type.
var AllTypes = []Type{PreExecution, StepComplete, PreValidation, PostValidation, PreRecovery, Manual}

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown checkpoint type %q", s)
}

// Metadata describes one checkpoint. It is stored as
// checkpoints/{task_id}/{checkpoint_id}.json.
type Metadata struct {
	CheckpointID   string    `json:"checkpoint_id"`
	TaskID         string    `json:"task_id"`
	Type           Type      `json:"checkpoint_type"`
	CommitHash     string    `json:"commit_hash"`
	Branch         string    `json:"branch"`
	Tag            string    `json:"tag,omitempty"`
	StepNumber     *int      `json:"step_number,omitempty"`
	StateLabel     string    `json:"state_machine_state,omitempty"`
	FilesChanged   []string  `json:"files_changed"`
	TestResults    meta.Map  `json:"test_results,omitempty"`
	ErrorInfo      meta.Map  `json:"error_info,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ElapsedSeconds float64   `json:"duration_since_start,omitempty"`
	Metadata       meta.Map  `json:"metadata,omitempty"`
}

// SinceStart returns the time between the task's start mark and this
// checkpoint, or zero when no start was recorded.
func (m *Metadata) SinceStart() time.Duration {
	return time.Duration(m.ElapsedSeconds * float64(time.Second))
}

// NewCommitCreated reports whether the checkpoint produced its own commit.
func (m *Metadata) NewCommitCreated() bool {
	created, ok := m.Metadata.Bool(MetaNewCommitCreated)
	return ok && created
}

// MetaNewCommitCreated is the metadata key recording whether a commit was made.
const MetaNewCommitCreated = "new_commit_created"

// CreateOptions carries the optional fields of a new checkpoint.
type CreateOptions struct {
	Description string
	StepNumber  *int
	StateLabel  string
	TestResults meta.Map
	ErrorInfo   meta.Map
	Metadata    meta.Map
	// NoTag skips the git tag even when tagging is enabled.
	NoTag bool
}

// RestoreInfo reports the outcome of a rollback.
type RestoreInfo struct {
	CheckpointID   string    `json:"checkpoint_id"`
	CommitHash     string    `json:"commit_hash"`
	RestoredAt     time.Time `json:"restored_at"`
	FilesRestored  []string  `json:"files_restored"`
	StashedChanges bool      `json:"stashed_changes"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Stats summarizes a task's checkpoints.
type Stats struct {
	TaskID            string        `json:"task_id"`
	Total             int           `json:"total_checkpoints"`
	ByType            map[Type]int  `json:"checkpoints_by_type"`
	Earliest          time.Time     `json:"earliest_checkpoint,omitempty"`
	Latest            time.Time     `json:"latest_checkpoint,omitempty"`
	TotalFilesChanged int           `json:"total_files_changed"`
	AverageInterval   time.Duration `json:"average_interval"`
}

// IntPtr returns a pointer to n, for CreateOptions.StepNumber.
func IntPtr(n int) *int {
	return &n
}
