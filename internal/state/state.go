// Package state defines the task lifecycle and the state machine that
// enforces it.
package state

import (
	"fmt"
	"time"

	"github.com/randalmurphal/fsd/internal/meta"
)

// TaskState is a stage in a task's lifecycle.
type TaskState string

const (
	Queued     TaskState = "queued"
	Planning   TaskState = "planning"
	Executing  TaskState = "executing"
	Validating TaskState = "validating"
	Completed  TaskState = "completed"
	Failed     TaskState = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []TaskState{Queued, Planning, Executing, Validating, Completed, Failed}

// transitions is the fixed lifecycle table.
var transitions = map[TaskState][]TaskState{
	Queued:     {Planning, Failed},
	Planning:   {Executing, Failed},
	Executing:  {Validating, Failed},
	Validating: {Completed, Executing, Failed},
	Completed:  {},
	Failed:     {},
}

// ParseState converts a string to a TaskState.
func ParseState(s string) (TaskState, error) {
	st := TaskState(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no transition leaves s.
func (s TaskState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// String implements fmt.Stringer.
func (s TaskState) String() string {
	return string(s)
}

// IsValidTransition reports whether the table allows from -> to.
func IsValidTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidNextStates returns the states reachable from s in one step.
// Terminal states return an empty slice.
func ValidNextStates(s TaskState) []TaskState {
	next := transitions[s]
	out := make([]TaskState, len(next))
	copy(out, next)
	return out
}

// Transition is one applied state change. Entries are appended to a task's
// history and never edited.
type Transition struct {
	From      TaskState `json:"from_state"`
	To        TaskState `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Metadata  meta.Map  `json:"metadata,omitempty"`
}

// Info is the full lifecycle record of one task.
type Info struct {
	TaskID       string       `json:"task_id"`
	CurrentState TaskState    `json:"current_state"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	History      []Transition `json:"history"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RetryCount   int          `json:"retry_count"`
	Metadata     meta.Map     `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the info.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	cp := *i
	cp.History = make([]Transition, len(i.History))
	for n, tr := range i.History {
		tr.Metadata = tr.Metadata.Clone()
		cp.History[n] = tr
	}
	cp.Metadata = i.Metadata.Clone()
	return &cp
}

// LastTransition returns the most recent history entry.
func (i *Info) LastTransition() (Transition, bool) {
	if len(i.History) == 0 {
		return Transition{}, false
	}
	return i.History[len(i.History)-1], true
}

// Persistence stores task state records. Implementations must write
// atomically so a crash never leaves a partial record.
type Persistence interface {
	// SaveState writes info, replacing any previous record for the task.
	SaveState(info *Info) error
	// LoadState returns nil, nil when no record exists.
	LoadState(taskID string) (*Info, error)
	// LoadAllStates skips records that cannot be parsed.
	LoadAllStates() (map[string]*Info, error)
	// DeleteState reports whether a record was removed.
	DeleteState(taskID string) (bool, error)
	ListTaskIDs() ([]string, error)
	// ClearAllStates returns the number of records removed.
	ClearAllStates() (int, error)
}

// now returns the current time without monotonic reading so persisted and
// in-memory values compare equal.
func now() time.Time {
	return time.Now().UTC().Round(0)
}
