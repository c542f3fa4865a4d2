// Package events publishes task lifecycle events to in-process subscribers.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTransition indicates a task changed lifecycle state.
	EventTransition EventType = "transition"
	// EventPhase indicates the executor entered a phase.
	EventPhase EventType = "phase"
	// EventCheckpoint indicates a checkpoint was created.
	EventCheckpoint EventType = "checkpoint"
	// EventComplete indicates a task run finished, successfully or not.
	EventComplete EventType = "complete"
	// EventError indicates a non-fatal error the run will retry past.
	EventError EventType = "error"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// TransitionData is the payload of EventTransition.
type TransitionData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PhaseData is the payload of EventPhase.
type PhaseData struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt,omitempty"`
}

// CheckpointData is the payload of EventCheckpoint.
type CheckpointData struct {
	CheckpointID string `json:"checkpoint_id"`
	Type         string `json:"checkpoint_type"`
	CommitHash   string `json:"commit_hash"`
}

// CompleteData is the payload of EventComplete.
type CompleteData struct {
	Completed  bool          `json:"completed"`
	FinalState string        `json:"final_state"`
	RetryCount int           `json:"retry_count"`
	Duration   time.Duration `json:"duration"`
	Message    string        `json:"message,omitempty"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}
