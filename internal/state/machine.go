package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/meta"
)

// Listener observes applied transitions. Errors and panics are logged and
// never reach the caller of Transition.
type Listener interface {
	OnTransition(taskID string, from, to TaskState) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(taskID string, from, to TaskState) error

// OnTransition calls f.
func (f ListenerFunc) OnTransition(taskID string, from, to TaskState) error {
	return f(taskID, from, to)
}

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	l  Listener
}

// Machine owns the lifecycle records of all tasks. All mutations are
// serialized by one mutex; listeners run after it is released.
type Machine struct {
	mu        sync.Mutex
	states    map[string]*Info
	listeners []listenerEntry
	nextID    ListenerID

	persistence Persistence
	logger      *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithPersistence stores every change through p and reloads p's records on
// construction.
func WithPersistence(p Persistence) Option {
	return func(m *Machine) {
		m.persistence = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// NewMachine creates a state machine. With persistence configured, existing
// records are reloaded; a reload failure starts empty and logs a warning.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		states: make(map[string]*Info),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.persistence != nil {
		loaded, err := m.persistence.LoadAllStates()
		if err != nil {
			m.logger.Warn("could not reload task states, starting empty", "error", err)
		} else {
			for id, info := range loaded {
				m.states[id] = info
			}
			if len(loaded) > 0 {
				m.logger.Debug("reloaded task states", "count", len(loaded))
			}
		}
	}

	return m
}

// Register creates a record for taskID in the initial state.
func (m *Machine) Register(taskID string, initial TaskState, metadata meta.Map) (*Info, error) {
	if _, ok := transitions[initial]; !ok {
		return nil, fmt.Errorf("register task %s: unknown state %q", taskID, initial)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[taskID]; exists {
		return nil, fsderrors.ErrTaskExists(taskID)
	}

	ts := now()
	info := &Info{
		TaskID:       taskID,
		CurrentState: initial,
		CreatedAt:    ts,
		UpdatedAt:    ts,
		History:      []Transition{},
		Metadata:     metadata.Clone(),
	}

	if m.persistence != nil {
		if err := m.persistence.SaveState(info); err != nil {
			return nil, fsderrors.ErrPersistence("register", err)
		}
	}
	m.states[taskID] = info

	m.logger.Info("task registered", "task_id", taskID, "state", initial)
	return info.Clone(), nil
}

// Transition moves taskID to the given state if the table allows it.
// A rejected move leaves the record unchanged. A persistence failure rolls
// the in-memory change back.
func (m *Machine) Transition(taskID string, to TaskState, reason string, metadata meta.Map) (*Info, error) {
	return m.apply(taskID, func(info *Info) (Transition, error) {
		if !IsValidTransition(info.CurrentState, to) {
			return Transition{}, fsderrors.ErrInvalidTransition(taskID, string(info.CurrentState), string(to), stateNames(ValidNextStates(info.CurrentState)))
		}
		if info.CurrentState == Validating && to == Executing {
			info.RetryCount++
		}
		return Transition{
			From:     info.CurrentState,
			To:       to,
			Reason:   reason,
			Metadata: metadata.Clone(),
		}, nil
	})
}

// Fail records message and moves the task to Failed.
func (m *Machine) Fail(taskID, message string, metadata meta.Map) (*Info, error) {
	return m.apply(taskID, func(info *Info) (Transition, error) {
		if !IsValidTransition(info.CurrentState, Failed) {
			return Transition{}, fsderrors.ErrInvalidTransition(taskID, string(info.CurrentState), string(Failed), stateNames(ValidNextStates(info.CurrentState)))
		}
		info.ErrorMessage = message
		return Transition{
			From:     info.CurrentState,
			To:       Failed,
			Reason:   message,
			Metadata: metadata.Clone(),
		}, nil
	})
}

// Rollback moves the task back steps applied transitions. The target is the
// from-state of history[len-steps]: one step undoes the latest transition,
// len(history) steps restores the initial state. The move is appended to
// history with rollback metadata and bypasses the transition table. The
// retry count is kept.
func (m *Machine) Rollback(taskID string, steps int) (*Info, error) {
	return m.apply(taskID, func(info *Info) (Transition, error) {
		n := len(info.History)
		if steps < 1 || steps > n {
			return Transition{}, fmt.Errorf("rollback task %s: steps must be between 1 and %d, got %d", taskID, n, steps)
		}
		target := info.History[n-steps].From
		return Transition{
			From:   info.CurrentState,
			To:     target,
			Reason: fmt.Sprintf("rollback %d step(s)", steps),
			Metadata: meta.Map{
				"rollback": meta.Bool(true),
				"steps":    meta.Int(steps),
			},
		}, nil
	})
}

// Reset returns a task in any state to Queued, clearing its error message.
// It is the operator escape hatch for tasks left mid-flight by a crash.
func (m *Machine) Reset(taskID, reason string) (*Info, error) {
	return m.apply(taskID, func(info *Info) (Transition, error) {
		if reason == "" {
			reason = "manual reset"
		}
		info.ErrorMessage = ""
		return Transition{
			From:     info.CurrentState,
			To:       Queued,
			Reason:   reason,
			Metadata: meta.Map{"reset": meta.Bool(true)},
		}, nil
	})
}

// Restore moves a task to the state a checkpoint was taken in. Like Rollback
// it bypasses the transition table and keeps the retry count; the move is
// recorded with the checkpoint id.
func (m *Machine) Restore(taskID string, to TaskState, checkpointID string) (*Info, error) {
	if _, err := ParseState(string(to)); err != nil {
		return nil, err
	}
	return m.apply(taskID, func(info *Info) (Transition, error) {
		if !to.IsTerminal() {
			info.ErrorMessage = ""
		}
		return Transition{
			From:   info.CurrentState,
			To:     to,
			Reason: fmt.Sprintf("restored checkpoint %s", checkpointID),
			Metadata: meta.Map{
				"restored":      meta.Bool(true),
				"checkpoint_id": meta.String(checkpointID),
			},
		}, nil
	})
}

// apply runs mutate on the task's record under the lock, appends the
// resulting transition, persists, and notifies listeners once unlocked.
func (m *Machine) apply(taskID string, mutate func(info *Info) (Transition, error)) (*Info, error) {
	m.mu.Lock()

	current, ok := m.states[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fsderrors.ErrTaskNotFound(taskID)
	}

	next := current.Clone()
	tr, err := mutate(next)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	tr.Timestamp = now()
	next.CurrentState = tr.To
	next.UpdatedAt = tr.Timestamp
	next.History = append(next.History, tr)

	if m.persistence != nil {
		if err := m.persistence.SaveState(next); err != nil {
			m.mu.Unlock()
			m.logger.Error("persist transition failed, change reverted",
				"task_id", taskID, "from", tr.From, "to", tr.To, "error", err)
			return nil, fsderrors.ErrPersistence("transition", err)
		}
	}
	m.states[taskID] = next

	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	out := next.Clone()
	m.mu.Unlock()

	m.logger.Info("task transition", "task_id", taskID, "from", tr.From, "to", tr.To, "reason", tr.Reason)
	m.notify(listeners, taskID, tr.From, tr.To)

	return out, nil
}

func (m *Machine) notify(listeners []listenerEntry, taskID string, from, to TaskState) {
	for _, entry := range listeners {
		m.callListener(entry, taskID, from, to)
	}
}

func (m *Machine) callListener(entry listenerEntry, taskID string, from, to TaskState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state listener panicked",
				"listener_id", entry.id, "task_id", taskID, "panic", r)
		}
	}()
	if err := entry.l.OnTransition(taskID, from, to); err != nil {
		m.logger.Error("state listener failed",
			"listener_id", entry.id, "task_id", taskID, "error", err)
	}
}

// AddListener registers l and returns a handle for RemoveListener.
func (m *Machine) AddListener(l Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.listeners = append(m.listeners, listenerEntry{id: m.nextID, l: l})
	return m.nextID
}

// RemoveListener unregisters the listener with id. It reports whether one
// was found.
func (m *Machine) RemoveListener(id ListenerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.listeners {
		if entry.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a copy of the task's record.
func (m *Machine) Get(taskID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.states[taskID]
	if !ok {
		return nil, fsderrors.ErrTaskNotFound(taskID)
	}
	return info.Clone(), nil
}

// State returns the task's current state.
func (m *Machine) State(taskID string) (TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.states[taskID]
	if !ok {
		return "", fsderrors.ErrTaskNotFound(taskID)
	}
	return info.CurrentState, nil
}

// All returns copies of every record, sorted by task id.
func (m *Machine) All() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Info, 0, len(m.states))
	for _, info := range m.states {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// TasksByState returns the sorted ids of tasks currently in s.
func (m *Machine) TasksByState(s TaskState) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, info := range m.states {
		if info.CurrentState == s {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether taskID is registered.
func (m *Machine) Has(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.states[taskID]
	return ok
}

// IsTerminal reports whether the task has reached Completed or Failed.
func (m *Machine) IsTerminal(taskID string) (bool, error) {
	st, err := m.State(taskID)
	if err != nil {
		return false, err
	}
	return st.IsTerminal(), nil
}

// CanTransitionTo reports whether the task may move to the given state now.
func (m *Machine) CanTransitionTo(taskID string, to TaskState) (bool, error) {
	st, err := m.State(taskID)
	if err != nil {
		return false, err
	}
	return IsValidTransition(st, to), nil
}

// History returns a copy of the task's transitions, oldest first.
func (m *Machine) History(taskID string) ([]Transition, error) {
	info, err := m.Get(taskID)
	if err != nil {
		return nil, err
	}
	return info.History, nil
}

// Remove drops the task's record from memory and persistence.
func (m *Machine) Remove(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[taskID]; !ok {
		return fsderrors.ErrTaskNotFound(taskID)
	}
	if m.persistence != nil {
		if _, err := m.persistence.DeleteState(taskID); err != nil {
			return fsderrors.ErrPersistence("delete", err)
		}
	}
	delete(m.states, taskID)
	return nil
}

func stateNames(states []TaskState) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
