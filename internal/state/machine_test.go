package state

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/meta"
)

// memPersistence is an in-memory Persistence for tests.
type memPersistence struct {
	mu      sync.Mutex
	records map[string]*Info
	failOn  int // fail the Nth save (1-based); 0 disables
	saves   int
	loadErr error
}

func newMemPersistence() *memPersistence {
	return &memPersistence{records: make(map[string]*Info)}
}

func (p *memPersistence) SaveState(info *Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.failOn > 0 && p.saves == p.failOn {
		return errors.New("disk full")
	}
	p.records[info.TaskID] = info.Clone()
	return nil
}

func (p *memPersistence) LoadState(taskID string) (*Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[taskID].Clone(), nil
}

func (p *memPersistence) LoadAllStates() (map[string]*Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	out := make(map[string]*Info, len(p.records))
	for id, info := range p.records {
		out[id] = info.Clone()
	}
	return out, nil
}

func (p *memPersistence) DeleteState(taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.records[taskID]
	delete(p.records, taskID)
	return ok, nil
}

func (p *memPersistence) ListTaskIDs() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id := range p.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *memPersistence) ClearAllStates() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.records)
	p.records = make(map[string]*Info)
	return n, nil
}

func TestRegister(t *testing.T) {
	m := NewMachine()

	info, err := m.Register("auth-fix", Queued, meta.Map{"source": meta.String("cli")})
	require.NoError(t, err)
	assert.Equal(t, Queued, info.CurrentState)
	assert.Empty(t, info.History)
	assert.Equal(t, 0, info.RetryCount)

	_, err = m.Register("auth-fix", Queued, nil)
	require.Error(t, err)
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodeTaskExists))
}

func TestTransitionHappyPath(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	for _, to := range []TaskState{Planning, Executing, Validating, Completed} {
		_, err := m.Transition("t1", to, "", nil)
		require.NoError(t, err, "transition to %s", to)
	}

	info, err := m.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, Completed, info.CurrentState)
	assert.Len(t, info.History, 4)
	assert.Equal(t, Queued, info.History[0].From)
	assert.Equal(t, Completed, info.History[3].To)

	terminal, err := m.IsTerminal("t1")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestTransitionRejectedLeavesInfoUnchanged(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	before, err := m.Get("t1")
	require.NoError(t, err)

	_, err = m.Transition("t1", Completed, "skip ahead", nil)
	require.Error(t, err)
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodeInvalidTransition))
	assert.Contains(t, err.Error(), "planning, failed")

	after, err := m.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTransitionUnknownTask(t *testing.T) {
	m := NewMachine()
	_, err := m.Transition("missing", Planning, "", nil)
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodeTaskNotFound))
}

func TestRetryCountIncrementsOnlyOnValidatingToExecuting(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	steps := []TaskState{Planning, Executing, Validating, Executing, Validating, Executing, Validating, Completed}
	prev := 0
	for _, to := range steps {
		info, err := m.Transition("t1", to, "", nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, info.RetryCount, prev, "retry count must never decrease")
		prev = info.RetryCount
	}

	info, err := m.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.RetryCount)
}

func TestFailSetsErrorMessage(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)
	_, err = m.Transition("t1", Planning, "", nil)
	require.NoError(t, err)

	info, err := m.Fail("t1", "planning timed out", nil)
	require.NoError(t, err)
	assert.Equal(t, Failed, info.CurrentState)
	assert.Equal(t, "planning timed out", info.ErrorMessage)

	_, err = m.Fail("t1", "again", nil)
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodeInvalidTransition), "failed is terminal")
}

func TestPersistenceFailureRevertsInMemoryChange(t *testing.T) {
	p := newMemPersistence()
	m := NewMachine(WithPersistence(p))
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	p.failOn = 2
	_, err = m.Transition("t1", Planning, "", nil)
	require.Error(t, err)
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodePersistence))

	info, err := m.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, Queued, info.CurrentState)
	assert.Empty(t, info.History)
}

func TestReloadFromPersistence(t *testing.T) {
	p := newMemPersistence()
	m := NewMachine(WithPersistence(p))
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)
	_, err = m.Transition("t1", Planning, "start", nil)
	require.NoError(t, err)

	original, err := m.Get("t1")
	require.NoError(t, err)

	reloaded := NewMachine(WithPersistence(p))
	info, err := reloaded.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, original, info)
}

func TestReloadFailureStartsEmpty(t *testing.T) {
	p := newMemPersistence()
	p.loadErr = errors.New("unreadable")
	m := NewMachine(WithPersistence(p))
	assert.Empty(t, m.All())
}

func TestListeners(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	var got []string
	id := m.AddListener(ListenerFunc(func(taskID string, from, to TaskState) error {
		got = append(got, taskID+":"+string(from)+"->"+string(to))
		return nil
	}))
	m.AddListener(ListenerFunc(func(string, TaskState, TaskState) error {
		return errors.New("listener broke")
	}))
	m.AddListener(ListenerFunc(func(string, TaskState, TaskState) error {
		panic("listener panicked")
	}))

	_, err = m.Transition("t1", Planning, "", nil)
	require.NoError(t, err, "listener failures must not propagate")
	assert.Equal(t, []string{"t1:queued->planning"}, got)

	assert.True(t, m.RemoveListener(id))
	assert.False(t, m.RemoveListener(id))

	_, err = m.Transition("t1", Executing, "", nil)
	require.NoError(t, err)
	assert.Len(t, got, 1, "removed listener should not be called")
}

func TestListenerMayCallMachine(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	var seen TaskState
	m.AddListener(ListenerFunc(func(taskID string, _, _ TaskState) error {
		st, err := m.State(taskID)
		seen = st
		return err
	}))

	_, err = m.Transition("t1", Planning, "", nil)
	require.NoError(t, err)
	assert.Equal(t, Planning, seen)
}

func TestRollback(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)
	for _, to := range []TaskState{Planning, Executing, Validating, Executing} {
		_, err := m.Transition("t1", to, "", nil)
		require.NoError(t, err)
	}

	info, err := m.Rollback("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, Validating, info.CurrentState, "one step restores the state before the latest transition")
	assert.Equal(t, 1, info.RetryCount, "rollback keeps retry count")

	last, ok := info.LastTransition()
	require.True(t, ok)
	rb, _ := last.Metadata.Bool("rollback")
	assert.True(t, rb)
	steps, _ := last.Metadata.Int("steps")
	assert.Equal(t, 1, steps)

	n := len(info.History)
	info, err = m.Rollback("t1", n)
	require.NoError(t, err)
	assert.Equal(t, Queued, info.CurrentState, "len(history) steps restores the initial state")

	_, err = m.Rollback("t1", 0)
	assert.Error(t, err)
	_, err = m.Rollback("t1", len(info.History)+1)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)
	for _, to := range []TaskState{Planning, Executing, Validating, Executing} {
		_, err := m.Transition("t1", to, "", nil)
		require.NoError(t, err)
	}
	_, err = m.Fail("t1", "boom", nil)
	require.NoError(t, err)

	info, err := m.Reset("t1", "")
	require.NoError(t, err)
	assert.Equal(t, Queued, info.CurrentState)
	assert.Empty(t, info.ErrorMessage)
	assert.Equal(t, 1, info.RetryCount)
	assert.Len(t, info.History, 6)
}

func TestRestore(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)
	for _, to := range []TaskState{Planning, Executing, Validating, Executing, Validating} {
		_, err := m.Transition("t1", to, "", nil)
		require.NoError(t, err)
	}
	_, err = m.Fail("t1", "tests still failing", nil)
	require.NoError(t, err)

	info, err := m.Restore("t1", Executing, "step_complete_20240101_120000_1234")
	require.NoError(t, err)
	assert.Equal(t, Executing, info.CurrentState, "terminal states can be left by a restore")
	assert.Empty(t, info.ErrorMessage)
	assert.Equal(t, 1, info.RetryCount)

	last, ok := info.LastTransition()
	require.True(t, ok)
	assert.Equal(t, Failed, last.From)
	restored, _ := last.Metadata.Bool("restored")
	assert.True(t, restored)
	id, _ := last.Metadata.String("checkpoint_id")
	assert.Equal(t, "step_complete_20240101_120000_1234", id)

	_, err = m.Restore("t1", TaskState("sideways"), "x")
	assert.Error(t, err)
	_, err = m.Restore("missing", Executing, "x")
	assert.True(t, fsderrors.HasCode(err, fsderrors.CodeTaskNotFound))
}

func TestQueries(t *testing.T) {
	m := NewMachine()
	for _, id := range []string{"b", "a", "c"} {
		_, err := m.Register(id, Queued, nil)
		require.NoError(t, err)
	}
	_, err := m.Transition("c", Planning, "", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, m.TasksByState(Queued))
	assert.Equal(t, []string{"c"}, m.TasksByState(Planning))
	assert.True(t, m.Has("a"))
	assert.False(t, m.Has("z"))

	all := m.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].TaskID)

	ok, err := m.CanTransitionTo("c", Executing)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.CanTransitionTo("c", Completed)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := m.History("c")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.NoError(t, m.Remove("a"))
	assert.False(t, m.Has("a"))
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewMachine()
	_, err := m.Register("t1", Queued, nil)
	require.NoError(t, err)

	info, err := m.Get("t1")
	require.NoError(t, err)
	info.CurrentState = Completed

	st, err := m.State("t1")
	require.NoError(t, err)
	assert.Equal(t, Queued, st)
}

func TestConcurrentTransitionsOnDistinctTasks(t *testing.T) {
	m := NewMachine(WithPersistence(newMemPersistence()))
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		_, err := m.Register(id, Queued, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, to := range []TaskState{Planning, Executing, Validating, Completed} {
				if _, err := m.Transition(id, to, "", nil); err != nil {
					t.Errorf("transition %s to %s: %v", id, to, err)
				}
			}
		}(id)
	}
	wg.Wait()

	assert.Len(t, m.TasksByState(Completed), len(ids))
}
