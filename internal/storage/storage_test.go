package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fsd/internal/meta"
	"github.com/randalmurphal/fsd/internal/state"
)

func sampleInfo(id string) *state.Info {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589000000, time.UTC)
	return &state.Info{
		TaskID:       id,
		CurrentState: state.Validating,
		CreatedAt:    ts,
		UpdatedAt:    ts.Add(3 * time.Minute),
		History: []state.Transition{
			{From: state.Queued, To: state.Planning, Timestamp: ts.Add(time.Minute), Reason: "start"},
			{From: state.Planning, To: state.Executing, Timestamp: ts.Add(2 * time.Minute),
				Metadata: meta.Map{"run_id": meta.String("r-1"), "step": meta.Int(2)}},
			{From: state.Executing, To: state.Validating, Timestamp: ts.Add(3 * time.Minute)},
		},
		RetryCount: 1,
		Metadata:   meta.Map{"priority": meta.String("high")},
	}
}

// backends returns each backend implementation over a fresh directory.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{}
	for _, kind := range []string{KindFile, KindSQLite} {
		b, err := Open(kind, t.TempDir(), nil)
		require.NoError(t, err, "open %s backend", kind)
		t.Cleanup(func() { b.Close() })
		out[kind] = b
	}
	return out
}

func TestBackendsRoundTrip(t *testing.T) {
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			info := sampleInfo("auth-fix")
			require.NoError(t, b.SaveState(info))

			loaded, err := b.LoadState("auth-fix")
			require.NoError(t, err)
			assert.Equal(t, info, loaded)

			missing, err := b.LoadState("nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			info.CurrentState = state.Completed
			require.NoError(t, b.SaveState(info))
			loaded, err = b.LoadState("auth-fix")
			require.NoError(t, err)
			assert.Equal(t, state.Completed, loaded.CurrentState)
		})
	}
}

func TestBackendsListDeleteClear(t *testing.T) {
	for kind, b := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			for _, id := range []string{"b-task", "a-task", "c-task"} {
				require.NoError(t, b.SaveState(sampleInfo(id)))
			}

			ids, err := b.ListTaskIDs()
			require.NoError(t, err)
			assert.Equal(t, []string{"a-task", "b-task", "c-task"}, ids)

			all, err := b.LoadAllStates()
			require.NoError(t, err)
			assert.Len(t, all, 3)

			deleted, err := b.DeleteState("b-task")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = b.DeleteState("b-task")
			require.NoError(t, err)
			assert.False(t, deleted)

			n, err := b.ClearAllStates()
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			ids, err = b.ListTaskIDs()
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestFileBackendSanitizesIDs(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	info := sampleInfo(`feature/auth\fix`)
	require.NoError(t, b.SaveState(info))

	assert.Equal(t, filepath.Join(dir, StateSubdir, "feature_auth_fix.json"), b.StatePath(info.TaskID))
	_, err = os.Stat(b.StatePath(info.TaskID))
	require.NoError(t, err)

	loaded, err := b.LoadState(info.TaskID)
	require.NoError(t, err)
	assert.Equal(t, info.TaskID, loaded.TaskID)
}

func TestFileBackendSkipsCorruptAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.SaveState(sampleInfo("good")))
	stateDir := filepath.Join(dir, StateSubdir)
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "bad.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "nostate.json"), []byte(`{"task_id":"x","current_state":"paused"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, ".tmp-123"), []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "good.json.tmp"), []byte("partial"), 0644))

	all, err := b.LoadAllStates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "good")

	_, err = b.LoadState("bad")
	assert.Error(t, err, "direct load of a corrupt record should fail")
}

func TestFileBackendNoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.SaveState(sampleInfo("t1")))
	}
	entries, err := os.ReadDir(filepath.Join(dir, StateSubdir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDatabaseBackendSkipsCorruptRows(t *testing.T) {
	b, err := NewDatabaseBackend(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.SaveState(sampleInfo("good")))
	_, err = b.db.Exec(`INSERT INTO task_states (task_id, current_state, updated_at, data) VALUES ('bad', 'queued', '', '{oops')`)
	require.NoError(t, err)

	all, err := b.LoadAllStates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDatabaseBackendPragmasOnEveryConnection(t *testing.T) {
	b, err := NewDatabaseBackend(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	first, err := b.db.Conn(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := b.db.Conn(ctx)
	require.NoError(t, err)
	defer second.Close()

	for i, conn := range []*sql.Conn{first, second} {
		var timeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout, "connection %d", i)

		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode, "connection %d", i)

		var sync int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync))
		assert.Equal(t, 1, sync, "connection %d uses NORMAL", i)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("etcd", t.TempDir(), nil)
	assert.Error(t, err)
}

func TestMachineOverFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	m := state.NewMachine(state.WithPersistence(b))
	_, err = m.Register("t1", state.Queued, nil)
	require.NoError(t, err)
	_, err = m.Transition("t1", state.Planning, "start", meta.Map{"run_id": meta.String("r")})
	require.NoError(t, err)

	want, err := m.Get("t1")
	require.NoError(t, err)

	reopened, err := NewFileBackend(dir)
	require.NoError(t, err)
	got, err := state.NewMachine(state.WithPersistence(reopened)).Get("t1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
