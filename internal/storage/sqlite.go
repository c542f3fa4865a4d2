package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/randalmurphal/fsd/internal/state"
)

// DatabaseFile is the SQLite file name under the state root.
const DatabaseFile = "fsd.db"

const schema = `
CREATE TABLE IF NOT EXISTS task_states (
	task_id       TEXT PRIMARY KEY,
	current_state TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	data          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_states_state ON task_states(current_state);
`

// DatabaseBackend stores task records as JSON documents in SQLite.
type DatabaseBackend struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewDatabaseBackend opens (creating if needed) {stateDir}/fsd.db.
func NewDatabaseBackend(stateDir string, logger *slog.Logger) (*DatabaseBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	path := filepath.Join(stateDir, DatabaseFile)

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DatabaseBackend{db: db, path: path, logger: logger}, nil
}

// dsn builds a connection string whose pragmas the driver applies to every
// pooled connection. WAL and the busy timeout let concurrent task runs share
// the file.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (b *DatabaseBackend) Path() string {
	return b.path
}

// Close closes the database connection.
func (b *DatabaseBackend) Close() error {
	return b.db.Close()
}

func (b *DatabaseBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// SaveState upserts info in a single statement.
func (b *DatabaseBackend) SaveState(info *state.Info) error {
	data, err := encodeInfo(info)
	if err != nil {
		return err
	}
	ctx, cancel := b.ctx()
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO task_states (task_id, current_state, updated_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			current_state = excluded.current_state,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, info.TaskID, string(info.CurrentState), info.UpdatedAt.Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", info.TaskID, err)
	}
	return nil
}

// LoadState returns nil, nil when the task has no record.
func (b *DatabaseBackend) LoadState(taskID string) (*state.Info, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM task_states WHERE task_id = ?`, taskID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load state for %s: %w", taskID, err)
	}
	info, err := decodeInfo([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("parse state for %s: %w", taskID, err)
	}
	return info, nil
}

// LoadAllStates reads every row, skipping unparseable documents with a warning.
func (b *DatabaseBackend) LoadAllStates() (map[string]*state.Info, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	rows, err := b.db.QueryContext(ctx, `SELECT task_id, data FROM task_states`)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*state.Info)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		info, err := decodeInfo([]byte(data))
		if err != nil {
			b.logger.Warn("skipping corrupt state row", "task_id", id, "error", err)
			continue
		}
		out[info.TaskID] = info
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate states: %w", err)
	}
	return out, nil
}

// DeleteState reports whether a row was removed.
func (b *DatabaseBackend) DeleteState(taskID string) (bool, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	res, err := b.db.ExecContext(ctx, `DELETE FROM task_states WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete state for %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete state for %s: %w", taskID, err)
	}
	return n > 0, nil
}

// ListTaskIDs returns stored task ids in order.
func (b *DatabaseBackend) ListTaskIDs() ([]string, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	rows, err := b.db.QueryContext(ctx, `SELECT task_id FROM task_states ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearAllStates deletes every row and returns the count.
func (b *DatabaseBackend) ClearAllStates() (int, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	res, err := b.db.ExecContext(ctx, `DELETE FROM task_states`)
	if err != nil {
		return 0, fmt.Errorf("clear states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear states: %w", err)
	}
	return int(n), nil
}
