package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/randalmurphal/fsd/internal/state"
)

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

var (
	_ state.Persistence = (*FileBackend)(nil)
	_ state.Persistence = (*DatabaseBackend)(nil)
)

// Backend is a state.Persistence that may hold resources.
type Backend interface {
	state.Persistence
	io.Closer
}

// Open returns the persistence backend named by kind.
func Open(kind, stateDir string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "", KindFile:
		b, err := NewFileBackend(stateDir, WithFileLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindSQLite:
		return NewDatabaseBackend(stateDir, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error {
	return nil
}

func encodeInfo(info *state.Info) (string, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal state for %s: %w", info.TaskID, err)
	}
	return string(data), nil
}
