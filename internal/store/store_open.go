package store

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend is a full persistence backend: the Store plus the outbox and dedup repos.
type Backend interface {
	Store
	OutboxRepo
	DedupRepo
	// PruneEmotionReadings deletes readings captured before cutoff.
	PruneEmotionReadings(cutoff time.Time) (int, error)
}

// Compile-time checks that every backend is complete.
var (
	_ Backend = (*InMemoryStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// Open selects the backend for dsn: empty means in-memory, otherwise the type
// is detected with DetectDSNType.
func Open(dsn string) (Backend, error) {
	if dsn == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
