package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists CrisisPipe data in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// SaveCrisisEvent inserts or replaces an event snapshot.
func (s *SQLiteStore) SaveCrisisEvent(ev *models.CrisisEvent) error {
	actions, err := ev.ActionsJSON()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO crisis_events (`+crisisEventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.Level.String(), string(ev.Status), ev.OpenedAt, nilIfNilTime(ev.ClosedAt), ev.UpdatedAt,
		ev.SafetyChecksRemaining, ev.Escalations, nilIfNilTime(ev.SafeConfirmedAt), actions,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveCrisisEvent failed", "error", err, "eventID", ev.ID)
		return fmt.Errorf("failed to save crisis event %s: %w", ev.ID, err)
	}
	slog.Debug("SQLiteStore SaveCrisisEvent succeeded", "eventID", ev.ID, "status", ev.Status, "level", ev.Level)
	return nil
}

// GetCrisisEvent returns an event or models.ErrNotFound.
func (s *SQLiteStore) GetCrisisEvent(id string) (*models.CrisisEvent, error) {
	row := s.db.QueryRow(`SELECT `+crisisEventColumns+` FROM crisis_events WHERE id = ?`, id)
	ev, err := scanCrisisEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("crisis event %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore GetCrisisEvent failed", "error", err, "eventID", id)
		return nil, fmt.Errorf("failed to get crisis event %s: %w", id, err)
	}
	return ev, nil
}

// ListOpenCrisisEvents returns every event that is not resolved, oldest first.
func (s *SQLiteStore) ListOpenCrisisEvents() ([]models.CrisisEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+crisisEventColumns+` FROM crisis_events WHERE status != ? ORDER BY opened_at ASC`,
		string(models.EventStatusResolved),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open crisis events: %w", err)
	}
	return scanCrisisEvents(rows)
}

// ListCrisisEventsByUser returns a user's events, newest first.
func (s *SQLiteStore) ListCrisisEventsByUser(userID string) ([]models.CrisisEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+crisisEventColumns+` FROM crisis_events WHERE user_id = ? ORDER BY opened_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query crisis events for %s: %w", userID, err)
	}
	return scanCrisisEvents(rows)
}

// AddEmotionReading appends to a user's reading history.
func (s *SQLiteStore) AddEmotionReading(userID string, sc models.EmotionScore) error {
	dist, err := marshalDistribution(sc.Distribution)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO emotion_readings (user_id, modality, distribution_json, confidence, keyword_flagged, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, string(sc.Modality), dist, sc.Confidence, sc.KeywordFlagged, sc.CapturedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddEmotionReading failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to insert emotion reading for %s: %w", userID, err)
	}
	return nil
}

// GetEmotionReadings returns up to limit of the user's most recent readings, oldest first.
func (s *SQLiteStore) GetEmotionReadings(userID string, limit int) ([]models.EmotionScore, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT modality, distribution_json, confidence, keyword_flagged, captured_at
		 FROM emotion_readings WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query emotion readings for %s: %w", userID, err)
	}
	return scanEmotionReadings(rows)
}

// PruneEmotionReadings deletes readings captured before cutoff.
func (s *SQLiteStore) PruneEmotionReadings(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM emotion_readings WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune emotion readings: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SaveEmergencyContact inserts or updates a contact keyed by user and phone.
func (s *SQLiteStore) SaveEmergencyContact(c models.EmergencyContact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO emergency_contacts (user_id, phone, name, relationship, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, phone) DO UPDATE SET name = excluded.name, relationship = excluded.relationship`,
		c.UserID, c.Phone, c.Name, nilIfEmpty(c.Relationship), c.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveEmergencyContact failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("failed to save emergency contact for %s: %w", c.UserID, err)
	}
	slog.Debug("SQLiteStore SaveEmergencyContact succeeded", "userID", c.UserID)
	return nil
}

// GetEmergencyContacts returns a user's contacts ordered by creation.
func (s *SQLiteStore) GetEmergencyContacts(userID string) ([]models.EmergencyContact, error) {
	rows, err := s.db.Query(
		`SELECT user_id, phone, name, relationship, created_at FROM emergency_contacts WHERE user_id = ? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergency contacts for %s: %w", userID, err)
	}
	return scanContacts(rows)
}

// DeleteEmergencyContact removes a contact or returns models.ErrNotFound.
func (s *SQLiteStore) DeleteEmergencyContact(userID, phone string) error {
	result, err := s.db.Exec(`DELETE FROM emergency_contacts WHERE user_id = ? AND phone = ?`, userID, phone)
	if err != nil {
		return fmt.Errorf("failed to delete emergency contact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s for %s: %w", phone, userID, models.ErrNotFound)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
