package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveCrisisEvent(ev *models.CrisisEvent) error {
	actions, err := ev.ActionsJSON()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO crisis_events (`+crisisEventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   level = EXCLUDED.level,
		   status = EXCLUDED.status,
		   closed_at = EXCLUDED.closed_at,
		   updated_at = EXCLUDED.updated_at,
		   safety_checks_remaining = EXCLUDED.safety_checks_remaining,
		   escalations = EXCLUDED.escalations,
		   safe_confirmed_at = EXCLUDED.safe_confirmed_at,
		   actions_json = EXCLUDED.actions_json`,
		ev.ID, ev.UserID, ev.Level.String(), string(ev.Status), ev.OpenedAt, nilIfNilTime(ev.ClosedAt), ev.UpdatedAt,
		ev.SafetyChecksRemaining, ev.Escalations, nilIfNilTime(ev.SafeConfirmedAt), actions,
	)
	if err != nil {
		slog.Error("PostgresStore SaveCrisisEvent failed", "error", err, "eventID", ev.ID)
		return fmt.Errorf("failed to save crisis event %s: %w", ev.ID, err)
	}
	slog.Debug("PostgresStore SaveCrisisEvent succeeded", "eventID", ev.ID, "status", ev.Status, "level", ev.Level)
	return nil
}

func (s *PostgresStore) GetCrisisEvent(id string) (*models.CrisisEvent, error) {
	row := s.db.QueryRow(`SELECT `+crisisEventColumns+` FROM crisis_events WHERE id = $1`, id)
	ev, err := scanCrisisEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("crisis event %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore GetCrisisEvent failed", "error", err, "eventID", id)
		return nil, fmt.Errorf("failed to get crisis event %s: %w", id, err)
	}
	return ev, nil
}

func (s *PostgresStore) ListOpenCrisisEvents() ([]models.CrisisEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+crisisEventColumns+` FROM crisis_events WHERE status <> $1 ORDER BY opened_at ASC`,
		string(models.EventStatusResolved),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open crisis events: %w", err)
	}
	return scanCrisisEvents(rows)
}

func (s *PostgresStore) ListCrisisEventsByUser(userID string) ([]models.CrisisEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+crisisEventColumns+` FROM crisis_events WHERE user_id = $1 ORDER BY opened_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query crisis events for %s: %w", userID, err)
	}
	return scanCrisisEvents(rows)
}

func (s *PostgresStore) AddEmotionReading(userID string, sc models.EmotionScore) error {
	dist, err := marshalDistribution(sc.Distribution)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO emotion_readings (user_id, modality, distribution_json, confidence, keyword_flagged, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, string(sc.Modality), dist, sc.Confidence, sc.KeywordFlagged, sc.CapturedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddEmotionReading failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to insert emotion reading for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GetEmotionReadings(userID string, limit int) ([]models.EmotionScore, error) {
	query := `SELECT modality, distribution_json, confidence, keyword_flagged, captured_at
		 FROM emotion_readings WHERE user_id = $1 ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emotion readings for %s: %w", userID, err)
	}
	return scanEmotionReadings(rows)
}

// PruneEmotionReadings deletes readings captured before cutoff.
func (s *PostgresStore) PruneEmotionReadings(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM emotion_readings WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune emotion readings: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) SaveEmergencyContact(c models.EmergencyContact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO emergency_contacts (user_id, phone, name, relationship, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, phone) DO UPDATE SET name = EXCLUDED.name, relationship = EXCLUDED.relationship`,
		c.UserID, c.Phone, c.Name, nilIfEmpty(c.Relationship), c.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveEmergencyContact failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("failed to save emergency contact for %s: %w", c.UserID, err)
	}
	return nil
}

func (s *PostgresStore) GetEmergencyContacts(userID string) ([]models.EmergencyContact, error) {
	rows, err := s.db.Query(
		`SELECT user_id, phone, name, relationship, created_at FROM emergency_contacts WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergency contacts for %s: %w", userID, err)
	}
	return scanContacts(rows)
}

func (s *PostgresStore) DeleteEmergencyContact(userID, phone string) error {
	result, err := s.db.Exec(`DELETE FROM emergency_contacts WHERE user_id = $1 AND phone = $2`, userID, phone)
	if err != nil {
		return fmt.Errorf("failed to delete emergency contact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s for %s: %w", phone, userID, models.ErrNotFound)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
