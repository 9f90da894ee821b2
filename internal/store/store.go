// Package store provides storage backends for CrisisPipe.
//
// It includes an in-memory store for tests and single-node development, and
// SQLite and PostgreSQL stores for crisis events, emotion readings, emergency
// contacts, the notification outbox and inbound request deduplication.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Store is the persistence contract shared by every backend.
type Store interface {
	// SaveCrisisEvent inserts or replaces an event snapshot.
	SaveCrisisEvent(ev *models.CrisisEvent) error
	// GetCrisisEvent returns an event or models.ErrNotFound.
	GetCrisisEvent(id string) (*models.CrisisEvent, error)
	// ListOpenCrisisEvents returns every event that is not resolved.
	ListOpenCrisisEvents() ([]models.CrisisEvent, error)
	// ListCrisisEventsByUser returns a user's events, newest first.
	ListCrisisEventsByUser(userID string) ([]models.CrisisEvent, error)

	// AddEmotionReading appends to a user's reading history.
	AddEmotionReading(userID string, s models.EmotionScore) error
	// GetEmotionReadings returns up to limit of the user's most recent readings, oldest first.
	GetEmotionReadings(userID string, limit int) ([]models.EmotionScore, error)

	// SaveEmergencyContact inserts or updates a contact keyed by user and phone.
	SaveEmergencyContact(c models.EmergencyContact) error
	// GetEmergencyContacts returns a user's contacts ordered by creation.
	GetEmergencyContacts(userID string) ([]models.EmergencyContact, error)
	// DeleteEmergencyContact removes a contact or returns models.ErrNotFound.
	DeleteEmergencyContact(userID, phone string) error

	Close() error
}

// Compile-time checks that InMemoryStore implements every repo.
var (
	_ Store      = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
)

type storedReading struct {
	userID string
	score  models.EmotionScore
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*models.CrisisEvent
	readings []storedReading
	contacts map[string][]models.EmergencyContact
	outbox   []*OutboxMessage
	dedup    map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string]*models.CrisisEvent),
		contacts: make(map[string][]models.EmergencyContact),
		dedup:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) SaveCrisisEvent(ev *models.CrisisEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("crisis event id is required: %w", models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev.Clone()
	return nil
}

func (s *InMemoryStore) GetCrisisEvent(id string) (*models.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("crisis event %s: %w", id, models.ErrNotFound)
	}
	return ev.Clone(), nil
}

func (s *InMemoryStore) ListOpenCrisisEvents() ([]models.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CrisisEvent
	for _, ev := range s.events {
		if ev.IsOpen() {
			out = append(out, *ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *InMemoryStore) ListCrisisEventsByUser(userID string) ([]models.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CrisisEvent
	for _, ev := range s.events {
		if ev.UserID == userID {
			out = append(out, *ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (s *InMemoryStore) AddEmotionReading(userID string, sc models.EmotionScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Distribution = sc.Distribution.Clone()
	s.readings = append(s.readings, storedReading{userID: userID, score: sc})
	return nil
}

func (s *InMemoryStore) GetEmotionReadings(userID string, limit int) ([]models.EmotionScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EmotionScore
	for _, r := range s.readings {
		if r.userID == userID {
			out = append(out, r.score)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PruneEmotionReadings deletes readings captured before cutoff.
func (s *InMemoryStore) PruneEmotionReadings(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.readings[:0]
	for _, r := range s.readings {
		if !r.score.CapturedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	n := len(s.readings) - len(kept)
	s.readings = kept
	return n, nil
}

func (s *InMemoryStore) SaveEmergencyContact(c models.EmergencyContact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.contacts[c.UserID]
	for i := range list {
		if list[i].Phone == c.Phone {
			c.CreatedAt = list[i].CreatedAt
			list[i] = c
			return nil
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.contacts[c.UserID] = append(list, c)
	return nil
}

func (s *InMemoryStore) GetEmergencyContacts(userID string) ([]models.EmergencyContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.EmergencyContact(nil), s.contacts[userID]...), nil
}

func (s *InMemoryStore) DeleteEmergencyContact(userID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.contacts[userID]
	for i := range list {
		if list[i].Phone == phone {
			s.contacts[userID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("contact %s for %s: %w", phone, userID, models.ErrNotFound)
}

func (s *InMemoryStore) Close() error {
	return nil
}
