package store

import (
	"time"
)

// DedupRecord marks an inbound request id as seen.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound request deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a request ID has already been seen.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// request was already recorded (duplicate).
	RecordInbound(messageID, userID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a request.
	MarkProcessed(messageID string) error

	// PruneInbound drops records received before cutoff.
	PruneInbound(cutoff time.Time) (int, error)
}
