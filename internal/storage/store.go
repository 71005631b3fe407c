package storage

import (
	"context"
	"time"
)

// RatingRecord is one rating change of a pool entry.
type RatingRecord struct {
	EntryID    string    `json:"entry_id"`
	Rating     float64   `json:"rating"`
	Delta      float64   `json:"delta"`
	OpponentID string    `json:"opponent_id"`
	SessionID  string    `json:"session_id"`
	Result     string    `json:"result"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RatingStore keeps the rating history of pool entries. Entries are never
// deleted, so history stays queryable after an entry is retired.
type RatingStore interface {
	Init(ctx context.Context) error
	AppendRating(ctx context.Context, record RatingRecord) error
	RatingHistory(ctx context.Context, entryID string) ([]RatingRecord, error)
}
