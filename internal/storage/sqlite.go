package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// A single connection serializes writers; sqlite would otherwise
	// answer concurrent appends with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) AppendRating(ctx context.Context, record RatingRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO rating_history (entry_id, rating, delta, opponent_id, session_id, result, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, record.EntryID, record.Rating, record.Delta, record.OpponentID, record.SessionID, record.Result,
		record.RecordedAt.UTC().UnixNano())
	return err
}

func (s *SQLiteStore) RatingHistory(ctx context.Context, entryID string) ([]RatingRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT entry_id, rating, delta, opponent_id, session_id, result, recorded_at
		FROM rating_history
		WHERE entry_id = ?
		ORDER BY seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RatingRecord
	for rows.Next() {
		var (
			rec        RatingRecord
			recordedAt int64
		)
		if err := rows.Scan(&rec.EntryID, &rec.Rating, &rec.Delta, &rec.OpponentID, &rec.SessionID, &rec.Result, &recordedAt); err != nil {
			return nil, err
		}
		rec.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rating_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			rating REAL NOT NULL,
			delta REAL NOT NULL,
			opponent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			result TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS rating_history_entry ON rating_history (entry_id, seq);
	`)
	return err
}
