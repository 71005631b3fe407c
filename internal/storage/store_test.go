package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	require.Error(t, err)
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	store, err := NewStore("sqlite", "")
	require.NoError(t, err)
	require.Error(t, store.Init(context.Background()))
}

func TestRatingStores(t *testing.T) {
	backends := map[string]func(t *testing.T) RatingStore{
		"memory": func(t *testing.T) RatingStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) RatingStore {
			return NewSQLiteStore(filepath.Join(t.TempDir(), "ratings.db"))
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.Error(t, store.AppendRating(ctx, RatingRecord{EntryID: "x"}), "append before init")
			require.NoError(t, store.Init(ctx))
			t.Cleanup(func() {
				_ = CloseIfSupported(store)
			})

			at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
			records := []RatingRecord{
				{EntryID: "live:main", Rating: 1016, Delta: 16, OpponentID: "scripted:rusher", SessionID: "s1", Result: "WON", RecordedAt: at},
				{EntryID: "scripted:rusher", Rating: 984, Delta: -16, OpponentID: "live:main", SessionID: "s1", Result: "LOST", RecordedAt: at},
				{EntryID: "live:main", Rating: 1030, Delta: 14, OpponentID: "scripted:rusher", SessionID: "s2", Result: "WON", RecordedAt: at.Add(time.Second)},
			}
			for _, rec := range records {
				require.NoError(t, store.AppendRating(ctx, rec))
			}

			history, err := store.RatingHistory(ctx, "live:main")
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, records[0], history[0])
			assert.Equal(t, records[2], history[1])

			empty, err := store.RatingHistory(ctx, "never-rated")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}
