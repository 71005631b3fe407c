package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boristopalov/gladiator/internal/storage"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeFixture(t *testing.T) (configPath, dbPath string) {
	configPath, dbPath, _ = writePoolFixture(t)
	return configPath, dbPath
}

func writePoolFixture(t *testing.T) (configPath, dbPath, poolPath string) {
	t.Helper()
	dir := t.TempDir()
	poolPath = filepath.Join(dir, "pool.toml")
	dbPath = filepath.Join(dir, "ratings.db")
	configPath = filepath.Join(dir, "gladiator.toml")

	require.NoError(t, league.SavePoolFile(poolPath, []league.Entry{
		{ID: "scripted:idle", Opponent: league.Scripted{Script: "idle"}, Rating: 1000, Weight: 1, Seq: 1},
		{ID: "ckpt:main@7", Opponent: league.Checkpoint{Agent: "main", ModelRef: "runs/7", Step: 7}, Rating: 1200, Weight: 1, Seq: 2, Games: 4, LearnerWins: 1, Retired: true},
	}))
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
[league]
pool_file = %q

[storage]
kind = "sqlite"
path = %q
`, poolPath, dbPath)), 0o600))
	return configPath, dbPath, poolPath
}

func TestPoolList(t *testing.T) {
	configPath, _ := writeFixture(t)

	out, err := executeCLI(t, "pool", "list", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "scripted:idle")
	assert.Contains(t, out, "ckpt:main@7")
	assert.Contains(t, out, "1200.0")
	assert.Contains(t, out, "retired")
}

func TestPoolHistory(t *testing.T) {
	configPath, dbPath := writeFixture(t)

	ctx := context.Background()
	store := storage.NewSQLiteStore(dbPath)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.AppendRating(ctx, storage.RatingRecord{
		EntryID: "ckpt:main@7", Rating: 1190, Delta: -10, OpponentID: "live:main",
		SessionID: "s1", Result: "LOST", RecordedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}))
	require.NoError(t, storage.CloseIfSupported(store))

	out, err := executeCLI(t, "pool", "history", "ckpt:main@7", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1190.0")
	assert.Contains(t, out, "-10.0")
	assert.Contains(t, out, "live:main")

	out, err = executeCLI(t, "pool", "history", "ckpt:main@8", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no rating history")
}

func TestPoolHistoryNeedsEntry(t *testing.T) {
	configPath, _ := writeFixture(t)
	_, err := executeCLI(t, "pool", "history", "--config", configPath)
	assert.Error(t, err)
}

func TestPoolCheckpoint(t *testing.T) {
	configPath, _, poolPath := writePoolFixture(t)
	t.Setenv("GLADIATOR_LEAGUE_MAX_ACTIVE_CHECKPOINTS", "1")

	out, err := executeCLI(t, "pool", "checkpoint", "main", "runs/9", "9", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "registered ckpt:main@9 at rating 1000.0")

	_, err = executeCLI(t, "pool", "checkpoint", "main", "runs/10", "10", "--config", configPath)
	require.NoError(t, err)

	entries, err := league.LoadPoolFile(poolPath)
	require.NoError(t, err)
	byID := map[string]league.Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	require.Contains(t, byID, "live:main")
	require.Contains(t, byID, "ckpt:main@10")
	assert.Equal(t, league.Checkpoint{Agent: "main", ModelRef: "runs/10", Step: 10}, byID["ckpt:main@10"].Opponent)
	assert.False(t, byID["ckpt:main@10"].Retired)
	assert.True(t, byID["ckpt:main@9"].Retired, "rotation retires the older checkpoint")
	assert.Equal(t, 4, byID["ckpt:main@7"].Games, "existing entries keep their counters")

	_, err = executeCLI(t, "pool", "checkpoint", "main", "runs/10", "10", "--config", configPath)
	assert.Error(t, err, "a step is registered once")
	_, err = executeCLI(t, "pool", "checkpoint", "main", "runs/x", "latest", "--config", configPath)
	assert.Error(t, err)
}

func TestPoolRetire(t *testing.T) {
	configPath, _, poolPath := writePoolFixture(t)

	out, err := executeCLI(t, "pool", "retire", "scripted:idle", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "retired scripted:idle")

	entries, err := league.LoadPoolFile(poolPath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Retired, e.ID)
	}

	_, err = executeCLI(t, "pool", "retire", "scripted:nobody", "--config", configPath)
	assert.Error(t, err)
}
