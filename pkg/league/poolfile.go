package league

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	poolFileVersion = 1
	poolFileMode    = 0o600
	poolDirMode     = 0o700
	poolTempPattern = ".pool-*.toml"
)

type poolFileSchema struct {
	Version int               `toml:"version"`
	Entries []poolEntrySchema `toml:"entries"`
}

type poolEntrySchema struct {
	ID           string    `toml:"id"`
	Kind         Kind      `toml:"kind"`
	Rating       float64   `toml:"rating"`
	Weight       float64   `toml:"weight,omitempty"`
	Retired      bool      `toml:"retired,omitempty"`
	Exploiter    bool      `toml:"exploiter,omitempty"`
	Seq          uint64    `toml:"seq"`
	RegisteredAt time.Time `toml:"registered_at"`
	Games        int       `toml:"games,omitempty"`
	LearnerWins  int       `toml:"learner_wins,omitempty"`

	Script   string `toml:"script,omitempty"`
	Agent    string `toml:"agent,omitempty"`
	ModelRef string `toml:"model_ref,omitempty"`
	Step     int64  `toml:"step,omitempty"`
	Pool     string `toml:"pool,omitempty"`
	Provider string `toml:"provider,omitempty"`
	Model    string `toml:"model,omitempty"`
}

func toEntrySchema(e Entry) poolEntrySchema {
	out := poolEntrySchema{
		ID:           e.ID,
		Kind:         e.Kind(),
		Rating:       e.Rating,
		Weight:       e.Weight,
		Retired:      e.Retired,
		Exploiter:    e.Exploiter,
		Seq:          e.Seq,
		RegisteredAt: e.RegisteredAt.UTC(),
		Games:        e.Games,
		LearnerWins:  e.LearnerWins,
	}
	switch o := e.Opponent.(type) {
	case Scripted:
		out.Script = o.Script
	case LiveSelf:
		out.Agent = o.Agent
	case Checkpoint:
		out.Agent, out.ModelRef, out.Step = o.Agent, o.ModelRef, o.Step
	case External:
		out.Pool, out.Provider, out.Model = o.Pool, o.Provider, o.Model
	}
	return out
}

func fromEntrySchema(s poolEntrySchema) (Entry, error) {
	var opp Opponent
	switch s.Kind {
	case KindScripted:
		opp = Scripted{Script: s.Script}
	case KindLiveSelf:
		opp = LiveSelf{Agent: s.Agent}
	case KindCheckpoint:
		opp = Checkpoint{Agent: s.Agent, ModelRef: s.ModelRef, Step: s.Step}
	case KindExternal:
		opp = External{Pool: s.Pool, Provider: s.Provider, Model: s.Model}
	default:
		return Entry{}, fmt.Errorf("entry %s: unknown kind %q", s.ID, s.Kind)
	}
	return Entry{
		ID:           s.ID,
		Opponent:     opp,
		Rating:       s.Rating,
		Weight:       s.Weight,
		Retired:      s.Retired,
		Exploiter:    s.Exploiter,
		Seq:          s.Seq,
		RegisteredAt: s.RegisteredAt,
		Games:        s.Games,
		LearnerWins:  s.LearnerWins,
	}, nil
}

// LoadPoolFile reads pool entries from a TOML file. A missing file is an
// empty pool.
func LoadPoolFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pool file: %w", err)
	}

	var file poolFileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode pool file: %w", err)
	}
	if file.Version > poolFileVersion {
		return nil, fmt.Errorf("pool file version %d is newer than supported version %d", file.Version, poolFileVersion)
	}

	entries := make([]Entry, 0, len(file.Entries))
	for _, s := range file.Entries {
		e, err := fromEntrySchema(s)
		if err != nil {
			return nil, fmt.Errorf("decode pool file: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SavePoolFile writes entries through a temp file and rename, so readers
// never see a partial pool.
func SavePoolFile(path string, entries []Entry) error {
	file := poolFileSchema{Version: poolFileVersion}
	for _, e := range entries {
		file.Entries = append(file.Entries, toEntrySchema(e))
	}

	if err := os.MkdirAll(filepath.Dir(path), poolDirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode pool file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), poolTempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(poolFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace pool file: %w", err)
	}
	cleanup = false
	return nil
}

// Save persists the current pool to the configured pool file, if any.
func (s *Scheduler) Save() error {
	if s.cfg.PoolFile == "" {
		return nil
	}
	return SavePoolFile(s.cfg.PoolFile, s.Entries())
}
