package league

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/boristopalov/gladiator/internal/storage"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	cfg.Seed = 7
	return NewScheduler(cfg, opts...)
}

func TestTargetedAlwaysBindsListedEntry(t *testing.T) {
	s := newTestScheduler(t, Config{
		Mix:      []Share{{Strategy: StrategyTargeted, Percent: 100}},
		Targeted: []string{"checkpoint-7"},
	})
	require.NoError(t, s.Seed([]Entry{
		{ID: "scripted", Opponent: Scripted{Script: "aggressive"}, Rating: 1000},
		{ID: "checkpoint-7", Opponent: Checkpoint{Agent: "main", Step: 7}, Rating: 1200},
	}))

	for i := 0; i < 10; i++ {
		session := core.SessionID(fmt.Sprintf("s%d", i%3))
		got, err := s.Select(Request{Session: session, Agent: "main"})
		require.NoError(t, err)
		assert.Equal(t, "checkpoint-7", got.Entry.ID)
		assert.Equal(t, StrategyTargeted, got.Strategy)
		assert.Equal(t, 1200.0, got.Entry.Rating)
	}
}

func TestSelectFallsBackToScripted(t *testing.T) {
	s := newTestScheduler(t, Config{
		Mix: []Share{{Strategy: StrategyPastSelfPlay, Percent: 100}},
	})
	_, err := s.Register(Entry{ID: ScriptedID("idle"), Opponent: Scripted{Script: "idle"}})
	require.NoError(t, err)

	got, err := s.Select(Request{Session: "s1", Agent: "main"})
	require.NoError(t, err)
	assert.Equal(t, ScriptedID("idle"), got.Entry.ID)
	assert.Equal(t, StrategyScripted, got.Strategy)
	assert.Equal(t, StrategyPastSelfPlay, got.Planned)
}

func TestSelectOnEmptyPool(t *testing.T) {
	s := newTestScheduler(t, Config{})

	_, err := s.Select(Request{Session: "s1", Agent: "main"})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
}

func TestSelectSkipsRetiredEntries(t *testing.T) {
	s := newTestScheduler(t, Config{
		Mix:      []Share{{Strategy: StrategyTargeted, Percent: 100}},
		Targeted: []string{"a", "b"},
	})
	for _, id := range []string{"a", "b"} {
		_, err := s.Register(Entry{ID: id, Opponent: External{Pool: "hosted", Model: id}})
		require.NoError(t, err)
	}
	require.NoError(t, s.Retire("a"))

	for i := 0; i < 20; i++ {
		got, err := s.Select(Request{Session: "s1", Agent: "main"})
		require.NoError(t, err)
		assert.Equal(t, "b", got.Entry.ID)
	}

	e, ok := s.Entry("a")
	require.True(t, ok)
	assert.True(t, e.Retired)
	assert.Error(t, s.Retire("missing"))
}

func TestMixFollowsShares(t *testing.T) {
	s := newTestScheduler(t, Config{
		Mix: []Share{
			{Strategy: StrategySelfPlay, Percent: 50},
			{Strategy: StrategyScripted, Percent: 50},
		},
	})
	s.EnsureLive("main", RoleMain)
	_, err := s.Register(Entry{ID: ScriptedID("idle"), Opponent: Scripted{Script: "idle"}})
	require.NoError(t, err)

	counts := map[Strategy]int{}
	for i := 0; i < 4; i++ {
		got, err := s.Select(Request{Session: core.SessionID(fmt.Sprintf("s%d", i)), Agent: "main"})
		require.NoError(t, err)
		counts[got.Strategy]++
	}
	assert.Equal(t, 2, counts[StrategySelfPlay])
	assert.Equal(t, 2, counts[StrategyScripted])

	s.Release("s0")
	_, ok := s.Bound("s0")
	assert.False(t, ok)
	id, ok := s.Bound("s1")
	assert.True(t, ok)
	assert.Equal(t, ScriptedID("idle"), id)
}

func TestLatestPicksNewestExternal(t *testing.T) {
	s := newTestScheduler(t, Config{
		Mix:          []Share{{Strategy: StrategyLatest, Percent: 100}},
		ExternalPool: "hosted",
	})
	for _, model := range []string{"v1", "v2", "v3"} {
		_, err := s.Register(Entry{ID: "ext:" + model, Opponent: External{Pool: "hosted", Model: model}})
		require.NoError(t, err)
	}
	_, err := s.Register(Entry{ID: "ext:other", Opponent: External{Pool: "elsewhere", Model: "v9"}})
	require.NoError(t, err)

	got, err := s.Select(Request{Session: "s1", Agent: "main"})
	require.NoError(t, err)
	assert.Equal(t, "ext:v3", got.Entry.ID)
}

func TestExploiterRoleTargetsMainAgent(t *testing.T) {
	s := newTestScheduler(t, Config{MainAgent: "main"})
	s.EnsureLive("main", RoleMain)
	exploiter := s.EnsureLive("hunter", RoleExploiter)
	assert.True(t, exploiter.Exploiter)

	got, err := s.Select(Request{Session: "x1", Agent: "hunter", Role: RoleExploiter})
	require.NoError(t, err)
	assert.Equal(t, LiveID("main"), got.Entry.ID)

	// The main agent's exploiter share samples exploiter entries.
	s2 := newTestScheduler(t, Config{Mix: []Share{{Strategy: StrategyExploiter, Percent: 100}}})
	s2.EnsureLive("main", RoleMain)
	s2.EnsureLive("hunter", RoleExploiter)
	got, err = s2.Select(Request{Session: "m1", Agent: "main"})
	require.NoError(t, err)
	assert.Equal(t, LiveID("hunter"), got.Entry.ID)
}

func TestPriorityFavoursHardCheckpoints(t *testing.T) {
	s := newTestScheduler(t, Config{})
	easy := Entry{Weight: 1, Games: 20, LearnerWins: 19}
	hard := Entry{Weight: 1, Games: 20, LearnerWins: 1}
	fresh := Entry{Weight: 1}

	assert.Less(t, s.priority(easy), s.priority(fresh))
	assert.Greater(t, s.priority(hard), s.priority(fresh))
	assert.InDelta(t, 0.25, s.priority(fresh), 1e-9)
}

func TestCheckpointRotation(t *testing.T) {
	s := newTestScheduler(t, Config{MaxActiveCheckpoints: 2})
	for step := int64(1); step <= 3; step++ {
		_, err := s.RegisterCheckpoint("main", fmt.Sprintf("models/main-%d", step), step)
		require.NoError(t, err)
	}

	e, ok := s.Entry(CheckpointID("main", 1))
	require.True(t, ok)
	assert.True(t, e.Retired)
	for _, step := range []int64{2, 3} {
		e, ok := s.Entry(CheckpointID("main", step))
		require.True(t, ok)
		assert.False(t, e.Retired)
	}

	_, err := s.RegisterCheckpoint("main", "models/main-3", 3)
	assert.Error(t, err, "duplicate checkpoint id")
}

func TestIngestRatesBothSides(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))
	broker := messaging.NewBroker()
	ratings := make(chan messaging.Message, 4)
	require.NoError(t, broker.Subscribe("test", ratings, messaging.TopicRating))

	s := newTestScheduler(t, Config{KFactor: 32, MaxStep: 16}, WithRatingStore(store), WithBroker(broker))
	s.EnsureLive("main", RoleMain)
	_, err := s.Register(Entry{ID: "opp", Opponent: Scripted{Script: "idle"}, Rating: 1000})
	require.NoError(t, err)

	before, _ := s.Entry(LiveID("main"))
	require.NoError(t, s.Ingest(ctx, core.EpisodeOutcome{
		SessionID: "s1", Agent: "main", Result: core.ResultWon, OpponentID: "opp", EndedAt: time.Now(),
	}))
	after, _ := s.Entry(LiveID("main"))
	opp, _ := s.Entry("opp")

	assert.Greater(t, after.Rating, before.Rating)
	assert.LessOrEqual(t, after.Rating-before.Rating, 16.0)
	assert.InDelta(t, 2000.0, after.Rating+opp.Rating, 1e-9)
	assert.Equal(t, 1, opp.Games)
	assert.Equal(t, 1, opp.LearnerWins)

	history, err := s.History(ctx, "opp")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(core.ResultLost), history[0].Result)
	assert.Less(t, history[0].Delta, 0.0)

	select {
	case msg := <-ratings:
		update, ok := msg.Payload.(RatingUpdate)
		require.True(t, ok)
		assert.Equal(t, LiveID("main"), update.Agent.EntryID)
	case <-time.After(time.Second):
		t.Fatal("no rating update published")
	}

	err = s.Ingest(ctx, core.EpisodeOutcome{SessionID: "s1", Agent: "main", Result: core.ResultWon, OpponentID: "nobody"})
	assert.Error(t, err)
}

func TestIngestSelfPlayIsNotRated(t *testing.T) {
	s := newTestScheduler(t, Config{})
	live := s.EnsureLive("main", RoleMain)

	require.NoError(t, s.Ingest(context.Background(), core.EpisodeOutcome{
		SessionID: "s1", Agent: "main", Result: core.ResultWon, OpponentID: live.ID,
	}))
	after, _ := s.Entry(live.ID)
	assert.Equal(t, live.Rating, after.Rating)
	assert.Equal(t, 1, after.Games)
}

func TestPoolFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "league", "pool.toml")
	s := newTestScheduler(t, Config{PoolFile: path})
	s.EnsureLive("main", RoleMain)
	_, err := s.RegisterCheckpoint("main", "models/main-7", 7)
	require.NoError(t, err)
	_, err = s.Register(Entry{ID: "ext:gpt", Opponent: External{Pool: "hosted", Provider: "openai", Model: "gpt-4o-mini"}, Rating: 1300})
	require.NoError(t, err)
	require.NoError(t, s.Retire(LiveID("main")))
	require.NoError(t, s.Save())

	loaded, err := LoadPoolFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	restored := newTestScheduler(t, Config{})
	require.NoError(t, restored.Seed(loaded))
	for _, want := range s.Entries() {
		got, ok := restored.Entry(want.ID)
		require.True(t, ok, want.ID)
		assert.Equal(t, want.Opponent, got.Opponent)
		assert.Equal(t, want.Rating, got.Rating)
		assert.Equal(t, want.Retired, got.Retired)
		assert.Equal(t, want.Kind(), got.Kind())
	}

	missing, err := LoadPoolFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
