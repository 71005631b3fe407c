package gateway

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/clock"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/environment"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/boristopalov/gladiator/pkg/messaging"
	"github.com/boristopalov/gladiator/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	gw        *Gateway
	scheduler *league.Scheduler
	world     environment.World
	broker    *messaging.SimpleBroker
}

func newFixture(t *testing.T, cfg Config, duel environment.DuelConfig) *fixture {
	t.Helper()
	if duel.Seed == 0 {
		duel.Seed = 11
	}
	return newWorldFixture(t, cfg, environment.NewDuelWorld(duel))
}

func newWorldFixture(t *testing.T, cfg Config, world environment.World) *fixture {
	t.Helper()
	if cfg.Clock.Mode == "" {
		cfg.Clock.Mode = clock.ModeLockstep
	}

	leagueCfg := league.DefaultConfig()
	leagueCfg.Seed = 3
	broker := messaging.NewBroker()
	scheduler := league.NewScheduler(leagueCfg, league.WithBroker(broker))
	resolver := agent.NewResolver(world.Spec(), world.ObservationSize())

	gw, err := New(cfg, world, scheduler, resolver, WithBroker(broker))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Run(ctx)
	}()
	t.Cleanup(func() {
		gw.Shutdown()
		cancel()
		<-done
	})
	return &fixture{gw: gw, scheduler: scheduler, world: world, broker: broker}
}

func (f *fixture) login(t *testing.T, id string, body protocol.LoginBody) core.SessionID {
	t.Helper()
	res, err := f.gw.Login(context.Background(), core.SessionID(id), body)
	require.NoError(t, err)
	return core.SessionID(res.ID)
}

func (f *fixture) reset(t *testing.T, id core.SessionID) core.ResetResult {
	t.Helper()
	res, err := f.gw.Reset(context.Background(), id)
	require.NoError(t, err)
	return res
}

type stepOutcome struct {
	res core.StepResult
	err error
}

func stepAsync(gw *Gateway, id core.SessionID, act []int) <-chan stepOutcome {
	ch := make(chan stepOutcome, 1)
	go func() {
		res, err := gw.Step(context.Background(), id, act)
		ch <- stepOutcome{res, err}
	}()
	return ch
}

func awaitStep(t *testing.T, ch <-chan stepOutcome) stepOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for step")
		return stepOutcome{}
	}
}

func TestLogin(t *testing.T) {
	t.Run("allocates an id when none is given", func(t *testing.T) {
		f := newFixture(t, Config{}, environment.DuelConfig{})
		res, err := f.gw.Login(context.Background(), "", protocol.LoginBody{})
		require.NoError(t, err)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, f.world.ObservationSize(), res.ObservationSize)
		assert.Equal(t, string(clock.ModeLockstep), res.ClockMode)
		require.NotNil(t, res.ActionSpec)
		assert.Len(t, res.ActionSpec.Heads, len(environment.DuelSpec.Heads))

		_, ok := f.scheduler.Entry(league.LiveID("main"))
		assert.True(t, ok, "login registers the live entry")
	})

	t.Run("duplicate id", func(t *testing.T) {
		f := newFixture(t, Config{}, environment.DuelConfig{})
		f.login(t, "s1", protocol.LoginBody{})
		_, err := f.gw.Login(context.Background(), "s1", protocol.LoginBody{})
		assert.ErrorIs(t, err, core.ErrDuplicateSession)
	})

	t.Run("capacity", func(t *testing.T) {
		f := newFixture(t, Config{MaxSessions: 2}, environment.DuelConfig{})
		f.login(t, "s1", protocol.LoginBody{})
		f.login(t, "s2", protocol.LoginBody{})
		_, err := f.gw.Login(context.Background(), "s3", protocol.LoginBody{})
		assert.ErrorIs(t, err, core.ErrCapacityExceeded)

		f.gw.Logout("s1")
		f.login(t, "s3", protocol.LoginBody{})
	})

	t.Run("unknown role", func(t *testing.T) {
		f := newFixture(t, Config{}, environment.DuelConfig{})
		_, err := f.gw.Login(context.Background(), "s1", protocol.LoginBody{Role: "coach"})
		assert.ErrorIs(t, err, core.ErrInvalidState)
	})
}

func TestLogoutCancelsSuspendedStep(t *testing.T) {
	f := newFixture(t, Config{}, environment.DuelConfig{})
	a := f.login(t, "A", protocol.LoginBody{})
	b := f.login(t, "B", protocol.LoginBody{})
	f.reset(t, a)
	f.reset(t, b)

	// B never submits, so A is held at the barrier.
	pending := stepAsync(f.gw, a, environment.DuelSpec.Noop())
	time.Sleep(50 * time.Millisecond)

	assert.True(t, f.gw.Logout(a))
	out := awaitStep(t, pending)
	assert.ErrorIs(t, out.err, core.ErrCancelled)

	assert.False(t, f.gw.Logout(a), "second logout is a no-op")
	f.login(t, "A", protocol.LoginBody{})
	assert.Equal(t, core.StateAwaitingReset, f.gw.Debug("A").Session.State)
}

func TestStepStateErrors(t *testing.T) {
	f := newFixture(t, Config{}, environment.DuelConfig{MaxEpisodeTicks: 2})
	ctx := context.Background()

	_, err := f.gw.Step(ctx, "ghost", environment.DuelSpec.Noop())
	assert.ErrorIs(t, err, core.ErrUnknownSession)
	_, err = f.gw.Reset(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrUnknownSession)

	id := f.login(t, "s1", protocol.LoginBody{})
	_, err = f.gw.Step(ctx, id, environment.DuelSpec.Noop())
	assert.ErrorIs(t, err, core.ErrInvalidState)

	f.reset(t, id)
	r1, err := f.gw.Step(ctx, id, environment.DuelSpec.Noop())
	require.NoError(t, err)
	assert.False(t, r1.Done)
	assert.Equal(t, uint64(1), r1.Info.Tick)

	r2, err := f.gw.Step(ctx, id, environment.DuelSpec.Noop())
	require.NoError(t, err)
	require.True(t, r2.Done)
	assert.Equal(t, core.ResultTimeout, r2.Info.Result)
	require.NotNil(t, r2.Info.Opponent)
	assert.Equal(t, league.LiveID("main"), r2.Info.Opponent.ID)

	_, err = f.gw.Step(ctx, id, environment.DuelSpec.Noop())
	assert.ErrorIs(t, err, core.ErrEpisodeEnded)
	assert.Equal(t, core.StateActiveTerminal, f.gw.Debug(id).Session.State)

	res := f.reset(t, id)
	assert.Equal(t, 2, res.Episode)
	_, err = f.gw.Step(ctx, id, environment.DuelSpec.Noop())
	assert.NoError(t, err)
}

func TestIllegalActionIsRejected(t *testing.T) {
	f := newFixture(t, Config{}, environment.DuelConfig{})
	id := f.login(t, "s1", protocol.LoginBody{})
	res := f.reset(t, id)
	require.False(t, res.Mask[environment.HeadFood][1], "cannot eat at full hp")

	act := environment.DuelSpec.Noop()
	act[environment.HeadFood] = 1
	_, err := f.gw.Step(context.Background(), id, act)
	assert.ErrorIs(t, err, core.ErrIllegalAction)

	_, err = f.gw.Step(context.Background(), id, []int{0})
	assert.ErrorIs(t, err, core.ErrIllegalAction)

	snap := f.gw.Debug(id).Session
	assert.Equal(t, 0, snap.StepsInEpisode, "rejected actions do not count")
	assert.Equal(t, core.StateActive, snap.State)
}

func TestReset(t *testing.T) {
	t.Run("repeated before any step", func(t *testing.T) {
		f := newFixture(t, Config{}, environment.DuelConfig{})
		id := f.login(t, "s1", protocol.LoginBody{})
		first := f.reset(t, id)
		second := f.reset(t, id)
		assert.Equal(t, first.Episode+1, second.Episode)
		assert.Equal(t, core.StateActive, f.gw.Debug(id).Session.State)
	})

	t.Run("mid episode without permission", func(t *testing.T) {
		f := newFixture(t, Config{}, environment.DuelConfig{})
		id := f.login(t, "s1", protocol.LoginBody{})
		f.reset(t, id)
		_, err := f.gw.Step(context.Background(), id, environment.DuelSpec.Noop())
		require.NoError(t, err)

		_, err = f.gw.Reset(context.Background(), id)
		assert.ErrorIs(t, err, core.ErrInvalidState)
	})

	t.Run("forced reset reports a timeout", func(t *testing.T) {
		f := newFixture(t, Config{}, environment.DuelConfig{})
		outcomes := make(chan messaging.Message, 4)
		require.NoError(t, f.broker.Subscribe("test", outcomes, messaging.TopicOutcome))

		id := f.login(t, "s1", protocol.LoginBody{AllowForcedReset: true})
		f.reset(t, id)
		_, err := f.gw.Step(context.Background(), id, environment.DuelSpec.Noop())
		require.NoError(t, err)

		res := f.reset(t, id)
		assert.Equal(t, 2, res.Episode)

		select {
		case msg := <-outcomes:
			outcome, ok := msg.Payload.(core.EpisodeOutcome)
			require.True(t, ok)
			assert.Equal(t, core.ResultTimeout, outcome.Result)
			assert.Equal(t, 1, outcome.Episode)
			assert.Equal(t, id, outcome.SessionID)
		case <-time.After(time.Second):
			t.Fatal("no outcome published")
		}
	})
}

func TestMaskedSamplingIsNeverIllegal(t *testing.T) {
	f := newFixture(t, Config{}, environment.DuelConfig{MaxEpisodeTicks: 100})
	id := f.login(t, "s1", protocol.LoginBody{})
	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()

	for episode := 0; episode < 5; episode++ {
		obs := f.reset(t, id).Observation
		for {
			act := environment.DuelSpec.Sample(rng, obs.Mask)
			res, err := f.gw.Step(ctx, id, act)
			require.NoError(t, err, "action %v", act)
			if res.Done {
				break
			}
			obs = res.Observation
		}
	}
}

func TestLockstepIsDeterministic(t *testing.T) {
	play := func() [][]float64 {
		f := newFixture(t, Config{}, environment.DuelConfig{Seed: 21, MaxEpisodeTicks: 50})
		ids := []core.SessionID{f.login(t, "A", protocol.LoginBody{}), f.login(t, "B", protocol.LoginBody{})}
		rngs := []*rand.Rand{rand.New(rand.NewSource(1)), rand.New(rand.NewSource(2))}
		obs := make([]core.Observation, len(ids))
		for i, id := range ids {
			obs[i] = f.reset(t, id).Observation
		}

		var trace [][]float64
		for tick := 0; tick < 50; tick++ {
			chans := make([]<-chan stepOutcome, len(ids))
			for i, id := range ids {
				chans[i] = stepAsync(f.gw, id, environment.DuelSpec.Sample(rngs[i], obs[i].Mask))
			}
			done := false
			for i, ch := range chans {
				out := awaitStep(t, ch)
				require.NoError(t, out.err)
				assert.Equal(t, uint64(tick+1), out.res.Info.Tick)
				trace = append(trace, out.res.Features)
				obs[i] = out.res.Observation
				done = done || out.res.Done
			}
			if done {
				break
			}
		}
		return trace
	}

	assert.Equal(t, play(), play())
}

func TestDebug(t *testing.T) {
	f := newFixture(t, Config{}, environment.DuelConfig{})

	unknown := f.gw.Debug("ghost")
	assert.Equal(t, core.StateUnregistered, unknown.Session.State)
	assert.Equal(t, string(clock.ModeLockstep), unknown.Gateway.ClockMode)

	id := f.login(t, "s1", protocol.LoginBody{Agent: "challenger"})
	f.reset(t, id)
	_, err := f.gw.Step(context.Background(), id, environment.DuelSpec.Noop())
	require.NoError(t, err)

	snap := f.gw.Debug(id)
	assert.Equal(t, core.StateActive, snap.Session.State)
	assert.Equal(t, "challenger", snap.Session.Agent)
	assert.Equal(t, 1, snap.Session.Episode)
	assert.Equal(t, 1, snap.Session.StepsInEpisode)
	assert.Equal(t, uint64(1), snap.Session.TickOfLastStep)
	assert.Equal(t, string(league.StrategySelfPlay), snap.Session.Strategy)
	assert.NotEmpty(t, snap.Session.History)
	assert.NotEmpty(t, snap.Session.World)
	assert.Equal(t, 1, snap.Gateway.Sessions)
}

func TestRealTimeAccumulatesMissedTicks(t *testing.T) {
	f := newFixture(t, Config{Clock: clock.Config{Mode: clock.ModeRealTime, TickPeriod: 10 * time.Millisecond}},
		environment.DuelConfig{MaxEpisodeTicks: 10000})
	id := f.login(t, "s1", protocol.LoginBody{})
	f.reset(t, id)

	time.Sleep(60 * time.Millisecond)
	res, err := f.gw.Step(context.Background(), id, environment.DuelSpec.Noop())
	require.NoError(t, err)
	assert.False(t, res.Info.Noop)
	assert.False(t, res.Info.Stalled)
	assert.Greater(t, res.Info.MissedTicks, 0)
	assert.Greater(t, res.Info.Tick, uint64(res.Info.MissedTicks))
}

var paritySpec = action.MustSpec(action.Head{Name: "strike", Options: []string{"none", "strike"}})

// parityWorld allows striking on even ticks of a session only. With
// reportOpen set it always reports an open mask, like a world whose state
// moved on after the learner saw it.
type parityWorld struct {
	reportOpen bool

	mu    sync.Mutex
	ticks map[core.SessionID]int
}

func newParityWorld(reportOpen bool) *parityWorld {
	return &parityWorld{reportOpen: reportOpen, ticks: make(map[core.SessionID]int)}
}

func (w *parityWorld) Spec() *action.Spec { return paritySpec }
func (w *parityWorld) ObservationSize() int { return 1 }

func (w *parityWorld) mask(tick int) [][]bool {
	return [][]bool{{true, tick%2 == 0}}
}

func (w *parityWorld) observe(tick int) core.Observation {
	mask := w.mask(tick)
	if w.reportOpen {
		mask = paritySpec.Open()
	}
	return core.Observation{Features: []float64{float64(tick)}, Mask: mask}
}

func (w *parityWorld) ResetWorld(_ context.Context, id core.SessionID, _ environment.Opponent) (core.Observation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticks[id] = 0
	return w.observe(0), nil
}

func (w *parityWorld) StepWorld(_ context.Context, id core.SessionID, act []int) (environment.Transition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tick := w.ticks[id]
	if err := paritySpec.Validate(act, w.mask(tick)); err != nil {
		return environment.Transition{}, err
	}
	tick++
	w.ticks[id] = tick
	return environment.Transition{Observation: w.observe(tick), Rewards: map[string]float64{"tick": 1}}, nil
}

func (w *parityWorld) Close(id core.SessionID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ticks, id)
}

func (w *parityWorld) tick(id core.SessionID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticks[id]
}

func TestStaleMasksAreNeverClamped(t *testing.T) {
	strike := []int{1}

	t.Run("world rejects an action its current mask forbids", func(t *testing.T) {
		world := newParityWorld(true)
		f := newWorldFixture(t, Config{}, world)
		id := f.login(t, "s1", protocol.LoginBody{})
		f.reset(t, id)
		ctx := context.Background()

		_, err := f.gw.Step(ctx, id, strike)
		require.NoError(t, err)

		_, err = f.gw.Step(ctx, id, strike)
		assert.ErrorIs(t, err, core.ErrIllegalAction)
		assert.Equal(t, 1, world.tick(id), "the rejected action did not advance the world")

		snap := f.gw.Debug(id).Session
		assert.Equal(t, core.StateActive, snap.State)
		assert.Equal(t, 1, snap.StepsInEpisode)

		_, err = f.gw.Step(ctx, id, paritySpec.Noop())
		require.NoError(t, err)
		assert.Equal(t, 2, world.tick(id))
	})

	t.Run("synthesized ticks refresh the mask steps are checked against", func(t *testing.T) {
		world := newParityWorld(false)
		f := newWorldFixture(t, Config{Clock: clock.Config{StallTimeout: 30 * time.Millisecond}}, world)
		a := f.login(t, "A", protocol.LoginBody{})
		b := f.login(t, "B", protocol.LoginBody{})
		resA := f.reset(t, a)
		f.reset(t, b)
		require.True(t, resA.Mask[0][1], "striking is legal on tick 0")

		// A stays silent, so the tick stalls and A gets a no-op.
		out := awaitStep(t, stepAsync(f.gw, b, paritySpec.Noop()))
		require.NoError(t, out.err)
		require.Equal(t, 1, world.tick(a))

		_, err := f.gw.Step(context.Background(), a, strike)
		assert.ErrorIs(t, err, core.ErrIllegalAction)
		assert.Equal(t, 1, world.tick(a))
	})
}

func TestStaleMovesDoNotReachANewLogin(t *testing.T) {
	f := newFixture(t, Config{}, environment.DuelConfig{})
	ctx := context.Background()
	id := f.login(t, "s1", protocol.LoginBody{})
	f.reset(t, id)

	s, ok := f.gw.sessions.Get(id)
	require.True(t, ok)
	s.mu.Lock()
	stale := s.epoch
	s.mu.Unlock()

	require.True(t, f.gw.Logout(id))
	f.login(t, "s1", protocol.LoginBody{})
	res := f.reset(t, id)
	require.Equal(t, 1, res.Episode, "the new login is in episode 1 again")

	results := f.gw.Apply(ctx, 99, time.Now(), []clock.Move{
		{Session: id, Epoch: stale, Action: environment.DuelSpec.Noop()},
		{Session: id, Epoch: stale, Synthesized: true, Stalled: true},
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, core.ErrCancelled)
	}

	snap := f.gw.Debug(id).Session
	assert.Equal(t, 0, snap.World["tick"])
	assert.False(t, snap.Stalled)
	assert.Zero(t, snap.TickOfLastStep)
}

// hookedClock runs a callback before each submit reaches the controller.
type hookedClock struct {
	clock.Controller
	beforeSubmit func(id core.SessionID)
}

func (c *hookedClock) Submit(id core.SessionID, epoch int, act []int) (<-chan clock.Result, error) {
	if c.beforeSubmit != nil {
		c.beforeSubmit(id)
	}
	return c.Controller.Submit(id, epoch, act)
}

func TestStepReturnsTerminalTickThatRacedSubmit(t *testing.T) {
	world := environment.NewDuelWorld(environment.DuelConfig{Seed: 11, MaxEpisodeTicks: 1})
	scheduler := league.NewScheduler(league.DefaultConfig())
	gw, err := New(Config{Clock: clock.Config{Mode: clock.ModeRealTime, TickPeriod: time.Hour}},
		world, scheduler, agent.NewResolver(world.Spec(), world.ObservationSize()))
	require.NoError(t, err)
	t.Cleanup(gw.Shutdown)

	hooked := &hookedClock{Controller: gw.clock}
	gw.clock = hooked

	ctx := context.Background()
	_, err = gw.Login(ctx, "s1", protocol.LoginBody{})
	require.NoError(t, err)
	_, err = gw.Reset(ctx, "s1")
	require.NoError(t, err)

	// The timer ticks between the step's state check and its submit, and
	// that tick ends the episode.
	hooked.beforeSubmit = func(id core.SessionID) {
		s, _ := gw.sessions.Get(id)
		s.mu.Lock()
		epoch := s.epoch
		s.mu.Unlock()
		gw.Apply(ctx, 1, time.Now(), []clock.Move{{Session: id, Epoch: epoch, Synthesized: true}})
	}

	res, err := gw.Step(ctx, "s1", environment.DuelSpec.Noop())
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.True(t, res.Info.Noop)
	assert.Equal(t, core.ResultTimeout, res.Info.Result)

	hooked.beforeSubmit = nil
	_, err = gw.Step(ctx, "s1", environment.DuelSpec.Noop())
	assert.ErrorIs(t, err, core.ErrEpisodeEnded)
}
