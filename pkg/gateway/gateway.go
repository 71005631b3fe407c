// Package gateway multiplexes training sessions over newline-delimited
// JSON connections and drives their worlds through a clock controller.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/clock"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/environment"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/boristopalov/gladiator/pkg/messaging"
	"github.com/boristopalov/gladiator/pkg/protocol"
	"github.com/google/uuid"
)

type Config struct {
	MaxSessions      int
	AllowForcedReset bool
	HistorySize      int
	Clock            clock.Config
}

// Gateway owns the session table and implements the five session
// operations. It is also the clock's Applier: resolved ticks come back
// through Apply.
type Gateway struct {
	cfg       Config
	world     environment.World
	scheduler *league.Scheduler
	resolver  *agent.Resolver
	broker    messaging.Broker
	sessions  *Registry
	clock     clock.Controller
	epochs    atomic.Int64
}

var _ clock.Applier = (*Gateway)(nil)

type Option func(*Gateway)

func WithBroker(b messaging.Broker) Option {
	return func(g *Gateway) {
		g.broker = b
	}
}

// WithRegistry replaces the default session table.
func WithRegistry(r *Registry) Option {
	return func(g *Gateway) {
		g.sessions = r
	}
}

func New(cfg Config, world environment.World, scheduler *league.Scheduler, resolver *agent.Resolver, opts ...Option) (*Gateway, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	g := &Gateway{
		cfg:       cfg,
		world:     world,
		scheduler: scheduler,
		resolver:  resolver,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sessions == nil {
		g.sessions = NewRegistry(cfg.MaxSessions)
	}

	c, err := clock.New(cfg.Clock, g)
	if err != nil {
		return nil, err
	}
	g.clock = c
	return g, nil
}

func (g *Gateway) Mode() clock.Mode {
	return g.clock.Mode()
}

// Run drives the clock until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	log.Printf("[gateway] clock running in %s mode", g.clock.Mode())
	return g.clock.Run(ctx)
}

// Login creates a session. An empty id allocates a fresh one.
func (g *Gateway) Login(_ context.Context, id core.SessionID, body protocol.LoginBody) (protocol.LoginResult, error) {
	if id == "" {
		id = core.SessionID(uuid.New().String())
	}
	agentName := body.Agent
	if agentName == "" {
		agentName = g.scheduler.Config().MainAgent
	}
	role := league.Role(body.Role)
	switch role {
	case "":
		role = league.RoleMain
	case league.RoleMain, league.RoleExploiter:
	default:
		return protocol.LoginResult{}, core.Errorf(core.CodeInvalidState, "unknown role %q", body.Role)
	}

	s := newSession(id, agentName, role, body.AllowForcedReset, g.cfg.HistorySize)
	if err := g.sessions.Create(s); err != nil {
		return protocol.LoginResult{}, err
	}
	g.scheduler.EnsureLive(agentName, role)
	s.record(0, "login", fmt.Sprintf("agent=%s role=%s", agentName, role))
	log.Printf("[gateway] session %s logged in (agent %s, role %s)", id, agentName, role)

	return protocol.LoginResult{
		ID:              string(id),
		ActionSpec:      g.world.Spec(),
		ObservationSize: g.world.ObservationSize(),
		ClockMode:       string(g.clock.Mode()),
	}, nil
}

// Logout releases a session and unblocks its suspended step with
// Cancelled. Unknown ids are a no-op.
func (g *Gateway) Logout(id core.SessionID) bool {
	s, ok := g.sessions.Remove(id)
	if !ok {
		return false
	}

	s.mu.Lock()
	s.state = core.StateUnregistered
	s.close()
	s.mu.Unlock()

	g.clock.Leave(id, core.Errorf(core.CodeCancelled, "session %s logged out", id))
	g.scheduler.Release(id)
	g.world.Close(id)
	log.Printf("[gateway] session %s logged out", id)
	return true
}

// Shutdown logs out every session.
func (g *Gateway) Shutdown() {
	for _, id := range g.sessions.IDs() {
		g.Logout(id)
	}
}

// Reset starts a new episode against a freshly selected opponent.
func (g *Gateway) Reset(ctx context.Context, id core.SessionID) (core.ResetResult, error) {
	s, ok := g.sessions.Get(id)
	if !ok {
		return core.ResetResult{}, core.Errorf(core.CodeUnknownSession, "session %s is not logged in", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case core.StateAwaitingReset, core.StateActiveTerminal:
	case core.StateActive:
		if s.steps > 0 {
			if !s.allowForcedReset && !g.cfg.AllowForcedReset {
				return core.ResetResult{}, core.Errorf(core.CodeInvalidState, "session %s has an episode in progress", id)
			}
			g.clock.Leave(id, core.Errorf(core.CodeCancelled, "episode %d abandoned by reset", s.episode))
			g.finish(s, core.ResultTimeout, map[string]float64{"abandoned": 1}, time.Now())
		} else {
			// Nothing was stepped yet; the untouched episode is dropped.
			g.clock.Leave(id, core.Errorf(core.CodeCancelled, "episode %d replaced by reset", s.episode))
		}
	default:
		return core.ResetResult{}, core.Errorf(core.CodeInvalidState, "session %s cannot reset in state %s", id, s.state)
	}

	assignment, err := g.scheduler.Select(league.Request{Session: id, Agent: s.agent, Role: s.role})
	if err != nil {
		return core.ResetResult{}, err
	}
	policy, err := g.resolver.Resolve(ctx, assignment.Entry)
	if err != nil {
		return core.ResetResult{}, core.Errorf(core.CodeInternal, "%v", err)
	}
	ref := assignment.Entry.Ref()
	obs, err := g.world.ResetWorld(ctx, id, environment.Opponent{Ref: ref, Policy: policy})
	if err != nil {
		return core.ResetResult{}, core.Errorf(core.CodeInternal, "reset world: %v", err)
	}

	s.episode++
	s.epoch = int(g.epochs.Add(1))
	s.state = core.StateActive
	s.opponent = &assignment
	s.steps = 0
	s.buffered = nil
	s.mask = obs.Mask
	s.clearPending()
	g.clock.Join(id, s.epoch)
	s.record(g.clock.Tick(), "reset", fmt.Sprintf("episode=%d opponent=%s strategy=%s", s.episode, ref.ID, assignment.Strategy))

	return core.ResetResult{Observation: obs, Opponent: ref, Episode: s.episode}, nil
}

// Step submits an action and suspends until the tick it was queued for is
// resolved, the session logs out, or ctx is done.
func (g *Gateway) Step(ctx context.Context, id core.SessionID, act []int) (core.StepResult, error) {
	s, ok := g.sessions.Get(id)
	if !ok {
		return core.StepResult{}, core.Errorf(core.CodeUnknownSession, "session %s is not logged in", id)
	}

	s.mu.Lock()
	if s.buffered != nil {
		r := *s.buffered
		s.buffered = nil
		s.mu.Unlock()
		return r, nil
	}
	switch s.state {
	case core.StateActive:
	case core.StateActiveTerminal:
		s.mu.Unlock()
		return core.StepResult{}, core.Errorf(core.CodeEpisodeEnded, "session %s episode %d is over; reset first", id, s.episode)
	default:
		s.mu.Unlock()
		return core.StepResult{}, core.Errorf(core.CodeInvalidState, "session %s cannot step in state %s", id, s.state)
	}
	if err := g.world.Spec().Validate(act, s.mask); err != nil {
		s.mu.Unlock()
		return core.StepResult{}, err
	}
	epoch := s.epoch
	s.steps++
	done := s.done
	s.mu.Unlock()

	ch, err := g.clock.Submit(id, epoch, act)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch == epoch {
			s.steps--
		}
		// A synthesized tick may have ended the episode since the lock was
		// released; its result is the answer to this step.
		if s.buffered != nil && s.epoch == epoch {
			r := *s.buffered
			s.buffered = nil
			return r, nil
		}
		return core.StepResult{}, err
	}
	select {
	case r := <-ch:
		return r.Step, r.Err
	case <-done:
		return core.StepResult{}, core.Errorf(core.CodeCancelled, "session %s logged out", id)
	case <-ctx.Done():
		return core.StepResult{}, core.Errorf(core.CodeCancelled, "request abandoned: %v", ctx.Err())
	}
}

// Debug never fails: unknown ids report the Unregistered state.
func (g *Gateway) Debug(id core.SessionID) protocol.DebugResult {
	out := protocol.DebugResult{
		Session: protocol.SessionSnapshot{ID: string(id), State: core.StateUnregistered},
		Gateway: protocol.GatewaySnapshot{
			ClockMode:   string(g.clock.Mode()),
			Tick:        g.clock.Tick(),
			Sessions:    g.sessions.Len(),
			MaxSessions: g.sessions.Capacity(),
		},
	}
	if s, ok := g.sessions.Get(id); ok {
		s.mu.Lock()
		out.Session = s.snapshot()
		s.mu.Unlock()
	}
	if inspector, ok := g.world.(environment.Inspector); ok {
		if w, ok := inspector.Inspect(id); ok {
			out.Session.World = w
		}
	}
	return out
}

// Apply resolves one tick. Sessions own disjoint worlds, so their moves
// are applied concurrently; the clock releases all waiters afterwards.
func (g *Gateway) Apply(ctx context.Context, tick uint64, at time.Time, moves []clock.Move) []clock.Result {
	results := make([]clock.Result, len(moves))
	var wg sync.WaitGroup
	for i, m := range moves {
		wg.Add(1)
		go func(i int, m clock.Move) {
			defer wg.Done()
			results[i] = g.apply(ctx, tick, at, m)
		}(i, m)
	}
	wg.Wait()
	return results
}

func (g *Gateway) apply(ctx context.Context, tick uint64, at time.Time, m clock.Move) clock.Result {
	s, ok := g.sessions.Get(m.Session)
	if !ok {
		return clock.Result{Err: core.Errorf(core.CodeCancelled, "session %s logged out", m.Session)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != core.StateActive || m.Epoch != s.epoch {
		return clock.Result{Err: core.Errorf(core.CodeCancelled, "episode epoch %d of session %s is no longer active", m.Epoch, m.Session)}
	}

	act := m.Action
	if m.Synthesized {
		act = g.world.Spec().Noop()
	}
	tr, err := g.world.StepWorld(ctx, s.id, act)
	if err != nil {
		if core.CodeOf(err) == core.CodeIllegalAction {
			s.steps--
			s.record(tick, "illegal", err.Error())
			return clock.Result{Err: err}
		}
		log.Printf("[gateway] Warning: world step failed for session %s: %v", s.id, err)
		return clock.Result{Err: core.AsError(err)}
	}

	s.tickOfLastStep = tick
	s.mask = tr.Observation.Mask
	s.accumulate(tr.Rewards)
	if m.Synthesized {
		s.missedTicks++
		if m.Stalled {
			s.stalled = true
			s.record(tick, "stalled", "no-op synthesized")
		}
	}
	if m.Synthesized && !tr.Terminal {
		return clock.Result{}
	}

	res := core.StepResult{
		Observation: tr.Observation,
		Reward:      s.pendingReward,
		Done:        tr.Terminal,
		Info: core.StepInfo{
			Tick:             tick,
			RewardComponents: s.pendingComponents,
			Stalled:          s.stalled,
			Noop:             m.Synthesized,
			MissedTicks:      s.missedTicks,
			ResolvedAt:       at,
		},
	}
	s.clearPending()

	if tr.Terminal {
		res.Info.Result = tr.Result
		if s.opponent != nil {
			ref := s.opponent.Entry.Ref()
			res.Info.Opponent = &ref
		}
		g.clock.Leave(s.id, nil)
		g.finish(s, tr.Result, tr.Metrics, at)
	}
	if m.Synthesized {
		s.buffered = &res
		return clock.Result{}
	}
	return clock.Result{Step: res}
}

// finish ends the current episode and reports its outcome. Callers hold s.mu.
func (g *Gateway) finish(s *Session, result core.Result, metrics map[string]float64, at time.Time) {
	s.state = core.StateActiveTerminal
	outcome := core.EpisodeOutcome{
		SessionID: s.id,
		Agent:     s.agent,
		Episode:   s.episode,
		Result:    result,
		Metrics:   metrics,
		EndedAt:   at,
	}
	if s.opponent != nil {
		outcome.OpponentID = s.opponent.Entry.ID
	}
	s.record(s.tickOfLastStep, "outcome", fmt.Sprintf("%s vs %s", result, outcome.OpponentID))
	log.Printf("[gateway] session %s episode %d ended %s vs %s", s.id, s.episode, result, outcome.OpponentID)

	if err := g.scheduler.Ingest(context.Background(), outcome); err != nil {
		log.Printf("[gateway] Warning: outcome of session %s not rated: %v", s.id, err)
	}
	if g.broker != nil {
		if err := g.broker.Publish(messaging.Message{Topic: messaging.TopicOutcome, From: "gateway", Payload: outcome}); err != nil {
			log.Printf("[gateway] Warning: outcome of session %s dropped: %v", s.id, err)
		}
	}
}
