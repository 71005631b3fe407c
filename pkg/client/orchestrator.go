package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/protocol"
)

// BackoffPolicy bounds the retries of login and reset.
type BackoffPolicy struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	// MaxRetries is the number of retries after the first attempt before
	// the slot is marked Degraded.
	MaxRetries int `mapstructure:"max_retries"`
}

func defaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		MaxRetries:     5,
	}
}

func normalizeBackoffPolicy(p BackoffPolicy) BackoffPolicy {
	def := defaultBackoffPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

type Config struct {
	Addr        string
	Concurrency int
	Agent       string
	Role        string
	// RequestTimeout applies to login, reset and logout.
	RequestTimeout time.Duration
	// StepTimeout applies to step. A step that times out abandons the
	// episode with a forced reset; zero waits indefinitely.
	StepTimeout time.Duration
	Backoff     BackoffPolicy
	// MaxEpisodes stops the run once this many episodes were started
	// across all slots. Zero runs until the context is done.
	MaxEpisodes int
}

type SlotState string

const (
	SlotIdle     SlotState = "idle"
	SlotRunning  SlotState = "running"
	SlotDegraded SlotState = "degraded"
	SlotFailed   SlotState = "failed"
	SlotStopped  SlotState = "stopped"
)

// SlotStatus describes one concurrent session slot.
type SlotStatus struct {
	Index     int
	SessionID core.SessionID
	State     SlotState
	Episodes  int
	Retries   int
	LastError string
}

// ErrRetriesExhausted marks a slot that gave up after MaxRetries.
var ErrRetriesExhausted = errors.New("retries exhausted")

type Dialer func(ctx context.Context, addr string) (*Conn, error)

// Orchestrator keeps up to Concurrency sessions running episodes for a
// learner. A slot that keeps failing is taken out of rotation without
// affecting the others.
type Orchestrator struct {
	cfg     Config
	dial    Dialer
	onError func(slot int, err error)

	started atomic.Int64

	mu    sync.Mutex
	slots []SlotStatus
}

type Option func(*Orchestrator)

func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) {
		o.dial = d
	}
}

// WithErrorHandler is called when a slot degrades or fails.
func WithErrorHandler(fn func(slot int, err error)) Option {
	return func(o *Orchestrator) {
		o.onError = fn
	}
}

func NewOrchestrator(cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	cfg.Backoff = normalizeBackoffPolicy(cfg.Backoff)

	o := &Orchestrator{
		cfg:   cfg,
		dial:  Dial,
		slots: make([]SlotStatus, cfg.Concurrency),
	}
	for i := range o.slots {
		o.slots[i] = SlotStatus{Index: i, State: SlotIdle}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Slots returns a snapshot of every slot.
func (o *Orchestrator) Slots() []SlotStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SlotStatus, len(o.slots))
	copy(out, o.slots)
	return out
}

func (o *Orchestrator) update(i int, fn func(*SlotStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.slots[i])
}

// Run drives every slot until ctx is done or the episode budget is spent.
// It fails only when no slot finished cleanly.
func (o *Orchestrator) Run(ctx context.Context, learner core.Learner) error {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o.runSlot(ctx, i, learner)
		}(i)
	}
	wg.Wait()

	healthy := 0
	for _, s := range o.Slots() {
		if s.State == SlotStopped {
			healthy++
		}
	}
	if healthy == 0 {
		return fmt.Errorf("all %d slots degraded or failed", o.cfg.Concurrency)
	}
	return nil
}

// slot is the state owned by one slot goroutine.
type slot struct {
	index int
	conn  *Conn
	id    core.SessionID
}

func (o *Orchestrator) runSlot(ctx context.Context, i int, learner core.Learner) {
	s := &slot{index: i}
	o.update(i, func(st *SlotStatus) { st.State = SlotRunning })
	defer o.release(s)

	err := o.loop(ctx, s, learner)
	switch {
	case err == nil || ctx.Err() != nil:
		o.update(i, func(st *SlotStatus) { st.State = SlotStopped })
	case errors.Is(err, ErrRetriesExhausted):
		log.Printf("[client] Warning: slot %d degraded: %v", i, err)
		o.update(i, func(st *SlotStatus) {
			st.State = SlotDegraded
			st.LastError = err.Error()
		})
		o.reportError(i, err)
	default:
		log.Printf("[client] Warning: slot %d failed: %v", i, err)
		o.update(i, func(st *SlotStatus) {
			st.State = SlotFailed
			st.LastError = err.Error()
		})
		o.reportError(i, err)
	}
}

func (o *Orchestrator) reportError(i int, err error) {
	if o.onError != nil {
		o.onError(i, err)
	}
}

func (o *Orchestrator) release(s *slot) {
	if s.conn == nil {
		return
	}
	o.logout(s)
	s.conn.Close()
}

// logout releases the slot's session on a best-effort basis.
func (o *Orchestrator) logout(s *slot) {
	if s.id == "" || s.conn == nil || s.conn.Closed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
	defer cancel()
	if _, err := s.conn.Logout(ctx, s.id); err != nil {
		log.Printf("[client] Warning: logout of %s failed: %v", s.id, err)
	}
}

func (o *Orchestrator) loop(ctx context.Context, s *slot, learner core.Learner) error {
	for ctx.Err() == nil {
		if o.cfg.MaxEpisodes > 0 && o.started.Add(1) > int64(o.cfg.MaxEpisodes) {
			return nil
		}

		var res core.ResetResult
		err := o.retry(ctx, s, "reset", func(rctx context.Context) error {
			if err := o.ensureSession(rctx, s, learner); err != nil {
				return err
			}
			var err error
			res, err = s.conn.Reset(rctx, s.id)
			if core.CodeOf(err) == core.CodeUnknownSession {
				s.id = ""
			}
			return err
		})
		if err != nil || ctx.Err() != nil {
			return err
		}

		if err := o.episode(ctx, s, learner, res); err != nil {
			return err
		}
	}
	return nil
}

// ensureSession dials and logs in when the slot has no live session.
func (o *Orchestrator) ensureSession(ctx context.Context, s *slot, learner core.Learner) error {
	if s.conn == nil || s.conn.Closed() {
		conn, err := o.dial(ctx, o.cfg.Addr)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	if s.id != "" {
		return nil
	}

	res, err := s.conn.Login(ctx, "", protocol.LoginBody{
		Agent:            o.cfg.Agent,
		Role:             o.cfg.Role,
		AllowForcedReset: o.cfg.StepTimeout > 0,
	})
	if err != nil {
		return err
	}
	s.id = core.SessionID(res.ID)
	o.update(s.index, func(st *SlotStatus) { st.SessionID = s.id })
	if aware, ok := learner.(agent.SpecAware); ok && res.ActionSpec != nil {
		aware.UseSpec(res.ActionSpec)
	}
	return nil
}

// episode steps one episode to its end. A step timeout abandons the
// episode; the caller's next reset is forced.
func (o *Orchestrator) episode(ctx context.Context, s *slot, learner core.Learner, res core.ResetResult) error {
	outcome := core.EpisodeOutcome{
		SessionID:  s.id,
		Agent:      o.cfg.Agent,
		Episode:    res.Episode,
		OpponentID: res.Opponent.ID,
		Metrics:    map[string]float64{},
	}
	obs := res.Observation
	for {
		act, err := learner.Act(ctx, s.index, obs)
		if err != nil {
			return fmt.Errorf("learner act: %w", err)
		}

		sctx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.StepTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		}
		step, err := s.conn.Step(sctx, s.id, act)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch core.CodeOf(err) {
			case core.CodeTimeout:
				log.Printf("[client] Warning: step on %s timed out, abandoning episode %d", s.id, res.Episode)
				outcome.Result = core.ResultTimeout
				outcome.Metrics["abandoned"] = 1
				o.complete(s, learner, outcome)
				return nil
			case core.CodeCancelled:
				// The session may still be registered; free it before the
				// next reset logs in again.
				o.logout(s)
				s.id = ""
				return nil
			case core.CodeUnknownSession:
				s.id = ""
				return nil
			}
			return err
		}

		learner.Observe(ctx, s.index, step)
		outcome.Metrics["return"] += step.Reward
		outcome.Metrics["steps"]++
		outcome.Metrics["missed_ticks"] += float64(step.Info.MissedTicks)
		if step.Done {
			outcome.Result = step.Info.Result
			if step.Info.Opponent != nil {
				outcome.OpponentID = step.Info.Opponent.ID
			}
			o.complete(s, learner, outcome)
			return nil
		}
		obs = step.Observation
	}
}

func (o *Orchestrator) complete(s *slot, learner core.Learner, outcome core.EpisodeOutcome) {
	outcome.EndedAt = time.Now()
	learner.ConsumeOutcome(outcome)
	o.update(s.index, func(st *SlotStatus) { st.Episodes++ })
}

// retry runs fn with the request timeout, retrying retryable errors with
// bounded exponential backoff.
func (o *Orchestrator) retry(ctx context.Context, s *slot, op string, fn func(context.Context) error) error {
	policy := o.cfg.Backoff
	backoff := policy.InitialBackoff
	for attempt := 0; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		err := fn(rctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if !core.IsRetryable(err) {
			return err
		}
		if attempt >= policy.MaxRetries {
			return fmt.Errorf("%s after %d attempts: %w: %v", op, attempt+1, ErrRetriesExhausted, err)
		}

		log.Printf("[client] slot %d %s failed, retrying in %s: %v", s.index, op, backoff, err)
		o.update(s.index, func(st *SlotStatus) {
			st.Retries++
			st.LastError = err.Error()
		})
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * policy.BackoffFactor)
		if next > policy.MaxBackoff {
			next = policy.MaxBackoff
		}
		backoff = next
	}
}
