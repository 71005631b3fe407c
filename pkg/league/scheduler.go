package league

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boristopalov/gladiator/internal/storage"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/messaging"
)

// strategyMainTarget matches exploiter sessions against the main agent.
const strategyMainTarget Strategy = "main_target"

type Config struct {
	Mix                  []Share  `mapstructure:"mix"`
	Targeted             []string `mapstructure:"targeted"`
	ExternalPool         string   `mapstructure:"external_pool"`
	MainAgent            string   `mapstructure:"main_agent"`
	InitialRating        float64  `mapstructure:"initial_rating"`
	KFactor              float64  `mapstructure:"k_factor"`
	MaxStep              float64  `mapstructure:"max_step"`
	PriorityExponent     float64  `mapstructure:"priority_exponent"`
	MaxActiveCheckpoints int      `mapstructure:"max_active_checkpoints"`
	PoolFile             string   `mapstructure:"pool_file"`
	Seed                 int64    `mapstructure:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Mix:              []Share{{Strategy: StrategySelfPlay, Percent: 100}},
		MainAgent:        "main",
		InitialRating:    1000,
		KFactor:          32,
		MaxStep:          32,
		PriorityExponent: 2,
	}
}

// Request asks for an opponent for the next episode of a session.
type Request struct {
	Session core.SessionID
	Agent   string
	Role    Role
}

// Assignment is the opponent bound to a session for one episode.
type Assignment struct {
	Entry    Entry
	Strategy Strategy
	// Planned is the strategy the mix asked for; it differs from Strategy
	// when selection fell back to a scripted baseline.
	Planned Strategy
}

type binding struct {
	planned Strategy
	role    Role
	entryID string
}

// Scheduler owns the opponent pool. Mutations (registration, retirement,
// outcome ingestion) are serialized; selection reads an immutable snapshot
// and may run concurrently with them.
type Scheduler struct {
	cfg     Config
	ratings storage.RatingStore
	broker  messaging.Broker
	now     func() time.Time

	writeMu sync.Mutex
	pool    atomic.Pointer[pool]

	bindMu   sync.Mutex
	bindings map[core.SessionID]binding

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Scheduler)

func WithRatingStore(store storage.RatingStore) Option {
	return func(s *Scheduler) {
		s.ratings = store
	}
}

func WithBroker(b messaging.Broker) Option {
	return func(s *Scheduler) {
		s.broker = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if len(cfg.Mix) == 0 {
		cfg.Mix = def.Mix
	}
	if cfg.MainAgent == "" {
		cfg.MainAgent = def.MainAgent
	}
	if cfg.InitialRating == 0 {
		cfg.InitialRating = def.InitialRating
	}
	if cfg.KFactor <= 0 {
		cfg.KFactor = def.KFactor
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = def.MaxStep
	}
	if cfg.PriorityExponent <= 0 {
		cfg.PriorityExponent = def.PriorityExponent
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Scheduler{
		cfg:      cfg,
		now:      time.Now,
		bindings: make(map[core.SessionID]binding),
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool.Store(newPool())
	return s
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Register adds an entry to the pool. Seq and RegisteredAt are assigned
// here; zero ratings and weights get the configured defaults.
func (s *Scheduler) Register(e Entry) (Entry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.pool.Load().clone()
	e, err := s.register(p, e)
	if err != nil {
		return Entry{}, err
	}
	s.pool.Store(p)
	return e, nil
}

func (s *Scheduler) register(p *pool, e Entry) (Entry, error) {
	if e.ID == "" {
		return Entry{}, fmt.Errorf("pool entry needs an id")
	}
	if e.Opponent == nil {
		return Entry{}, fmt.Errorf("pool entry %s has no opponent", e.ID)
	}
	if _, exists := p.get(e.ID); exists {
		return Entry{}, fmt.Errorf("pool entry %s already registered", e.ID)
	}
	if e.Rating == 0 {
		e.Rating = s.cfg.InitialRating
	}
	if e.Weight <= 0 {
		e.Weight = 1
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = s.now()
	}
	p.seq++
	e.Seq = p.seq
	p.put(e)

	if c, ok := e.Opponent.(Checkpoint); ok && s.cfg.MaxActiveCheckpoints > 0 {
		s.rotate(p, c.Agent)
	}
	return e, nil
}

// rotate retires the oldest checkpoints of an agent beyond the active limit.
func (s *Scheduler) rotate(p *pool, agent string) {
	active := p.active(func(e Entry) bool {
		c, ok := e.Opponent.(Checkpoint)
		return ok && c.Agent == agent
	})
	sort.Slice(active, func(i, j int) bool { return active[i].Seq < active[j].Seq })
	for len(active) > s.cfg.MaxActiveCheckpoints {
		old := active[0]
		old.Retired = true
		p.put(old)
		log.Printf("[league] retired checkpoint %s (rating %.1f)", old.ID, old.Rating)
		active = active[1:]
	}
}

// Seed loads entries, typically from a pool file, keeping their ratings
// and counters. Entries already present are skipped.
func (s *Scheduler) Seed(entries []Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.pool.Load().clone()
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		if _, exists := p.get(e.ID); exists {
			continue
		}
		if _, err := s.register(p, e); err != nil {
			return err
		}
	}
	s.pool.Store(p)
	return nil
}

// EnsureLive returns the live entry of an agent, registering it on first
// use. Exploiter-role agents are registered as exploiter entries.
func (s *Scheduler) EnsureLive(agent string, role Role) Entry {
	if e, ok := s.pool.Load().get(LiveID(agent)); ok {
		return e
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.pool.Load().clone()
	e := s.ensureLive(p, agent, role)
	s.pool.Store(p)
	return e
}

func (s *Scheduler) ensureLive(p *pool, agent string, role Role) Entry {
	if e, ok := p.get(LiveID(agent)); ok {
		return e
	}
	e, _ := s.register(p, Entry{
		ID:        LiveID(agent),
		Opponent:  LiveSelf{Agent: agent},
		Exploiter: role == RoleExploiter,
	})
	log.Printf("[league] registered live entry %s", e.ID)
	return e
}

// RegisterCheckpoint freezes the current rating of an agent's live entry
// into a new checkpoint entry.
func (s *Scheduler) RegisterCheckpoint(agent, modelRef string, step int64) (Entry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.pool.Load().clone()
	live := s.ensureLive(p, agent, RoleMain)
	e, err := s.register(p, Entry{
		ID:       CheckpointID(agent, step),
		Opponent: Checkpoint{Agent: agent, ModelRef: modelRef, Step: step},
		Rating:   live.Rating,
	})
	if err != nil {
		return Entry{}, err
	}
	s.pool.Store(p)
	log.Printf("[league] registered checkpoint %s (rating %.1f)", e.ID, e.Rating)
	return e, nil
}

// Retire excludes an entry from future sampling. It stays in the pool so
// its rating history remains queryable.
func (s *Scheduler) Retire(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.pool.Load().clone()
	e, ok := p.get(id)
	if !ok {
		return fmt.Errorf("unknown pool entry %s", id)
	}
	e.Retired = true
	p.put(e)
	s.pool.Store(p)
	return nil
}

// Entries returns every entry, retired ones included, in registration order.
func (s *Scheduler) Entries() []Entry {
	return s.pool.Load().list()
}

func (s *Scheduler) Entry(id string) (Entry, bool) {
	return s.pool.Load().get(id)
}

// Select binds an opponent to the session for its next episode, replacing
// any previous binding of that session.
func (s *Scheduler) Select(req Request) (Assignment, error) {
	if req.Role == "" {
		req.Role = RoleMain
	}
	p := s.pool.Load()

	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	delete(s.bindings, req.Session)

	planned := strategyMainTarget
	var entries []Entry
	var weights []float64
	if req.Role == RoleExploiter {
		if e, ok := p.get(LiveID(s.cfg.MainAgent)); ok && !e.Retired {
			entries, weights = []Entry{e}, []float64{1}
		}
	} else {
		planned = plan(s.cfg.Mix, s.plannedCounts())
		entries, weights = s.candidates(p, planned, req)
	}

	used := planned
	if len(entries) == 0 {
		used = StrategyScripted
		entries, weights = s.candidates(p, StrategyScripted, req)
	}
	if len(entries) == 0 {
		return Assignment{}, core.Errorf(core.CodeInvalidState, "opponent pool has no candidate for strategy %s", planned)
	}

	chosen := entries[s.sample(weights)]
	s.bindings[req.Session] = binding{planned: planned, role: req.Role, entryID: chosen.ID}
	return Assignment{Entry: chosen, Strategy: used, Planned: planned}, nil
}

func (s *Scheduler) plannedCounts() map[Strategy]int {
	counts := make(map[Strategy]int)
	for _, b := range s.bindings {
		if b.role == RoleMain {
			counts[b.planned]++
		}
	}
	return counts
}

// Release drops the opponent binding of a session.
func (s *Scheduler) Release(id core.SessionID) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	delete(s.bindings, id)
}

// Bound returns the entry id bound to a session, if any.
func (s *Scheduler) Bound(id core.SessionID) (string, bool) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	b, ok := s.bindings[id]
	return b.entryID, ok
}

func (s *Scheduler) sample(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	s.rngMu.Lock()
	r := s.rng.Float64() * total
	s.rngMu.Unlock()
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

// RatingUpdate is published on the broker for every rated outcome.
type RatingUpdate struct {
	Agent    storage.RatingRecord
	Opponent storage.RatingRecord
}

// Ingest applies an episode outcome to the pool. Calls are serialized, so
// every outcome is rated against the ratings left by the previous one.
func (s *Scheduler) Ingest(ctx context.Context, outcome core.EpisodeOutcome) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.pool.Load().clone()
	agent := s.ensureLive(p, outcome.Agent, RoleMain)
	opp, ok := p.get(outcome.OpponentID)
	if !ok {
		return fmt.Errorf("outcome for session %s names unknown opponent %s", outcome.SessionID, outcome.OpponentID)
	}

	opp.Games++
	if outcome.Result == core.ResultWon {
		opp.LearnerWins++
	}
	if opp.ID == agent.ID {
		// A live policy playing itself carries no rating information.
		p.put(opp)
		s.pool.Store(p)
		return nil
	}

	delta := RatingDelta(agent.Rating, opp.Rating, outcome.Result, s.cfg.KFactor, s.cfg.MaxStep)
	agent.Rating += delta
	opp.Rating -= delta
	p.put(agent)
	p.put(opp)
	s.pool.Store(p)

	at := outcome.EndedAt
	if at.IsZero() {
		at = s.now()
	}
	update := RatingUpdate{
		Agent: storage.RatingRecord{
			EntryID: agent.ID, Rating: agent.Rating, Delta: delta, OpponentID: opp.ID,
			SessionID: string(outcome.SessionID), Result: string(outcome.Result), RecordedAt: at,
		},
		Opponent: storage.RatingRecord{
			EntryID: opp.ID, Rating: opp.Rating, Delta: -delta, OpponentID: agent.ID,
			SessionID: string(outcome.SessionID), Result: string(invert(outcome.Result)), RecordedAt: at,
		},
	}
	if s.ratings != nil {
		for _, rec := range []storage.RatingRecord{update.Agent, update.Opponent} {
			if err := s.ratings.AppendRating(ctx, rec); err != nil {
				log.Printf("[league] Warning: failed to record rating of %s: %v", rec.EntryID, err)
			}
		}
	}
	if s.broker != nil {
		if err := s.broker.Publish(messaging.Message{Topic: messaging.TopicRating, From: "league", Payload: update}); err != nil {
			log.Printf("[league] Warning: rating update dropped: %v", err)
		}
	}
	return nil
}

// History returns the recorded rating changes of an entry.
func (s *Scheduler) History(ctx context.Context, id string) ([]storage.RatingRecord, error) {
	if s.ratings == nil {
		return nil, fmt.Errorf("no rating store configured")
	}
	return s.ratings.RatingHistory(ctx, id)
}

func invert(r core.Result) core.Result {
	switch r {
	case core.ResultWon:
		return core.ResultLost
	case core.ResultLost:
		return core.ResultWon
	}
	return r
}
