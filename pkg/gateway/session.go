package gateway

import (
	"sync"
	"time"

	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/boristopalov/gladiator/pkg/memory"
	"github.com/boristopalov/gladiator/pkg/protocol"
)

// Session is one logical fight instance. It lives from login to logout and
// is reused across episodes. All fields are guarded by mu.
type Session struct {
	mu sync.Mutex

	id               core.SessionID
	agent            string
	role             league.Role
	allowForcedReset bool
	createdAt        time.Time

	state          core.SessionState
	opponent       *league.Assignment
	episode        int
	// epoch identifies the current episode across every session of the
	// gateway, so moves queued for an earlier login of the same id are
	// told apart.
	epoch          int
	tickOfLastStep uint64
	steps          int

	// Rewards of ticks resolved without a step response; paid out with the
	// next response.
	pendingReward     float64
	pendingComponents map[string]float64
	missedTicks       int
	stalled           bool

	// mask reported with the last observation; steps are validated against it.
	mask [][]bool
	// buffered holds a terminal result produced by a tick the session did
	// not submit for. The next step returns it.
	buffered *core.StepResult

	history *memory.Memory[protocol.Event]

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id core.SessionID, agent string, role league.Role, allowForcedReset bool, historySize int) *Session {
	return &Session{
		id:               id,
		agent:            agent,
		role:             role,
		allowForcedReset: allowForcedReset,
		createdAt:        time.Now(),
		state:            core.StateAwaitingReset,
		history:          memory.NewMemory[protocol.Event](historySize),
		done:             make(chan struct{}),
	}
}

func (s *Session) ID() core.SessionID {
	return s.id
}

// Done is closed when the session logs out.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) record(tick uint64, kind, detail string) {
	s.history.Store(protocol.Event{At: time.Now(), Tick: tick, Kind: kind, Detail: detail})
}

func (s *Session) accumulate(rewards map[string]float64) {
	if s.pendingComponents == nil {
		s.pendingComponents = make(map[string]float64, len(rewards))
	}
	for k, v := range rewards {
		s.pendingReward += v
		s.pendingComponents[k] += v
	}
}

func (s *Session) clearPending() {
	s.pendingReward = 0
	s.pendingComponents = nil
	s.missedTicks = 0
	s.stalled = false
}

// snapshot must be called with mu held.
func (s *Session) snapshot() protocol.SessionSnapshot {
	snap := protocol.SessionSnapshot{
		ID:             string(s.id),
		State:          s.state,
		Agent:          s.agent,
		Role:           string(s.role),
		Episode:        s.episode,
		TickOfLastStep: s.tickOfLastStep,
		StepsInEpisode: s.steps,
		Stalled:        s.stalled,
		PendingReward:  s.pendingReward,
		MissedTicks:    s.missedTicks,
		History:        s.history.All(),
	}
	if s.opponent != nil {
		ref := s.opponent.Entry.Ref()
		snap.Opponent = &ref
		snap.Strategy = string(s.opponent.Strategy)
	}
	return snap
}
