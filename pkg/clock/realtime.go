package clock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boristopalov/gladiator/pkg/core"
)

// DefaultTickPeriod is the nominal game tick.
const DefaultTickPeriod = 600 * time.Millisecond

// RealTime advances on a fixed timer. Every member session gets a move
// each tick; sessions that did not submit get a synthesized no-op.
type RealTime struct {
	applier Applier
	period  time.Duration

	mu      sync.Mutex
	tick    uint64
	members map[core.SessionID]int // epoch each member joined with
	pending map[core.SessionID]*waiter
}

var _ Controller = (*RealTime)(nil)

func NewRealTime(applier Applier, period time.Duration) *RealTime {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	return &RealTime{
		applier: applier,
		period:  period,
		members: make(map[core.SessionID]int),
		pending: make(map[core.SessionID]*waiter),
	}
}

func (r *RealTime) Mode() Mode {
	return ModeRealTime
}

func (r *RealTime) Tick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

func (r *RealTime) Join(id core.SessionID, epoch int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[id] = epoch
}

func (r *RealTime) Leave(id core.SessionID, cause error) {
	if cause == nil {
		cause = core.ErrCancelled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, id)
	if w, ok := r.pending[id]; ok {
		delete(r.pending, id)
		w.done <- Result{Err: cause}
	}
}

func (r *RealTime) Submit(id core.SessionID, epoch int, act []int) (<-chan Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.members[id]
	if !ok {
		return nil, core.Errorf(core.CodeInvalidState, "session %s is not in an active episode", id)
	}
	if joined != epoch {
		return nil, core.Errorf(core.CodeInvalidState, "session %s is not in episode epoch %d", id, epoch)
	}
	if _, dup := r.pending[id]; dup {
		return nil, core.Errorf(core.CodeInvalidState, "session %s already submitted for tick %d", id, r.tick+1)
	}
	w := newWaiter(id, epoch, act)
	r.pending[id] = w
	return w.done, nil
}

func (r *RealTime) advance() batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tick++
	ids := make([]core.SessionID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	b := batch{tick: r.tick}
	for _, id := range ids {
		if w, ok := r.pending[id]; ok {
			b.moves = append(b.moves, w.move)
			b.waiters = append(b.waiters, w)
			continue
		}
		b.moves = append(b.moves, Move{Session: id, Epoch: r.members[id], Synthesized: true})
		b.waiters = append(b.waiters, nil)
	}
	r.pending = make(map[core.SessionID]*waiter)
	return b
}

// Run ticks every period until ctx is done. The ticker goroutine is the
// sequencer, so ticks are applied strictly one after another.
func (r *RealTime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b := r.advance()
			if len(b.moves) == 0 {
				continue
			}
			deliver(ctx, r.applier, b)
		}
	}
}
