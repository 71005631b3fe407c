package clock

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/boristopalov/gladiator/pkg/core"
)

// Lockstep advances a tick only when every member session has submitted
// exactly one move for it. Sessions that join while moves are pending are
// held out of the current barrier and become members on the next tick.
// A session that does not submit within the stall timeout gets a
// synthesized no-op so the others are not held hostage.
type Lockstep struct {
	applier      Applier
	stallTimeout time.Duration

	mu       sync.Mutex
	tick     uint64
	members  map[core.SessionID]int // epoch each member joined with
	joining  map[core.SessionID]int
	pending  map[core.SessionID]*waiter
	deferred map[core.SessionID]*waiter
	stall    *time.Timer
	queue    []batch
	wake     chan struct{}
}

var _ Controller = (*Lockstep)(nil)

// NewLockstep returns a lockstep controller. A stall timeout <= 0 disables
// no-op synthesis.
func NewLockstep(applier Applier, stallTimeout time.Duration) *Lockstep {
	return &Lockstep{
		applier:      applier,
		stallTimeout: stallTimeout,
		members:      make(map[core.SessionID]int),
		joining:      make(map[core.SessionID]int),
		pending:      make(map[core.SessionID]*waiter),
		deferred:     make(map[core.SessionID]*waiter),
		wake:         make(chan struct{}, 1),
	}
}

func (l *Lockstep) Mode() Mode {
	return ModeLockstep
}

func (l *Lockstep) Tick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tick
}

func (l *Lockstep) Join(id core.SessionID, epoch int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.members[id]; ok {
		l.members[id] = epoch
		return
	}
	if len(l.pending) > 0 {
		l.joining[id] = epoch
		return
	}
	l.members[id] = epoch
}

func (l *Lockstep) Leave(id core.SessionID, cause error) {
	if cause == nil {
		cause = core.ErrCancelled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.members, id)
	delete(l.joining, id)
	if w, ok := l.pending[id]; ok {
		delete(l.pending, id)
		w.done <- Result{Err: cause}
	}
	if w, ok := l.deferred[id]; ok {
		delete(l.deferred, id)
		w.done <- Result{Err: cause}
	}
	l.advance(false)
}

func (l *Lockstep) Submit(id core.SessionID, epoch int, act []int) (<-chan Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := newWaiter(id, epoch, act)
	if joined, ok := l.joining[id]; ok {
		if joined != epoch {
			return nil, core.Errorf(core.CodeInvalidState, "session %s is not in episode epoch %d", id, epoch)
		}
		if _, dup := l.deferred[id]; dup {
			return nil, core.Errorf(core.CodeInvalidState, "session %s already submitted for the next tick", id)
		}
		l.deferred[id] = w
		return w.done, nil
	}
	joined, ok := l.members[id]
	if !ok {
		return nil, core.Errorf(core.CodeInvalidState, "session %s is not in an active episode", id)
	}
	if joined != epoch {
		return nil, core.Errorf(core.CodeInvalidState, "session %s is not in episode epoch %d", id, epoch)
	}
	if _, dup := l.pending[id]; dup {
		return nil, core.Errorf(core.CodeInvalidState, "session %s already submitted for tick %d", id, l.tick+1)
	}

	l.pending[id] = w
	l.advance(false)
	return w.done, nil
}

// advance closes the barrier when it is complete, or unconditionally when
// stalled. Once no move is pending for the current tick, joiners become
// members and their deferred moves count toward the next barrier. Callers
// hold mu.
func (l *Lockstep) advance(stalled bool) {
	for {
		if len(l.pending) == 0 {
			l.promote()
		}
		if len(l.pending) == 0 {
			l.disarmStall()
			return
		}
		if l.stall == nil {
			l.armStall()
		}
		if !stalled {
			for id := range l.members {
				if _, ok := l.pending[id]; !ok {
					return
				}
			}
		}

		ids := make([]core.SessionID, 0, len(l.members))
		for id := range l.members {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		l.tick++
		b := batch{tick: l.tick}
		var missing []core.SessionID
		for _, id := range ids {
			if w, ok := l.pending[id]; ok {
				b.moves = append(b.moves, w.move)
				b.waiters = append(b.waiters, w)
				continue
			}
			missing = append(missing, id)
			b.moves = append(b.moves, Move{Session: id, Epoch: l.members[id], Synthesized: true, Stalled: true})
			b.waiters = append(b.waiters, nil)
		}
		if len(missing) > 0 {
			log.Printf("[clock] tick %d stalled, synthesized no-ops for %v", l.tick, missing)
		}

		l.pending = make(map[core.SessionID]*waiter)
		l.queue = append(l.queue, b)
		select {
		case l.wake <- struct{}{}:
		default:
		}

		l.disarmStall()
		stalled = false
	}
}

// promote moves joiners and their deferred moves into the barrier.
func (l *Lockstep) promote() {
	for id, epoch := range l.joining {
		l.members[id] = epoch
	}
	l.joining = make(map[core.SessionID]int)
	for id, w := range l.deferred {
		l.pending[id] = w
	}
	l.deferred = make(map[core.SessionID]*waiter)
}

func (l *Lockstep) armStall() {
	if l.stallTimeout <= 0 {
		return
	}
	l.disarmStall()
	var t *time.Timer
	t = time.AfterFunc(l.stallTimeout, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.stall != t {
			return
		}
		l.stall = nil
		l.advance(true)
	})
	l.stall = t
}

func (l *Lockstep) disarmStall() {
	if l.stall != nil {
		l.stall.Stop()
		l.stall = nil
	}
}

// Run applies closed barriers in tick order.
func (l *Lockstep) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			b := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()

			deliver(ctx, l.applier, b)
		}
	}
}
