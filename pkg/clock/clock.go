// Package clock decides when the world advances. Real-time mode ticks on a
// fixed timer; lockstep mode ticks once every active session submitted.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/boristopalov/gladiator/pkg/core"
)

type Mode string

const (
	ModeRealTime Mode = "realtime"
	ModeLockstep Mode = "lockstep"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRealTime, ModeLockstep:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown clock mode %q", s)
}

// Move is one session's action for a tick. Synthesized moves are no-ops
// the controller made up for a session that did not submit in time. Epoch
// identifies the episode the move belongs to; the applier drops moves whose
// epoch is no longer current.
type Move struct {
	Session     core.SessionID
	Epoch       int
	Action      []int
	Synthesized bool
	Stalled     bool
}

// Result completes a submitted move.
type Result struct {
	Step core.StepResult
	Err  error
}

// Applier advances the world for one tick. It is called from a single
// sequencer goroutine, in tick order, and returns one result per move.
type Applier interface {
	Apply(ctx context.Context, tick uint64, at time.Time, moves []Move) []Result
}

// Controller gates tick advancement.
type Controller interface {
	Mode() Mode
	// Join adds a session to the set that ticks are resolved for. Submits
	// must carry the same epoch until the session leaves.
	Join(id core.SessionID, epoch int)
	// Leave removes a session. A move it submitted and that has not been
	// batched yet completes with cause.
	Leave(id core.SessionID, cause error)
	// Submit queues the session's move for the outstanding tick. The
	// returned channel receives exactly one result.
	Submit(id core.SessionID, epoch int, act []int) (<-chan Result, error)
	// Tick is the number of ticks resolved so far.
	Tick() uint64
	// Run drives the sequencer until ctx is done.
	Run(ctx context.Context) error
}

type Config struct {
	Mode         Mode
	TickPeriod   time.Duration
	StallTimeout time.Duration
}

func New(cfg Config, applier Applier) (Controller, error) {
	switch cfg.Mode {
	case ModeLockstep:
		return NewLockstep(applier, cfg.StallTimeout), nil
	case ModeRealTime, "":
		return NewRealTime(applier, cfg.TickPeriod), nil
	}
	return nil, fmt.Errorf("unknown clock mode %q", cfg.Mode)
}

type waiter struct {
	move Move
	done chan Result
}

func newWaiter(id core.SessionID, epoch int, act []int) *waiter {
	return &waiter{
		move: Move{Session: id, Epoch: epoch, Action: act},
		done: make(chan Result, 1),
	}
}

// batch is one resolved tick waiting to be applied.
type batch struct {
	tick    uint64
	moves   []Move
	waiters []*waiter // aligned with moves; nil for synthesized moves
}

// deliver applies a batch and completes its waiters together, after every
// move of the tick has been applied.
func deliver(ctx context.Context, applier Applier, b batch) {
	at := time.Now()
	results := applier.Apply(ctx, b.tick, at, b.moves)
	for i, w := range b.waiters {
		if w == nil {
			continue
		}
		r := Result{Err: core.Errorf(core.CodeInternal, "tick %d produced no result", b.tick)}
		if i < len(results) {
			r = results[i]
		}
		w.done <- r
	}
}
