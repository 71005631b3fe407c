// Package environment is the boundary to the game simulation. The gateway
// drives a World through ResetWorld and StepWorld and never looks inside it.
package environment

import (
	"context"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/agent"
	"github.com/boristopalov/gladiator/pkg/core"
)

// Opponent is the adversary bound to one episode.
type Opponent struct {
	Ref    core.OpponentRef
	Policy agent.Policy
}

// Transition is the result of advancing one session's world by one tick.
type Transition struct {
	Observation core.Observation
	Rewards     map[string]float64
	Terminal    bool
	// Result is set on terminal transitions.
	Result  core.Result
	Metrics map[string]float64
}

// Reward sums the reward components.
func (t Transition) Reward() float64 {
	total := 0.0
	for _, r := range t.Rewards {
		total += r
	}
	return total
}

// World is a deterministic step function per session: the same seed,
// opponent behaviour and action sequence produce the same transitions.
type World interface {
	Spec() *action.Spec
	ObservationSize() int
	ResetWorld(ctx context.Context, id core.SessionID, opp Opponent) (core.Observation, error)
	// StepWorld resolves one tick. An action outside the session's current
	// mask fails with IllegalAction and leaves the world untouched.
	StepWorld(ctx context.Context, id core.SessionID, act []int) (Transition, error)
	// Close drops all state held for a session.
	Close(id core.SessionID)
}

// Inspector is implemented by worlds that can describe a session for debug.
type Inspector interface {
	Inspect(id core.SessionID) (map[string]any, bool)
}
