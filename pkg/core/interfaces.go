package core

import (
	"context"
)

// Learner is the boundary to the external learning algorithm. The
// orchestration client calls Act for every observation of a slot, Observe
// with the resulting transition and ConsumeOutcome once per finished episode.
type Learner interface {
	// Act picks an action vector; it must only choose options present in obs.Mask.
	Act(ctx context.Context, slot int, obs Observation) ([]int, error)
	// Observe receives the transition produced by the last action.
	Observe(ctx context.Context, slot int, step StepResult)
	// ConsumeOutcome receives the outcome of a terminated episode.
	ConsumeOutcome(outcome EpisodeOutcome)
}
