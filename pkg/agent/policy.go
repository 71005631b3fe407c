// Package agent holds the policies that drive either side of a fight:
// scripted baselines, frozen checkpoints, hosted language models and the
// masked random learner used for smoke training.
package agent

import (
	"context"
	"math/rand"

	"github.com/boristopalov/gladiator/pkg/core"
)

// Policy picks an action for one side of a fight. rng belongs to the
// caller's episode, so a policy that draws only from it is reproducible.
type Policy interface {
	Act(ctx context.Context, obs core.Observation, rng *rand.Rand) ([]int, error)
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ctx context.Context, obs core.Observation, rng *rand.Rand) ([]int, error)

func (f PolicyFunc) Act(ctx context.Context, obs core.Observation, rng *rand.Rand) ([]int, error) {
	return f(ctx, obs, rng)
}
