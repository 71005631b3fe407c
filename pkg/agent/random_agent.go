package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/memory"
)

// SpecAware learners are told the action spec the gateway announced at login.
type SpecAware interface {
	UseSpec(spec *action.Spec)
}

// RandomLearner samples uniformly from the reported masks. It is the
// learner used for smoke training and for exercising the gateway; it keeps
// per-slot returns and a tally of results instead of learning anything.
type RandomLearner struct {
	seed int64

	mu       sync.Mutex
	spec     *action.Spec
	rngs     map[int]*rand.Rand
	returns  map[int]float64
	results  map[core.Result]int
	outcomes *memory.Memory[core.EpisodeOutcome]
}

var (
	_ core.Learner = (*RandomLearner)(nil)
	_ SpecAware    = (*RandomLearner)(nil)
)

func NewRandomLearner(spec *action.Spec, seed int64) *RandomLearner {
	return &RandomLearner{
		seed:     seed,
		spec:     spec,
		rngs:     make(map[int]*rand.Rand),
		returns:  make(map[int]float64),
		results:  make(map[core.Result]int),
		outcomes: memory.NewMemory[core.EpisodeOutcome](1000),
	}
}

func (l *RandomLearner) UseSpec(spec *action.Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spec == nil {
		l.spec = spec
	}
}

func (l *RandomLearner) Act(_ context.Context, slot int, obs core.Observation) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spec == nil {
		return nil, fmt.Errorf("learner has no action spec")
	}
	rng, ok := l.rngs[slot]
	if !ok {
		rng = rand.New(rand.NewSource(l.seed + int64(slot)))
		l.rngs[slot] = rng
	}
	return l.spec.Sample(rng, obs.Mask), nil
}

func (l *RandomLearner) Observe(_ context.Context, slot int, step core.StepResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.returns[slot] += step.Reward
	if step.Done {
		l.returns[slot] = 0
	}
}

func (l *RandomLearner) ConsumeOutcome(outcome core.EpisodeOutcome) {
	l.mu.Lock()
	l.results[outcome.Result]++
	l.mu.Unlock()
	l.outcomes.Store(outcome)
}

// Results returns how many episodes ended with each result.
func (l *RandomLearner) Results() map[core.Result]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[core.Result]int, len(l.results))
	for k, v := range l.results {
		out[k] = v
	}
	return out
}

// Outcomes returns the most recent episode outcomes, oldest first.
func (l *RandomLearner) Outcomes() []core.EpisodeOutcome {
	return l.outcomes.All()
}
