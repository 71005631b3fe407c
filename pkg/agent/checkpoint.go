package agent

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/core"
)

// LinearPolicy is a frozen linear model over the observation features.
// Checkpoints without a served model are materialised as one, seeded from
// their model reference, so the same checkpoint always plays the same way.
type LinearPolicy struct {
	spec          *action.Spec
	weights       [][][]float64 // head, option, feature (last column is the bias)
	deterministic []bool
}

func NewLinearPolicy(spec *action.Spec, observationSize int, seed int64) *LinearPolicy {
	rng := rand.New(rand.NewSource(seed))
	weights := make([][][]float64, len(spec.Heads))
	for i, h := range spec.Heads {
		weights[i] = make([][]float64, h.Size())
		for j := range weights[i] {
			weights[i][j] = make([]float64, observationSize+1)
			for f := range weights[i][j] {
				weights[i][j][f] = rng.NormFloat64()
			}
		}
	}
	return &LinearPolicy{spec: spec, weights: weights}
}

// SeedFor derives a stable model seed from a model reference and step.
func SeedFor(modelRef string, step int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(modelRef))
	return int64(h.Sum64()) ^ step
}

// WithDeterministic makes the listed heads take their arg-max option.
func (p *LinearPolicy) WithDeterministic(heads ...bool) *LinearPolicy {
	p.deterministic = heads
	return p
}

func (p *LinearPolicy) Logits(features []float64) [][]float64 {
	out := make([][]float64, len(p.weights))
	for i, head := range p.weights {
		out[i] = make([]float64, len(head))
		for j, w := range head {
			sum := w[len(w)-1]
			for f := 0; f < len(w)-1 && f < len(features); f++ {
				sum += w[f] * features[f]
			}
			out[i][j] = sum
		}
	}
	return out
}

func (p *LinearPolicy) Act(_ context.Context, obs core.Observation, rng *rand.Rand) ([]int, error) {
	return Predict(p.spec, p.Logits(obs.Features), obs.Mask, p.deterministic, rng), nil
}
