package agent

import (
	"math"
	"math/rand"

	"github.com/boristopalov/gladiator/pkg/action"
)

// Predict turns per-head logits into an action. Heads are resolved in
// order; each head samples from the softmax of its logits restricted to the
// effective mask, or takes the arg-max when deterministic[i] is set.
// Missing logits count as zero.
func Predict(spec *action.Spec, logits [][]float64, base [][]bool, deterministic []bool, rng *rand.Rand) []int {
	act := spec.Noop()
	for i, h := range spec.Heads {
		mask := spec.HeadMask(i, base, act[:i])
		scores := make([]float64, h.Size())
		if i < len(logits) {
			copy(scores, logits[i])
		}
		if i < len(deterministic) && deterministic[i] {
			act[i] = argmax(scores, mask)
			continue
		}
		act[i] = sample(scores, mask, rng)
	}
	return act
}

func argmax(scores []float64, mask []bool) int {
	best, bestScore := 0, math.Inf(-1)
	for j, ok := range mask {
		if ok && scores[j] > bestScore {
			best, bestScore = j, scores[j]
		}
	}
	return best
}

func sample(scores []float64, mask []bool, rng *rand.Rand) int {
	top := math.Inf(-1)
	for j, ok := range mask {
		if ok && scores[j] > top {
			top = scores[j]
		}
	}
	probs := make([]float64, len(scores))
	total := 0.0
	for j, ok := range mask {
		if ok {
			probs[j] = math.Exp(scores[j] - top)
			total += probs[j]
		}
	}
	r := rng.Float64() * total
	last := 0
	for j, p := range probs {
		if !mask[j] {
			continue
		}
		last = j
		r -= p
		if r < 0 {
			return j
		}
	}
	return last
}
