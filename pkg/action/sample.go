package action

import (
	"math/rand"
)

// Sample draws a legal action head by head, each head uniformly over its
// effective mask given the heads already drawn.
func (s *Spec) Sample(rng *rand.Rand, base [][]bool) []int {
	act := make([]int, len(s.Heads))
	for i := range s.Heads {
		mask := s.HeadMask(i, base, act[:i])
		act[i] = pick(rng, mask)
	}
	return act
}

// Complete fixes a partially chosen action so it is legal: any head whose
// choice is outside its effective mask falls back to the null option. It is
// for opponents driven by free-form policies, never for validating learner
// actions.
func (s *Spec) Complete(act []int, base [][]bool) []int {
	out := make([]int, len(s.Heads))
	for i := range s.Heads {
		if i < len(act) {
			out[i] = act[i]
		}
		mask := s.HeadMask(i, base, out[:i])
		if out[i] < 0 || out[i] >= len(mask) || !mask[out[i]] {
			out[i] = 0
		}
	}
	return out
}

func pick(rng *rand.Rand, mask []bool) int {
	legal := make([]int, 0, len(mask))
	for j, ok := range mask {
		if ok {
			legal = append(legal, j)
		}
	}
	if len(legal) == 0 {
		return 0
	}
	return legal[rng.Intn(len(legal))]
}
