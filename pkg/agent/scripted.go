package agent

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/core"
)

// Built-in behaviour scripts for scripted pool entries.
const (
	ScriptIdle       = "idle"
	ScriptRandom     = "random"
	ScriptAggressive = "aggressive"
)

func Scripts() []string {
	return []string{ScriptIdle, ScriptRandom, ScriptAggressive}
}

// ScriptedAgent is a fixed baseline. It never fails and never calls out.
type ScriptedAgent struct {
	spec   *action.Spec
	script string
}

func NewScriptedAgent(spec *action.Spec, script string) (*ScriptedAgent, error) {
	switch script {
	case ScriptIdle, ScriptRandom, ScriptAggressive:
	default:
		return nil, fmt.Errorf("unknown script %q", script)
	}
	return &ScriptedAgent{spec: spec, script: script}, nil
}

func (a *ScriptedAgent) Script() string {
	return a.script
}

func (a *ScriptedAgent) Act(_ context.Context, obs core.Observation, rng *rand.Rand) ([]int, error) {
	switch a.script {
	case ScriptRandom:
		return a.spec.Sample(rng, obs.Mask), nil
	case ScriptAggressive:
		return a.greedy(obs.Mask), nil
	}
	return a.spec.Noop(), nil
}

// greedy takes the first legal non-null option of every head in order.
func (a *ScriptedAgent) greedy(base [][]bool) []int {
	act := a.spec.Noop()
	for i := range a.spec.Heads {
		mask := a.spec.HeadMask(i, base, act[:i])
		for j := 1; j < len(mask); j++ {
			if mask[j] {
				act[i] = j
				break
			}
		}
	}
	return act
}
