package agent

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/memory"
	"github.com/boristopalov/gladiator/pkg/providers"
	"github.com/google/uuid"
)

const (
	SYSTEM_PROMPT = `You are fighting a one-on-one duel that advances in discrete ticks. Every tick you choose one option for each action head. Option 0 of every head means "do nothing" and is always allowed. Reduce your opponent's hitpoints to zero before yours run out.`

	ACTION_PROMPT_TEMPLATE = `Your name is %s.
%s

Current observation (feature=value):
%s

Allowed options per head:
%s
%s
Very briefly think step by step about what to do this tick, then give one option index per head, in head order, after the string "ANSWER" like so: ANSWER: %s`
)

var answerPattern = regexp.MustCompile(`ANSWER:\s*([\d\s,]+)`)

type ModelInfo struct {
	Id     string         // e.g. "gpt-4o-mini"
	Config map[string]any // model-specific configuration
}

// LLMAgent plays a fight by prompting a hosted model every tick. Answers
// that name disallowed options are completed to the nearest legal action,
// and provider failures fall back to the no-op action.
type LLMAgent struct {
	id       string
	model    ModelInfo
	client   providers.Client
	spec     *action.Spec
	features []string
	memory   *memory.Memory[string]
}

type AgentParams struct {
	Model        ModelInfo
	AgentID      string
	Client       providers.Client
	FeatureNames []string
	MemorySize   int
}

type AgentOption func(*AgentParams)

func WithModel(model ModelInfo) AgentOption {
	return func(p *AgentParams) {
		p.Model = model
	}
}

func WithAgentId(id string) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithClient(c providers.Client) AgentOption {
	return func(p *AgentParams) {
		p.Client = c
	}
}

// WithFeatureNames labels observation features in prompts.
func WithFeatureNames(names []string) AgentOption {
	return func(p *AgentParams) {
		p.FeatureNames = names
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		Model: ModelInfo{
			Id:     "gpt-4o-mini",
			Config: make(map[string]any),
		},
		AgentID:    "agent-" + uuid.New().String(),
		MemorySize: 20,
	}
}

func NewLLMAgent(spec *action.Spec, opts ...AgentOption) (*LLMAgent, error) {
	params := defaultAgentParams()

	for _, opt := range opts {
		opt(params)
	}
	if params.Client == nil {
		return nil, fmt.Errorf("agent %s has no provider client", params.AgentID)
	}

	return &LLMAgent{
		id:       params.AgentID,
		model:    params.Model,
		client:   params.Client,
		spec:     spec,
		features: params.FeatureNames,
		memory:   memory.NewMemory[string](params.MemorySize),
	}, nil
}

func (a *LLMAgent) GetID() string {
	return a.id
}

func (a *LLMAgent) GetModel() ModelInfo {
	return a.model
}

func (a *LLMAgent) GetMemory() *memory.Memory[string] {
	return a.memory
}

func (a *LLMAgent) Act(ctx context.Context, obs core.Observation, _ *rand.Rand) ([]int, error) {
	prompt := a.prompt(obs)
	response, err := a.client.Complete(ctx, a.model.Id, prompt)
	if err != nil {
		log.Printf("[agent] Warning: %s failed to complete: %v", a.id, err)
		return a.spec.Noop(), nil
	}

	act, err := parseActionResponse(response, len(a.spec.Heads))
	if err != nil {
		log.Printf("[agent] Warning: %s: %v", a.id, err)
		return a.spec.Noop(), nil
	}
	act = a.spec.Complete(act, obs.Mask)
	a.memory.Store("I chose " + a.spec.Describe(act))
	return act, nil
}

func (a *LLMAgent) prompt(obs core.Observation) string {
	var features strings.Builder
	for i, v := range obs.Features {
		name := fmt.Sprintf("f%d", i)
		if i < len(a.features) {
			name = a.features[i]
		}
		fmt.Fprintf(&features, "%s=%.3f\n", name, v)
	}

	var heads strings.Builder
	for i, h := range a.spec.Heads {
		var allowed []string
		for j, opt := range h.Options {
			if j == 0 || (i < len(obs.Mask) && j < len(obs.Mask[i]) && obs.Mask[i][j]) {
				allowed = append(allowed, fmt.Sprintf("%d=%s", j, opt))
			}
		}
		fmt.Fprintf(&heads, "%d. %s: %s", i, h.Name, strings.Join(allowed, ", "))
		for _, dep := range h.DependsOn {
			fmt.Fprintf(&heads, " (only if %s is %v)", a.spec.Heads[dep.Head].Name, dep.AnyOf)
		}
		heads.WriteString("\n")
	}

	var recent string
	if history := a.memory.Last(5); len(history) > 0 {
		recent = "Your recent choices:\n" + strings.Join(history, "\n") + "\n"
	}

	example := strings.TrimSuffix(strings.Repeat("0,", len(a.spec.Heads)), ",")
	return fmt.Sprintf(ACTION_PROMPT_TEMPLATE, a.id, SYSTEM_PROMPT, features.String(), heads.String(), recent, example)
}

// parseActionResponse extracts "ANSWER: a,b,c" from a model response.
func parseActionResponse(response string, heads int) ([]int, error) {
	matches := answerPattern.FindStringSubmatch(response)
	if len(matches) < 2 {
		return nil, fmt.Errorf("could not find answer in response: %s", response)
	}

	fields := strings.FieldsFunc(matches[1], func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) < heads {
		return nil, fmt.Errorf("answer has %d options, want %d", len(fields), heads)
	}
	act := make([]int, heads)
	for i := 0; i < heads; i++ {
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, fmt.Errorf("could not parse option %q: %v", fields[i], err)
		}
		act[i] = v
	}
	return act, nil
}
