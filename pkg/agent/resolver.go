package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/boristopalov/gladiator/pkg/action"
	"github.com/boristopalov/gladiator/pkg/league"
	"github.com/boristopalov/gladiator/pkg/providers"
)

// ProviderFactory builds a hosted-model client by provider name.
type ProviderFactory func(ctx context.Context, provider string) (providers.Client, error)

// Resolver turns pool entries into playable policies. Policies are built
// lazily and cached per entry; live agents can be overridden with SetLive.
type Resolver struct {
	spec            *action.Spec
	observationSize int
	featureNames    []string
	newProvider     ProviderFactory

	mu      sync.Mutex
	cache   map[string]Policy
	clients map[string]providers.Client
	live    map[string]Policy
}

type ResolverOption func(*Resolver)

func WithProviderFactory(f ProviderFactory) ResolverOption {
	return func(r *Resolver) {
		r.newProvider = f
	}
}

func WithObservationNames(names []string) ResolverOption {
	return func(r *Resolver) {
		r.featureNames = names
	}
}

func NewResolver(spec *action.Spec, observationSize int, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		spec:            spec,
		observationSize: observationSize,
		newProvider: func(ctx context.Context, provider string) (providers.Client, error) {
			return providers.New(ctx, provider)
		},
		cache:   make(map[string]Policy),
		clients: make(map[string]providers.Client),
		live:    make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLive installs the policy played when an agent's live entry is drawn.
func (r *Resolver) SetLive(agent string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[agent] = p
}

func (r *Resolver) Resolve(ctx context.Context, e league.Entry) (Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := e.Opponent.(league.LiveSelf); ok {
		if p, ok := r.live[o.Agent]; ok {
			return p, nil
		}
	}
	if p, ok := r.cache[e.ID]; ok {
		return p, nil
	}

	var (
		p   Policy
		err error
	)
	switch o := e.Opponent.(type) {
	case league.Scripted:
		p, err = NewScriptedAgent(r.spec, o.Script)
	case league.LiveSelf:
		p = NewLinearPolicy(r.spec, r.observationSize, SeedFor(league.LiveID(o.Agent), 0))
	case league.Checkpoint:
		ref := o.ModelRef
		if ref == "" {
			ref = o.Agent
		}
		p = NewLinearPolicy(r.spec, r.observationSize, SeedFor(ref, o.Step))
	case league.External:
		p, err = r.external(ctx, e.ID, o)
	default:
		err = fmt.Errorf("entry %s has unsupported opponent %T", e.ID, e.Opponent)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve opponent %s: %w", e.ID, err)
	}
	r.cache[e.ID] = p
	return p, nil
}

func (r *Resolver) external(ctx context.Context, id string, o league.External) (Policy, error) {
	client, ok := r.clients[o.Provider]
	if !ok {
		var err error
		client, err = r.newProvider(ctx, o.Provider)
		if err != nil {
			return nil, err
		}
		r.clients[o.Provider] = client
	}
	return NewLLMAgent(r.spec,
		WithAgentId(id),
		WithClient(client),
		WithModel(ModelInfo{Id: o.Model, Config: make(map[string]any)}),
		WithFeatureNames(r.featureNames),
	)
}
