// Package providers wraps hosted chat-completion APIs behind one Complete
// call. External pool entries are played through these clients.
package providers

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Client completes a single prompt with the named model.
type Client interface {
	Complete(ctx context.Context, model string, prompt string) (string, error)
}

type ProviderParams struct {
	BaseURL string
	APIKey  string
	// Timeout bounds one completion. An opponent that cannot answer in time
	// plays a no-op for that tick.
	Timeout time.Duration
}

type ProviderOption func(*ProviderParams)

func WithBaseURL(baseURL string) ProviderOption {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) ProviderOption {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

func WithTimeout(d time.Duration) ProviderOption {
	return func(p *ProviderParams) {
		p.Timeout = d
	}
}

const defaultCompletionTimeout = 20 * time.Second

// resolveParams applies opts, then fills the key and base URL from the
// environment when they were not given.
func resolveParams(opts []ProviderOption, keyEnv, baseURLEnv string) ProviderParams {
	params := ProviderParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.APIKey == "" {
		params.APIKey = os.Getenv(keyEnv)
	}
	if params.BaseURL == "" && baseURLEnv != "" {
		params.BaseURL = os.Getenv(baseURLEnv)
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultCompletionTimeout
	}
	return params
}

// New builds the client for a provider name as used by External pool
// entries ("openai" or "gemini").
func New(ctx context.Context, provider string, opts ...ProviderOption) (Client, error) {
	switch provider {
	case "", "openai":
		return NewOpenAI(ctx, opts...), nil
	case "gemini", "google":
		c, err := NewGemini(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}
