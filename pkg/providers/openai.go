package providers

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1/"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client  *openai.Client
	timeout time.Duration
}

// NewOpenAI falls back to OPENAI_API_KEY and OPENAI_API_BASE_URL.
func NewOpenAI(_ context.Context, opts ...ProviderOption) *OpenAIClient {
	params := resolveParams(opts, "OPENAI_API_KEY", "OPENAI_API_BASE_URL")
	if params.BaseURL == "" {
		params.BaseURL = defaultOpenAIBaseURL
	}

	reqOpts := []option.RequestOption{option.WithBaseURL(params.BaseURL)}
	if params.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(params.APIKey))
	}
	log.Printf("[providers] openai client at %s", params.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClient(reqOpts...),
		timeout: params.Timeout,
	}
}

// Complete asks for one reply at temperature 0, so an opponent shown the
// same observation tends to answer the same way.
func (c *OpenAIClient) Complete(ctx context.Context, model string, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		}),
		Model:       openai.F(model),
		Temperature: openai.F(0.0),
	})
	if err != nil {
		return "", fmt.Errorf("openai %s: %w", model, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai %s: no choices in reply", model)
	}
	return completion.Choices[0].Message.Content, nil
}
