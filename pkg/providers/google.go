package providers

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash-exp"

// GeminiClient talks to the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	timeout time.Duration
}

// NewGemini falls back to GEMINI_API_KEY and fails without a key.
func NewGemini(ctx context.Context, opts ...ProviderOption) (*GeminiClient, error) {
	params := resolveParams(opts, "GEMINI_API_KEY", "")
	if params.APIKey == "" {
		return nil, fmt.Errorf("gemini: no API key (set GEMINI_API_KEY or providers.api_key)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  params.APIKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	log.Printf("[providers] gemini client ready")
	return &GeminiClient{
		client:  client,
		timeout: params.Timeout,
	}, nil
}

// Complete joins the text parts of the first candidate.
func (c *GeminiClient) Complete(ctx context.Context, model string, prompt string) (string, error) {
	if model == "" {
		model = defaultGeminiModel
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := 0.0
	contents := []*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}}
	result, err := c.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", model, err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini %s: no candidates in reply", model)
	}
	var b strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini %s: empty reply", model)
	}
	return b.String(), nil
}
