package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	retryDelay     = 1 * time.Second

	refinerSystemPrompt = `You rewrite image generation prompts. Weave the given hints into the prompt so the final image respects them, keeping the original subject and style intact. Answer with the rewritten prompt only, no commentary.`
)

// RefinerConfig configures the LLM-backed prompt refiner.
type RefinerConfig struct {
	APIKey  string
	BaseURL string // empty = OpenAI default
	Model   string
	Timeout time.Duration
}

// PromptRefiner rewrites a prompt to carry structural hints that could not be
// applied as real control conditions. It satisfies the control stack's
// refiner contract.
type PromptRefiner struct {
	client *openai.Client
	model  string
}

// NewPromptRefiner creates a refiner over an OpenAI-compatible endpoint.
func NewPromptRefiner(cfg RefinerConfig) *PromptRefiner {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	config.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &PromptRefiner{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Refine folds the hints into the prompt. Transient failures are retried with
// a linear backoff; the caller falls back to plain hint appending on error.
func (r *PromptRefiner) Refine(ctx context.Context, prompt string, hints []string) (string, error) {
	if len(hints) == 0 {
		return prompt, nil
	}

	userPrompt := fmt.Sprintf("Prompt:\n%s\n\nHints:\n- %s", prompt, strings.Join(hints, "\n- "))

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       r.model,
			Temperature: 0.3,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: refinerSystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
		})
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				break
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("empty completion")
			continue
		}

		refined := strings.TrimSpace(resp.Choices[0].Message.Content)
		if refined == "" {
			lastErr = fmt.Errorf("empty completion")
			continue
		}
		return refined, nil
	}

	return "", fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryableError checks if an error is retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503")
}
