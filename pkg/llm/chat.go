package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

var ErrEmptyCompletion = errors.New("empty completion")

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // per attempt
	MaxAttempts int
	RateLimit   float64 // requests per second
	Backoff     time.Duration
}

// ChatEngine sends single-prompt completions to an OpenAI compatible
// endpoint, bounding each attempt with a timeout and retrying failures.
type ChatEngine struct {
	config  ChatConfig
	llm     llms.Model
	limiter *rate.Limiter
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("missing LLM API key")
	}

	opts := []openai.Option{
		openai.WithToken(config.APIKey),
		openai.WithModel(withDefault(config.Model, "mistralai/Mixtral-8x7B-Instruct-v0.1")),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewWithModel(config, model)
}

// NewWithModel wraps an already constructed model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 512
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 2
	}
	if config.Backoff <= 0 {
		config.Backoff = 200 * time.Millisecond
	}

	burst := int(config.RateLimit)
	if burst < 1 {
		burst = 1
	}

	return &ChatEngine{
		config:  config,
		llm:     model,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), burst),
	}, nil
}

// Generate returns the completion for prompt. Transport errors and empty
// completions are retried up to MaxAttempts times; a cancelled ctx stops
// retrying immediately.
func (ce *ChatEngine) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < ce.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(ce.retryDelay(attempt - 1)):
			}
		}

		if err := ce.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		text, err := ce.generateOnce(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", ce.config.MaxAttempts).
			Str("model", ce.config.Model).
			Msg("completion failed")
	}

	return "", fmt.Errorf("completion failed after %d attempts: %w", ce.config.MaxAttempts, lastErr)
}

func (ce *ChatEngine) generateOnce(ctx context.Context, prompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
	defer cancel()

	start := time.Now()
	text, err := llms.GenerateFromSinglePrompt(attemptCtx, ce.llm, prompt,
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}

	log.Debug().
		Dur("took", time.Since(start)).
		Int("prompt_chars", len(prompt)).
		Int("completion_chars", len(text)).
		Msg("completion received")

	return text, nil
}

// exponential, capped at 5s
func (ce *ChatEngine) retryDelay(attempt int) time.Duration {
	d := ce.config.Backoff << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
