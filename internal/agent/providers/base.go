// Package providers implements the agent.LLMProvider contract for each
// backend the facade can route to: Anthropic, OpenAI-compatible endpoints
// (OpenAI, Mistral, Grok, Groq, OpenRouter all speak this wire shape),
// Gemini, Ollama, and Bedrock.
package providers

import (
	"context"
	"time"

	"github.com/thereseai/therese/internal/backoff"
	"github.com/thereseai/therese/internal/therror"
)

// BaseProvider holds the shared exponential-backoff retry policy: base
// 500ms, factor 2, capped at 3 attempts.
type BaseProvider struct {
	name       string
	maxRetries int
	policy     backoff.BackoffPolicy
}

// NewBaseProvider creates a base provider with the standard retry policy
// unless overridden.
func NewBaseProvider(name string, maxRetries int, baseDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	policy := backoff.DefaultPolicy()
	policy.InitialMs = float64(baseDelay.Milliseconds())
	return BaseProvider{name: name, maxRetries: maxRetries, policy: policy}
}

// Name returns the provider's registry tag.
func (b *BaseProvider) Name() string { return b.name }

// Retry runs op, retrying with exponential backoff while
// therror.Classify(err) reports the failure as retryable, up to maxRetries.
// It stops as soon as an error is classified non-retryable, rather than
// burning the remaining attempts and their sleeps on a failure that will
// never succeed.
func (b *BaseProvider) Retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !therror.Classify(err).IsRetryable() || attempt >= b.maxRetries {
			return err
		}
		delay := backoff.ComputeBackoff(b.policy, attempt)
		if err := backoff.SleepWithContext(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
