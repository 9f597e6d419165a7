package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/concierge/internal/reliability"
)

// RetryingGenerator retries retryable status failures with capped exponential backoff.
type RetryingGenerator struct {
	next       Generator
	maxRetries int
	backoff    reliability.Backoff
}

func NewRetryingGenerator(next Generator, maxRetries int, base, maxDelay time.Duration) *RetryingGenerator {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = max(4*time.Second, base)
	}
	return &RetryingGenerator{next: next, maxRetries: maxRetries, backoff: reliability.Backoff{Base: base, Cap: maxDelay}}
}

func (g *RetryingGenerator) Complete(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Dur("delay", g.backoff.Delay(attempt-1)).Err(lastErr).Msg("retrying model call")
			if err := g.backoff.Sleep(ctx, attempt-1); err != nil {
				return "", unavailable("retry", lastErr)
			}
		}
		text, err := g.next.Complete(ctx, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

// IsRetryable reports whether err carries a retryable HTTP status.
func IsRetryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return reliability.IsRetryableHTTPStatus(status.Code)
	}
	return false
}
