package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/parley/internal/observability"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
)

// IsRetryable reports whether err is a transient failure: rate limits,
// server errors, timeouts and dropped connections.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "overloaded", "429", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// RetryPolicy bounds StartWithRetry.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries twice with 1s and 2s waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Second}
}

// StartWithRetry starts a request, retrying transient failures with
// exponential backoff. Only starting the stream is retried; a stream that
// fails part way is reported to the caller.
func StartWithRetry(ctx context.Context, p Provider, req Request, policy RetryPolicy, logger zerolog.Logger) (Stream, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		stream, err := p.StartRequest(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		observability.RecordProviderRequest(p.Name(), false)

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == policy.MaxRetries {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<attempt)
		logger.Info().
			Str("provider", p.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if policy.MaxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}
