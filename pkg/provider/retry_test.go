package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limit text", errors.New("429 Too Many Requests"), true},
		{"overloaded", errors.New("overloaded_error: Overloaded"), true},
		{"reset", fmt.Errorf("read: %w", errors.New("connection reset by peer")), true},
		{"bad request", errors.New("400 invalid model"), false},
		{"auth", errors.New("401 unauthorized"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

// flaky fails StartRequest with the queued errors, then succeeds.
type flaky struct {
	errs  []error
	calls int
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) StartRequest(ctx context.Context, req Request) (Stream, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return emptyStream{}, nil
}

type emptyStream struct{}

func (emptyStream) Next() bool          { return false }
func (emptyStream) Chunk() string       { return "" }
func (emptyStream) Response() *Response { return &Response{} }
func (emptyStream) Err() error          { return nil }
func (emptyStream) Close() error        { return nil }

func TestStartWithRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}
	logger := zerolog.Nop()

	t.Run("recovers from transient errors", func(t *testing.T) {
		p := &flaky{errs: []error{errors.New("503 unavailable"), errors.New("429 slow down")}}
		stream, err := StartWithRetry(context.Background(), p, Request{}, policy, logger)
		require.NoError(t, err)
		assert.NotNil(t, stream)
		assert.Equal(t, 3, p.calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		p := &flaky{errs: []error{errors.New("503"), errors.New("503"), errors.New("503")}}
		_, err := StartWithRetry(context.Background(), p, Request{}, policy, logger)
		assert.ErrorContains(t, err, "max retries (2) exceeded")
		assert.Equal(t, 3, p.calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		p := &flaky{errs: []error{errors.New("400 bad request")}}
		_, err := StartWithRetry(context.Background(), p, Request{}, policy, logger)
		assert.EqualError(t, err, "400 bad request")
		assert.Equal(t, 1, p.calls)
	})

	t.Run("context ends the backoff", func(t *testing.T) {
		p := &flaky{errs: []error{errors.New("503"), errors.New("503"), errors.New("503")}}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := StartWithRetry(ctx, p, Request{}, RetryPolicy{MaxRetries: 2, BaseDelay: time.Hour}, logger)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
