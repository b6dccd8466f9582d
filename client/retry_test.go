package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/weisyn/ledger-flow-go/types"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 503", &httpStatusError{status: http.StatusServiceUnavailable}, true},
		{"http 429", &httpStatusError{status: http.StatusTooManyRequests}, true},
		{"http 400", &httpStatusError{status: http.StatusBadRequest}, false},
		{"conflict", types.NewLayerError(types.LayerNotary, types.ErrorCodeConflictingTransition, "", nil), false},
		{"service unavailable", types.NewLayerError(types.LayerNotary, types.ErrorCodeCommonServiceUnavailable, "", nil), true},
		{"dial error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100, MaxDelay: 300, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, calculateBackoffDelay(0, cfg))
	assert.Equal(t, 200*time.Millisecond, calculateBackoffDelay(1, cfg))
	assert.Equal(t, 300*time.Millisecond, calculateBackoffDelay(2, cfg), "capped at MaxDelay")
}

func TestWithRetry(t *testing.T) {
	transient := &httpStatusError{status: http.StatusBadGateway}

	t.Run("gives up after MaxRetries", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), func() error {
			calls++
			return transient
		}, fastRetry())
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 4, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		permanent := errors.New("permanent")
		err := withRetry(context.Background(), func() error {
			calls++
			return permanent
		}, fastRetry())
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancel stops backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := &RetryConfig{MaxRetries: 5, InitialDelay: 10000, MaxDelay: 10000, BackoffMultiplier: 1}
		err := withRetry(ctx, func() error {
			cancel()
			return transient
		}, cfg)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("nil config runs once", func(t *testing.T) {
		calls := 0
		_ = withRetry(context.Background(), func() error { calls++; return transient }, nil)
		assert.Equal(t, 1, calls)
	})
}
