package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

func TestRetryConfigNormalizeClamps(t *testing.T) {
	c := domain.RetryConfig{MaxRetries: 99}.Normalize()
	assert.Equal(t, 5, c.MaxRetries)

	c = domain.RetryConfig{MaxRetries: -1}.Normalize()
	assert.Equal(t, 0, c.MaxRetries)
	assert.Equal(t, time.Second, c.InitialDelay)
	assert.Equal(t, 30*time.Second, c.MaxDelay)
	assert.Equal(t, 2.0, c.Multiplier)
	assert.NotEmpty(t, c.RetryableErrors)
}

func TestIsRetryableAllowlist(t *testing.T) {
	cfg := domain.DefaultRetryConfig()

	retryable := []error{
		errors.New("connect ECONNREFUSED 10.0.0.1:443"),
		errors.New("read tcp: ECONNRESET"),
		errors.New("request ETIMEDOUT"),
		errors.New("i/o timeout"),
		errors.New("rate limit exceeded"),
		errors.New("unexpected status 429"),
		errors.New("upstream returned 502"),
		errors.New("upstream returned 503"),
	}
	for _, err := range retryable {
		assert.True(t, cfg.IsRetryable(err), "expected retryable: %v", err)
	}

	terminal := []error{
		errors.New("validation failed"),
		errors.New("unexpected status 404"),
		errors.New("permission denied"),
	}
	for _, err := range terminal {
		assert.False(t, cfg.IsRetryable(err), "expected terminal: %v", err)
	}
	assert.False(t, cfg.IsRetryable(nil))
}

func TestNoRetryWinsOverAllowlist(t *testing.T) {
	cfg := domain.DefaultRetryConfig()
	err := domain.NoRetry(errors.New("i/o timeout"))
	assert.False(t, cfg.IsRetryable(err))
	assert.True(t, domain.IsNoRetry(err))

	// NoRetry survives wrapping.
	wrapped := fmt.Errorf("op=x: %w", err)
	assert.True(t, domain.IsNoRetry(wrapped))
	assert.False(t, cfg.IsRetryable(wrapped))
}

func TestNoRetryNil(t *testing.T) {
	assert.Nil(t, domain.NoRetry(nil))
	assert.False(t, domain.IsNoRetry(nil))
}
