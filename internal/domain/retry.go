// Retry classification shared by the saga and the worker runtime.
package domain

import (
	"strings"
	"time"
)

// RetryConfig defines retry behavior for external calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts, clamped to [0,5].
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// RetryableErrors is the substring allowlist that triggers retries.
	RetryableErrors []string
}

// DefaultRetryConfig returns the saga retry policy: 1s base, 30s cap, x2.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []string{
			"ECONNREFUSED",
			"ETIMEDOUT",
			"ECONNRESET",
			"connection refused",
			"connection reset",
			"timeout",
			"rate limit",
			"429",
			"502",
			"503",
		},
	}
}

// Normalize clamps MaxRetries to [0,5] and fills zero-value fields from the
// default policy.
func (c RetryConfig) Normalize() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > 5 {
		c.MaxRetries = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = def.Multiplier
	}
	if len(c.RetryableErrors) == 0 {
		c.RetryableErrors = def.RetryableErrors
	}
	return c
}

// IsRetryable reports whether err matches the retryable allowlist. Errors
// marked NoRetry are never retryable; everything off the allowlist is terminal.
func (c RetryConfig) IsRetryable(err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	msg := err.Error()
	for _, frag := range c.RetryableErrors {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
