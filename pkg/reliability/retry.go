// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reliability

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls exponential backoff behavior.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	JitterFactor      float64       `yaml:"jitterFactor"` // fraction of the delay randomized, [0,1]
	RetryableErrors   []string      `yaml:"retryableErrors"`
}

// DefaultRetryConfig returns the stock retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// RetryHandler executes operations with exponential backoff, retrying only
// errors classified as retryable.
type RetryHandler struct {
	config RetryConfig
	logger *slog.Logger
}

// NewRetryHandler creates a retry handler.
func NewRetryHandler(config RetryConfig, logger *slog.Logger) *RetryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryHandler{config: config, logger: logger}
}

// newBackoff builds a fresh backoff instance. BackOff implementations are
// stateful; always return a new one per operation.
func (h *RetryHandler) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.config.BaseDelay
	bo.MaxInterval = h.config.MaxDelay
	bo.Multiplier = h.config.BackoffMultiplier
	bo.RandomizationFactor = h.config.JitterFactor
	var capped backoff.BackOff = backoff.WithMaxRetries(bo, uint64(h.config.MaxAttempts-1))
	return backoff.WithContext(capped, ctx)
}

// Do runs op, retrying retryable failures up to MaxAttempts total attempts.
// Non-retryable errors stop immediately.
func (h *RetryHandler) Do(ctx context.Context, name string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err, h.config.RetryableErrors...) {
			return backoff.Permanent(err)
		}
		h.logger.Warn("retry.attempt_failed",
			"op", name,
			"attempt", attempt,
			"max_attempts", h.config.MaxAttempts,
			"err", err,
		)
		return err
	}, h.newBackoff(ctx))
}

// NextDelay computes the backoff delay for a given retry count, with jitter.
// Used by the queue to schedule requeued tasks without blocking a goroutine.
func (c RetryConfig) NextDelay(retryCount int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 0; i < retryCount; i++ {
		d *= c.BackoffMultiplier
		if time.Duration(d) >= c.MaxDelay {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.JitterFactor > 0 {
		jitter := d * c.JitterFactor
		d = d - jitter/2 + rand.Float64()*jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
