// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reliability

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// closeAfterSuccesses is the number of consecutive half-open successes
// required to close the breaker.
const closeAfterSuccesses = 3

// BreakerConfig controls circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"` // consecutive failures to open
	ResetTimeout     time.Duration `yaml:"resetTimeout"`     // open → half-open delay
	MonitoringWindow time.Duration `yaml:"monitoringWindow"` // failure-rate accounting window
}

// DefaultBreakerConfig returns the stock breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringWindow: time.Minute,
	}
}

// CircuitBreaker short-circuits calls to a degraded downstream. After
// FailureThreshold consecutive failures it opens and fails fast; after
// ResetTimeout it admits probes in half-open state; three consecutive
// successes close it again.
type CircuitBreaker struct {
	config BreakerConfig
	logger *slog.Logger

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{config: config, logger: logger, state: BreakerClosed}
}

// State returns the current state, promoting open → half-open when the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Execute runs op through the breaker. While open it fails fast with
// ErrCircuitOpen without invoking op.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := op()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// maybeHalfOpen transitions open → half-open once ResetTimeout has elapsed.
// Caller must hold mu.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && time.Since(cb.openedAt) >= cb.config.ResetTimeout {
		cb.state = BreakerHalfOpen
		cb.consecutiveSuccesses = 0
		cb.logger.Info("breaker.half_open")
	}
}

// recordFailure counts a failure; caller must hold mu.
func (cb *CircuitBreaker) recordFailure() {
	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++
	if cb.state == BreakerHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		if cb.state != BreakerOpen {
			cb.logger.Warn("breaker.open", "consecutive_failures", cb.consecutiveFailures)
		}
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
	}
}

// recordSuccess counts a success; caller must hold mu.
func (cb *CircuitBreaker) recordSuccess() {
	cb.consecutiveFailures = 0
	switch cb.state {
	case BreakerHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= closeAfterSuccesses {
			cb.state = BreakerClosed
			cb.consecutiveSuccesses = 0
			cb.logger.Info("breaker.closed")
		}
	case BreakerClosed:
		// no-op
	}
}
