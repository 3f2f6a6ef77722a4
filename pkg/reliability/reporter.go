// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reliability

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ReporterConfig controls sampled error reporting.
type ReporterConfig struct {
	SampleRate      float64 `yaml:"sampleRate"`      // fraction of errors forwarded, (0,1]
	MaxErrorsPerMin int     `yaml:"maxErrorsPerMin"` // hard cap per minute
}

// ErrorObserver receives sampled errors, e.g. an external tracking sink.
type ErrorObserver func(kind Kind, err error)

// ErrorReporter forwards a sampled, rate-limited stream of errors to an
// observer. Errors beyond the per-minute cap are counted but dropped.
type ErrorReporter struct {
	config   ReporterConfig
	observer ErrorObserver
	logger   *slog.Logger

	mu          sync.Mutex
	windowStart time.Time
	sentInWindow int
	dropped      int64
}

// NewErrorReporter creates a reporter. A nil observer disables forwarding.
func NewErrorReporter(config ReporterConfig, observer ErrorObserver, logger *slog.Logger) *ErrorReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SampleRate <= 0 || config.SampleRate > 1 {
		config.SampleRate = 1.0
	}
	if config.MaxErrorsPerMin <= 0 {
		config.MaxErrorsPerMin = 60
	}
	return &ErrorReporter{config: config, observer: observer, logger: logger, windowStart: time.Now()}
}

// Report samples err and forwards it to the observer when within rate
// limits. Returns true if the error was forwarded.
func (r *ErrorReporter) Report(err error) bool {
	if err == nil || r.observer == nil {
		return false
	}
	if rand.Float64() > r.config.SampleRate {
		return false
	}

	r.mu.Lock()
	now := time.Now()
	if now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.sentInWindow = 0
	}
	if r.sentInWindow >= r.config.MaxErrorsPerMin {
		r.dropped++
		r.mu.Unlock()
		return false
	}
	r.sentInWindow++
	r.mu.Unlock()

	r.observer(KindOf(err), err)
	return true
}

// Dropped returns the count of errors dropped by rate limiting.
func (r *ErrorReporter) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// HandlerRegistry maps error kinds to custom handlers. A handler that
// returns true claims the error and suppresses the default policy.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[Kind]func(error) bool
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Kind]func(error) bool)}
}

// Register installs a handler for a kind, replacing any previous one.
func (hr *HandlerRegistry) Register(kind Kind, handler func(error) bool) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.handlers[kind] = handler
}

// Handle dispatches err to the handler registered for its kind. Returns true
// if a handler claimed the error.
func (hr *HandlerRegistry) Handle(err error) bool {
	if err == nil {
		return false
	}
	hr.mu.RLock()
	handler, ok := hr.handlers[KindOf(err)]
	hr.mu.RUnlock()
	if !ok {
		return false
	}
	return handler(err)
}
