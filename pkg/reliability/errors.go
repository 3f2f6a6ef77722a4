// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reliability provides the error taxonomy, retry policy, circuit
// breaker, and dead-letter queue shared by the ingestion pipeline.
package reliability

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies pipeline errors for retry and surfacing decisions.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindPipelineNotRunning Kind = "pipeline_not_running"
	KindQueueOverflow      Kind = "queue_overflow"
	KindParse              Kind = "parse_error"
	KindBatchProcessing    Kind = "batch_processing"
	KindWorker             Kind = "worker_error"
	KindCircuitOpen        Kind = "circuit_breaker_open"
	KindEnrichment         Kind = "enrichment_failure"
	KindTransportPressure  Kind = "transport_backpressure"
	KindAuth               Kind = "auth_failure"
	KindInsufficientScope  Kind = "insufficient_scope"
	KindUnknown            Kind = "unknown"
)

// Error is a classified pipeline error.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and an explicit retryable tag.
func NewError(kind Kind, retryable bool, err error) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classified kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// defaultRetryableSubstrings matches transient failures by message when no
// explicit classification is present.
var defaultRetryableSubstrings = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"rate limit",
	"service unavailable",
}

// IsRetryable reports whether err should be retried: either it carries an
// explicit retryable tag, or its message matches one of the configured
// transient substrings.
func IsRetryable(err error, extraSubstrings ...string) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	msg := strings.ToLower(err.Error())
	for _, s := range defaultRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range extraSubstrings {
		if s != "" && strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// ErrCircuitOpen is returned for calls made while a circuit breaker is open.
var ErrCircuitOpen = NewError(KindCircuitOpen, true, errors.New("circuit breaker is open"))

// ErrQueueOverflow signals that the queue rejected an enqueue under
// backpressure. Callers shed load or retry after a delay.
var ErrQueueOverflow = NewError(KindQueueOverflow, true, errors.New("queue depth exceeds backpressure threshold"))

// ErrPipelineNotRunning is returned by ingress operations while the pipeline
// is not in the running state.
var ErrPipelineNotRunning = NewError(KindPipelineNotRunning, false, errors.New("pipeline is not running"))
