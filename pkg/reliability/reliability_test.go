// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("request timeout exceeded")))
	assert.True(t, IsRetryable(errors.New("503 service unavailable")))
	assert.False(t, IsRetryable(errors.New("syntax error at line 3")))
	assert.False(t, IsRetryable(nil))

	// Explicit classification wins over message matching.
	tagged := NewError(KindParse, false, errors.New("timeout while reading"))
	assert.False(t, IsRetryable(tagged))
	assert.True(t, IsRetryable(NewError(KindBatchProcessing, true, errors.New("boom"))))

	// Extra configured substrings.
	assert.True(t, IsRetryable(errors.New("quota exhausted"), "quota"))
}

func TestRetryHandler_RetriesUntilSuccess(t *testing.T) {
	h := NewRetryHandler(RetryConfig{
		MaxAttempts:       4,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}, nil)

	calls := 0
	err := h.Do(context.Background(), "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHandler_PermanentErrorStopsImmediately(t *testing.T) {
	h := NewRetryHandler(DefaultRetryConfig(), nil)

	calls := 0
	err := h.Do(context.Background(), "bad-input", func() error {
		calls++
		return NewError(KindInvalidInput, false, errors.New("empty id"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     20 * time.Millisecond,
	}, nil)

	fail := func() error { return errors.New("downstream timeout") }
	ok := func() error { return nil }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	require.Equal(t, BreakerOpen, cb.State())

	// Calls fail fast while open, without invoking the op.
	invoked := false
	err := cb.Execute(func() error { invoked = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)

	// After the reset timeout, probes are admitted; three consecutive
	// successes close the breaker.
	time.Sleep(25 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, cb.State())
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ok))
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	}, nil)

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, cb.State())

	_ = cb.Execute(func() error { return errors.New("still broken") })
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestDeadLetterQueue_BoundedRing(t *testing.T) {
	dlq := NewDeadLetterQueue(DLQConfig{Enabled: true, MaxSize: 2, RetentionTime: time.Hour}, nil)

	dlq.Add("t1", "parse", nil, errors.New("e1"), 3)
	dlq.Add("t2", "parse", nil, errors.New("e2"), 3)
	dlq.Add("t3", "parse", nil, errors.New("e3"), 3)

	entries := dlq.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "t2", entries[0].TaskID)
	assert.Equal(t, "t3", entries[1].TaskID)
}

func TestDeadLetterQueue_TakeForRequeue(t *testing.T) {
	dlq := NewDeadLetterQueue(DefaultDLQConfig(), nil)
	dlq.Add("t1", "entity_upsert", "payload", errors.New("e1"), 4)

	entry, ok := dlq.Take("t1")
	require.True(t, ok)
	assert.Equal(t, "payload", entry.Task)
	assert.Equal(t, 0, dlq.Size())

	_, ok = dlq.Take("t1")
	assert.False(t, ok)
}

func TestDeadLetterQueue_SweepRetention(t *testing.T) {
	dlq := NewDeadLetterQueue(DLQConfig{Enabled: true, MaxSize: 10, RetentionTime: time.Nanosecond}, nil)
	dlq.Add("old", "parse", nil, errors.New("e"), 1)
	time.Sleep(time.Millisecond)

	removed := dlq.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, dlq.Size())
}

func TestErrorReporter_RateLimit(t *testing.T) {
	var received int
	r := NewErrorReporter(ReporterConfig{SampleRate: 1.0, MaxErrorsPerMin: 3},
		func(kind Kind, err error) { received++ }, nil)

	for i := 0; i < 10; i++ {
		r.Report(errors.New("x"))
	}
	assert.Equal(t, 3, received)
	assert.Equal(t, int64(7), r.Dropped())
}

func TestHandlerRegistry_ClaimsError(t *testing.T) {
	reg := NewHandlerRegistry()
	claimed := false
	reg.Register(KindParse, func(err error) bool {
		claimed = true
		return true
	})

	err := NewError(KindParse, false, errors.New("bad syntax"))
	assert.True(t, reg.Handle(err))
	assert.True(t, claimed)

	// Unregistered kinds fall through to the default policy.
	assert.False(t, reg.Handle(NewError(KindWorker, true, errors.New("x"))))
}
