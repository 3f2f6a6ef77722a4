// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/reliability"
)

func newTestQueue(t *testing.T, mutate func(*Config)) *PartitionedQueue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	q := New(cfg, nil)
	t.Cleanup(q.Close)
	return q
}

func TestEnqueue_PriorityOrdering(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 1
	})

	base := time.Now()
	for i, prio := range []int{3, 9, 5, 9, 1} {
		require.NoError(t, q.Enqueue(&Task{
			ID:        fmt.Sprintf("t%d", i),
			Type:      TaskParse,
			Priority:  prio,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	got := q.Dequeue(0, 5)
	require.Len(t, got, 5)

	var ids []string
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	// Highest priority first; FIFO within equal priority.
	assert.Equal(t, []string{"t1", "t3", "t2", "t0", "t4"}, ids)
}

func TestEnqueue_HashPartitioningIsStable(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 4
		c.Strategy = StrategyHash
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(&Task{
			ID:           fmt.Sprintf("t%d", i),
			Type:         TaskEntityUpsert,
			Priority:     5,
			PartitionKey: "acme/billing",
		}))
	}

	// All tasks for one partition key land on the same partition.
	m := q.Metrics()
	nonEmpty := 0
	for _, d := range m.PartitionDepths {
		if d > 0 {
			nonEmpty++
			assert.Equal(t, 20, d)
		}
	}
	assert.Equal(t, 1, nonEmpty)
}

func TestEnqueue_BackpressureOverflow(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 2
		c.BackpressureThreshold = 3
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(&Task{ID: fmt.Sprintf("t%d", i), Priority: 5}))
	}

	err := q.Enqueue(&Task{ID: "overflow", Priority: 5})
	require.ErrorIs(t, err, reliability.ErrQueueOverflow)
	assert.True(t, reliability.IsRetryable(err))

	// Draining frees capacity; the same enqueue then succeeds.
	q.DequeueByPriority(1)
	assert.NoError(t, q.Enqueue(&Task{ID: "overflow", Priority: 5}))
}

func TestRequeue_BacksOffThenPromotes(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 1
		c.Retry.BaseDelay = 10 * time.Millisecond
		c.Retry.MaxDelay = 10 * time.Millisecond
		c.Retry.JitterFactor = 0
	})

	task := &Task{ID: "flaky", Type: TaskParse, Priority: 5, MaxRetries: 3}
	require.NoError(t, q.Enqueue(task))
	got := q.Dequeue(0, 1)
	require.Len(t, got, 1)

	requeued, err := q.Requeue(got[0], fmt.Errorf("connection reset"))
	require.NoError(t, err)
	require.True(t, requeued)

	// Held while backing off.
	assert.Empty(t, q.Dequeue(0, 1))
	assert.Equal(t, 1, q.Metrics().ScheduledDepth)

	// Promoted once the delay elapses.
	require.Eventually(t, func() bool {
		got := q.Dequeue(0, 1)
		return len(got) == 1 && got[0].RetryCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRequeue_ExhaustedGoesToCaller(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.PartitionCount = 1 })

	task := &Task{ID: "doomed", Type: TaskParse, Priority: 5, MaxRetries: 2, RetryCount: 2}
	requeued, err := q.Requeue(task, fmt.Errorf("boom"))
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, 0, q.Depth())
}

func TestDequeueBatch_DrainsAcrossPartitions(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 4
		c.BatchSize = 10
		c.Strategy = StrategyRoundRobin
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(&Task{ID: fmt.Sprintf("t%d", i), Priority: 5}))
	}

	got := q.DequeueBatch()
	assert.Len(t, got, 10)
	assert.Equal(t, 0, q.Depth())
}

func TestDequeueByPriority_GlobalOrder(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 4
		c.Strategy = StrategyRoundRobin
	})

	for i, prio := range []int{2, 10, 4, 7, 10} {
		require.NoError(t, q.Enqueue(&Task{ID: fmt.Sprintf("t%d", i), Priority: prio}))
	}

	got := q.DequeueByPriority(3)
	require.Len(t, got, 3)
	assert.Equal(t, 10, got[0].Priority)
	assert.Equal(t, 10, got[1].Priority)
	assert.Equal(t, 7, got[2].Priority)
}

func TestPriorityStrategy_BandsHighPriority(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.PartitionCount = 4
		c.Strategy = StrategyPriority
	})

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(&Task{ID: fmt.Sprintf("hi%d", i), Priority: 9}))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(&Task{ID: fmt.Sprintf("lo%d", i), Priority: 3}))
	}

	m := q.Metrics()
	// High-priority tasks occupy the first half of partitions, low the rest.
	assert.Equal(t, 8, m.PartitionDepths[0]+m.PartitionDepths[1])
	assert.Equal(t, 8, m.PartitionDepths[2]+m.PartitionDepths[3])
}

func TestMetrics_Counters(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.PartitionCount = 1 })

	require.NoError(t, q.Enqueue(&Task{ID: "a", Priority: 5}))
	require.NoError(t, q.Enqueue(&Task{ID: "b", Priority: 5}))
	q.Dequeue(0, 1)

	m := q.Metrics()
	assert.Equal(t, uint64(2), m.EnqueuedTotal)
	assert.Equal(t, uint64(1), m.DequeuedTotal)
	assert.Equal(t, 1, m.Depth)
	assert.Greater(t, m.OldestAge, time.Duration(0))
}
