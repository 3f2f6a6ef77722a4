// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kraklabs/codegraph/pkg/reliability"
)

// PartitionStrategy selects how tasks map to partitions.
type PartitionStrategy string

const (
	// StrategyHash routes by hash(partition key) mod N, serializing all work
	// for one namespace/module end-to-end.
	StrategyHash PartitionStrategy = "hash"

	// StrategyRoundRobin rotates strictly across partitions.
	StrategyRoundRobin PartitionStrategy = "round_robin"

	// StrategyPriority routes high-priority tasks to dedicated lanes in the
	// lower half of the partition range.
	StrategyPriority PartitionStrategy = "priority"
)

// priorityBandThreshold splits priority lanes under StrategyPriority.
const priorityBandThreshold = 8

// Config controls queue behavior.
type Config struct {
	MaxSize               int                    `yaml:"maxSize"`
	PartitionCount        int                    `yaml:"partitionCount"`
	BatchSize             int                    `yaml:"batchSize"`
	BatchTimeout          time.Duration          `yaml:"batchTimeout"`
	BackpressureThreshold int                    `yaml:"backpressureThreshold"`
	RetryAttempts         int                    `yaml:"retryAttempts"`
	Retry                 reliability.RetryConfig `yaml:"retry"`
	SweepInterval         time.Duration          `yaml:"sweepInterval"`
	Strategy              PartitionStrategy      `yaml:"partitionStrategy"`
}

// DefaultConfig returns sensible queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:               10000,
		PartitionCount:        4,
		BatchSize:             50,
		BatchTimeout:          time.Second,
		BackpressureThreshold: 8000,
		RetryAttempts:         3,
		Retry:                 reliability.DefaultRetryConfig(),
		SweepInterval:         100 * time.Millisecond,
		Strategy:              StrategyHash,
	}
}

// partition is one independently guarded shard of the queue.
type partition struct {
	mu    sync.Mutex
	tasks taskHeap
}

// Metrics is a point-in-time snapshot of queue health.
type Metrics struct {
	Depth            int
	ScheduledDepth   int
	PartitionDepths  []int
	OldestAge        time.Duration
	EnqueuedTotal    uint64
	DequeuedTotal    uint64
	OverflowTotal    uint64
	RequeuedTotal    uint64
	ThroughputPerSec float64
}

// PartitionedQueue is a bounded, partitioned priority queue with scheduled
// (delayed) tasks and backpressure. Each partition is guarded independently
// to avoid whole-queue contention.
type PartitionedQueue struct {
	config     Config
	logger     *slog.Logger
	partitions []*partition

	schedMu   sync.Mutex
	scheduled scheduledHeap

	depth    atomic.Int64 // runnable + scheduled
	seq      atomic.Uint64
	rrCursor atomic.Uint64

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	overflow atomic.Uint64
	requeued atomic.Uint64

	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a queue and starts its scheduled-task promotion sweep.
func New(config Config, logger *slog.Logger) *PartitionedQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PartitionCount <= 0 {
		config.PartitionCount = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 100 * time.Millisecond
	}
	if config.Strategy == "" {
		config.Strategy = StrategyHash
	}

	q := &PartitionedQueue{
		config:     config,
		logger:     logger,
		partitions: make([]*partition, config.PartitionCount),
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for i := range q.partitions {
		q.partitions[i] = &partition{}
	}
	go q.sweepLoop()
	return q
}

// Close stops the promotion sweep. Queued tasks remain dequeueable.
func (q *PartitionedQueue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		<-q.doneCh
	})
}

// PartitionCount returns the number of partitions.
func (q *PartitionedQueue) PartitionCount() int { return len(q.partitions) }

// partitionFor assigns a partition index per the configured strategy.
func (q *PartitionedQueue) partitionFor(t *Task) int {
	n := len(q.partitions)
	switch q.config.Strategy {
	case StrategyRoundRobin:
		return int(q.rrCursor.Add(1)-1) % n
	case StrategyPriority:
		half := n / 2
		if half == 0 {
			return 0
		}
		if t.Priority >= priorityBandThreshold {
			return int(q.rrCursor.Add(1)-1) % half
		}
		return half + int(q.rrCursor.Add(1)-1)%(n-half)
	default: // StrategyHash
		key := t.PartitionKey
		if key == "" {
			key = t.ID
		}
		return int(xxhash.Sum64String(key) % uint64(n))
	}
}

// Enqueue adds a task. Under backpressure (total depth at or above the
// threshold) it fails fast with ErrQueueOverflow; callers shed load or retry
// after draining. Tasks with a future ScheduledAt are held until the sweep
// promotes them.
func (q *PartitionedQueue) Enqueue(t *Task) error {
	if t == nil {
		return reliability.Errorf(reliability.KindInvalidInput, false, "enqueue: nil task")
	}
	threshold := q.config.BackpressureThreshold
	if threshold <= 0 {
		threshold = q.config.MaxSize
	}
	if threshold > 0 && int(q.depth.Load()) >= threshold {
		q.overflow.Add(1)
		q.logger.Warn("queue.enqueue.overflow",
			"task_id", t.ID,
			"depth", q.depth.Load(),
			"threshold", threshold,
		)
		return reliability.ErrQueueOverflow
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.config.RetryAttempts
	}
	t.seq = q.seq.Add(1)

	q.depth.Add(1)
	q.enqueued.Add(1)

	if !t.Runnable(time.Now()) {
		q.schedMu.Lock()
		heap.Push(&q.scheduled, t)
		q.schedMu.Unlock()
		return nil
	}

	q.push(q.partitionFor(t), t)
	return nil
}

func (q *PartitionedQueue) push(idx int, t *Task) {
	p := q.partitions[idx]
	p.mu.Lock()
	heap.Push(&p.tasks, t)
	p.mu.Unlock()
}

// Dequeue removes up to n runnable tasks from one partition, best first.
func (q *PartitionedQueue) Dequeue(partitionIdx, n int) []*Task {
	if partitionIdx < 0 || partitionIdx >= len(q.partitions) || n <= 0 {
		return nil
	}
	p := q.partitions[partitionIdx]
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Task
	for len(out) < n && p.tasks.Len() > 0 {
		out = append(out, heap.Pop(&p.tasks).(*Task))
	}
	if len(out) > 0 {
		q.depth.Add(int64(-len(out)))
		q.dequeued.Add(uint64(len(out)))
	}
	return out
}

// DequeueBatch pulls up to BatchSize tasks fairly across partitions,
// starting from a rotating cursor so no partition starves.
func (q *PartitionedQueue) DequeueBatch() []*Task {
	n := len(q.partitions)
	per := q.config.BatchSize/n + 1
	start := int(q.rrCursor.Add(1)-1) % n

	var out []*Task
	for i := 0; i < n && len(out) < q.config.BatchSize; i++ {
		idx := (start + i) % n
		want := per
		if rem := q.config.BatchSize - len(out); rem < want {
			want = rem
		}
		out = append(out, q.Dequeue(idx, want)...)
	}
	return out
}

// DequeueByPriority removes the n globally best tasks across all
// partitions, compared by the partition ordering.
func (q *PartitionedQueue) DequeueByPriority(n int) []*Task {
	var out []*Task
	for len(out) < n {
		best := -1
		var bestTask *Task
		for i, p := range q.partitions {
			p.mu.Lock()
			if p.tasks.Len() > 0 {
				top := p.tasks[0]
				if bestTask == nil || taskLess(top, bestTask) {
					bestTask = top
					best = i
				}
			}
			p.mu.Unlock()
		}
		if best < 0 {
			break
		}
		got := q.Dequeue(best, 1)
		if len(got) == 0 {
			continue // raced with another consumer; re-scan
		}
		out = append(out, got[0])
	}
	return out
}

// Requeue returns a failed task to the queue with exponential backoff and
// jitter. When retries are exhausted it does not requeue and returns false;
// the caller dead-letters the task.
func (q *PartitionedQueue) Requeue(t *Task, cause error) (bool, error) {
	t.RetryCount++
	if t.RetryCount > t.MaxRetries {
		q.logger.Warn("queue.requeue.exhausted",
			"task_id", t.ID,
			"task_type", string(t.Type),
			"retries", t.RetryCount-1,
			"err", cause,
		)
		return false, nil
	}

	delay := q.config.Retry.NextDelay(t.RetryCount)
	t.ScheduledAt = time.Now().Add(delay)

	q.logger.Debug("queue.requeue",
		"task_id", t.ID,
		"retry", t.RetryCount,
		"delay_ms", delay.Milliseconds(),
		"err", cause,
	)

	if err := q.Enqueue(t); err != nil {
		return false, fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	q.requeued.Add(1)
	return true, nil
}

// sweepLoop periodically promotes scheduled tasks whose time has come.
func (q *PartitionedQueue) sweepLoop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.promoteScheduled(time.Now())
		}
	}
}

// promoteScheduled moves runnable held tasks into their partitions.
func (q *PartitionedQueue) promoteScheduled(now time.Time) int {
	var ready []*Task
	q.schedMu.Lock()
	for q.scheduled.Len() > 0 && !q.scheduled[0].ScheduledAt.After(now) {
		ready = append(ready, heap.Pop(&q.scheduled).(*Task))
	}
	q.schedMu.Unlock()

	for _, t := range ready {
		q.push(q.partitionFor(t), t)
	}
	return len(ready)
}

// Depth returns the total number of queued tasks, runnable plus scheduled.
func (q *PartitionedQueue) Depth() int { return int(q.depth.Load()) }

// Metrics returns a snapshot of queue health.
func (q *PartitionedQueue) Metrics() Metrics {
	m := Metrics{
		Depth:           q.Depth(),
		PartitionDepths: make([]int, len(q.partitions)),
		EnqueuedTotal:   q.enqueued.Load(),
		DequeuedTotal:   q.dequeued.Load(),
		OverflowTotal:   q.overflow.Load(),
		RequeuedTotal:   q.requeued.Load(),
	}

	now := time.Now()
	var oldest time.Time
	for i, p := range q.partitions {
		p.mu.Lock()
		m.PartitionDepths[i] = p.tasks.Len()
		for _, t := range p.tasks {
			if oldest.IsZero() || t.CreatedAt.Before(oldest) {
				oldest = t.CreatedAt
			}
		}
		p.mu.Unlock()
	}
	q.schedMu.Lock()
	m.ScheduledDepth = q.scheduled.Len()
	q.schedMu.Unlock()

	if !oldest.IsZero() {
		m.OldestAge = now.Sub(oldest)
	}
	if elapsed := now.Sub(q.startedAt).Seconds(); elapsed > 0 {
		m.ThroughputPerSec = float64(m.DequeuedTotal) / elapsed
	}
	return m
}
