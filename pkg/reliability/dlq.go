// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reliability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DLQConfig controls the dead-letter queue.
type DLQConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxSize       int           `yaml:"maxSize"`
	RetentionTime time.Duration `yaml:"retentionTime"`
}

// DefaultDLQConfig returns the stock dead-letter settings.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{Enabled: true, MaxSize: 1000, RetentionTime: 24 * time.Hour}
}

// DeadLetter is one terminally failed task.
type DeadLetter struct {
	TaskID    string
	TaskType  string
	Task      any // original task payload, opaque to this package
	Err       string
	Timestamp time.Time
	Attempts  int
}

// DeadLetterQueue is a bounded ring of terminally failed tasks. When full,
// the oldest entry is evicted to make room.
type DeadLetterQueue struct {
	config DLQConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries []DeadLetter // oldest first
}

// NewDeadLetterQueue creates an empty DLQ.
func NewDeadLetterQueue(config DLQConfig, logger *slog.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	return &DeadLetterQueue{config: config, logger: logger}
}

// Add records a terminally failed task.
func (q *DeadLetterQueue) Add(taskID, taskType string, task any, err error, attempts int) {
	if !q.config.Enabled {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.config.MaxSize {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		q.logger.Warn("dlq.evict_oldest", "task_id", evicted.TaskID)
	}
	q.entries = append(q.entries, DeadLetter{
		TaskID:    taskID,
		TaskType:  taskType,
		Task:      task,
		Err:       fmt.Sprint(err),
		Timestamp: time.Now(),
		Attempts:  attempts,
	})
	q.logger.Error("dlq.task_dead_lettered",
		"task_id", taskID,
		"task_type", taskType,
		"attempts", attempts,
		"err", err,
	)
}

// Entries returns a snapshot of the current dead letters, oldest first.
func (q *DeadLetterQueue) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the current number of dead letters.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Take removes and returns the entry with the given task id, if present.
// Used by selective re-queue: the caller resets the task's retry count and
// submits it back to the work queue.
func (q *DeadLetterQueue) Take(taskID string) (DeadLetter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.TaskID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true
		}
	}
	return DeadLetter{}, false
}

// Sweep drops entries older than the retention time and returns the number
// removed. Called periodically by the pipeline's background sweeps.
func (q *DeadLetterQueue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.config.RetentionTime)
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if removed > 0 {
		q.logger.Info("dlq.sweep", "removed", removed, "remaining", len(q.entries))
	}
	return removed
}
