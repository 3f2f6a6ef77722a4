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

// Package queue implements the partitioned, priority-ordered, bounded work
// queue that feeds the ingestion worker pool.
package queue

import (
	"time"
)

// TaskType identifies which handler processes a task.
type TaskType string

const (
	TaskParse              TaskType = "parse"
	TaskEntityUpsert       TaskType = "entity_upsert"
	TaskRelationshipUpsert TaskType = "relationship_upsert"
	TaskEnrichment         TaskType = "enrichment"
)

// Task is one unit of work. It is owned by the queue while queued and by the
// worker pool while executing.
type Task struct {
	ID           string
	Type         TaskType
	Priority     int // 1..10, 10 highest
	Payload      any
	Metadata     map[string]string
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	ScheduledAt  time.Time // zero = runnable now; future = held until promoted
	PartitionKey string    // namespace/module key for hash partitioning

	// seq is the queue-assigned insertion sequence, the final FIFO
	// tie-break within equal priority.
	seq uint64
}

// Runnable reports whether the task is eligible to run at t.
func (t *Task) Runnable(at time.Time) bool {
	return t.ScheduledAt.IsZero() || !t.ScheduledAt.After(at)
}

// effectiveSchedule orders scheduled-before-created for the heap comparison.
func (t *Task) effectiveSchedule() time.Time {
	if t.ScheduledAt.IsZero() {
		return t.CreatedAt
	}
	return t.ScheduledAt
}

// taskLess is the partition ordering: priority desc, scheduledAt asc,
// createdAt asc, then insertion order.
func taskLess(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	as, bs := a.effectiveSchedule(), b.effectiveSchedule()
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// taskHeap is a heap of runnable tasks ordered by taskLess.
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return taskLess(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// scheduledHeap orders held tasks by wake time.
type scheduledHeap []*Task

func (h scheduledHeap) Len() int           { return len(h) }
func (h scheduledHeap) Less(i, j int) bool { return h[i].ScheduledAt.Before(h[j].ScheduledAt) }
func (h scheduledHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scheduledHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
