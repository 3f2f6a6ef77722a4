// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"strings"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/queue"
	"github.com/kraklabs/codegraph/pkg/reliability"
	"github.com/kraklabs/codegraph/pkg/telemetry"
)

// Priority bounds. Every event starts at the base and accumulates boosts,
// capped at the maximum.
const (
	basePriority = 5
	maxPriority  = 10
)

// smallFileBytes is the size under which an event gets a latency boost:
// small edits are usually interactive saves.
const smallFileBytes = 10 * 1024

// IngestChangeEvent validates one event and enqueues its parse task.
// Returns the assigned task id.
func (p *Pipeline) IngestChangeEvent(event *graph.ChangeEvent) (string, error) {
	if p.State() != StateRunning {
		return "", reliability.ErrPipelineNotRunning
	}
	if err := event.Validate(); err != nil {
		return "", reliability.NewError(reliability.KindInvalidInput, false, err)
	}

	task := &queue.Task{
		ID:           newTaskID("parse"),
		Type:         queue.TaskParse,
		Priority:     eventPriority(event),
		Payload:      event,
		PartitionKey: event.PartitionKey(),
	}
	if err := p.queue.Enqueue(task); err != nil {
		p.tracker.RecordError(telemetry.StageEndToEnd, err)
		return "", err
	}

	p.logger.Debug("ingestion.event.accepted",
		"event_id", event.ID,
		"path", event.FilePath,
		"type", string(event.EventType),
		"priority", task.Priority,
	)
	return task.ID, nil
}

// IngestChangeEvents enqueues a batch, returning per-event task ids. The
// batch is not transactional: a failure partway leaves earlier events
// queued, and the error names the first failure.
func (p *Pipeline) IngestChangeEvents(events []*graph.ChangeEvent) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		id, err := p.IngestChangeEvent(event)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// eventPriority scores an event 1..10. Source files beat assets, small
// files beat big ones, and modifications beat creations since someone is
// actively editing them.
func eventPriority(event *graph.ChangeEvent) int {
	priority := basePriority
	if isSourceExtension(event.FilePath) {
		priority += 2
	}
	if event.Size > 0 && event.Size < smallFileBytes {
		priority++
	}
	if event.EventType == graph.EventModified {
		priority++
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return priority
}

func isSourceExtension(path string) bool {
	for _, ext := range []string{".ts", ".tsx", ".js", ".jsx", ".mts", ".cts", ".mjs", ".cjs"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
