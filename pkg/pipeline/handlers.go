// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/parser"
	"github.com/kraklabs/codegraph/pkg/queue"
	"github.com/kraklabs/codegraph/pkg/reliability"
	"github.com/kraklabs/codegraph/pkg/telemetry"
	"github.com/kraklabs/codegraph/pkg/writer"
)

// enrichmentPayload carries the entity text an enrichment task embeds.
type enrichmentPayload struct {
	EntityID string
	Text     string
}

func (p *Pipeline) registerHandlers() {
	p.pool.Register(queue.TaskParse, p.handleParse)
	p.pool.Register(queue.TaskEntityUpsert, p.handleEntityUpsert)
	p.pool.Register(queue.TaskRelationshipUpsert, p.handleRelationshipUpsert)
	p.pool.Register(queue.TaskEnrichment, p.handleEnrichment)
}

// handleParse runs the incremental parse for one change event and feeds the
// resulting delta to the batch writer.
func (p *Pipeline) handleParse(ctx context.Context, task *queue.Task) error {
	event, ok := task.Payload.(*graph.ChangeEvent)
	if !ok {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"parse task %s: payload is not a change event", task.ID)
	}

	started := time.Now()
	var content []byte
	if event.EventType != graph.EventDeleted {
		var err error
		content, err = p.source.ReadFile(event.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				// The file vanished between the event and now; treat as a
				// delete so the graph converges on reality.
				event.EventType = graph.EventDeleted
			} else {
				return reliability.NewError(reliability.KindWorker, true, err)
			}
		}
	}

	budget := parser.NewResolutionBudget(p.config.ResolutionBudget)
	delta, err := p.incremental.ProcessChange(ctx, event, content, budget)
	p.tracker.ObserveLatency(telemetry.StageParse, time.Since(started))
	if err != nil {
		p.tracker.RecordError(telemetry.StageParse, err)
		p.tracker.EventFailed()
		return err
	}

	if delta.Skipped {
		p.tracker.EventProcessed()
		return nil
	}

	p.applyDelta(event, delta, task.Priority)
	p.tracker.EventProcessed()
	if event.EventType != graph.EventDeleted {
		lines := bytes.Count(content, []byte("\n"))
		if len(content) > 0 {
			lines++
		}
		p.tracker.FileIngested(lines, len(content))
	}
	p.tracker.ObserveLatency(telemetry.StageEndToEnd, time.Since(event.Timestamp))
	return nil
}

// applyDelta turns a delta into follow-up work: removals go straight to the
// writer, upserts fan out as their own tasks so fragments share worker
// scheduling with parses, then the containment scaffolding (module and
// directory chain), the fan-out notification and enrichment.
func (p *Pipeline) applyDelta(event *graph.ChangeEvent, delta *parser.Delta, priority int) {
	for _, id := range delta.RemovedRelationshipIDs {
		p.writer.QueueRelationshipDeletion(id)
	}
	for _, id := range delta.DeleteEntityIDs {
		p.writer.QueueDeletion(id)
	}

	if delta.File != nil {
		p.scaffold(event, delta.File)
	}
	// Relationship upserts run one priority below their entities so
	// endpoints tend to land first.
	relPriority := priority - 1
	if relPriority < 1 {
		relPriority = 1
	}
	for _, entity := range delta.UpsertEntities {
		p.enqueueFragment(queue.TaskEntityUpsert, "ent", priority, entity)
	}
	for _, rel := range delta.UpsertRelationships {
		p.enqueueFragment(queue.TaskRelationshipUpsert, "rel", relPriority, rel)
	}
	p.tracker.FragmentsWritten(len(delta.UpsertEntities), len(delta.UpsertRelationships))

	eventType := "file.indexed"
	if event.EventType == graph.EventDeleted {
		eventType = "file.removed"
	}
	p.publish(eventType, map[string]any{
		"eventId":       event.ID,
		"namespace":     event.Namespace,
		"module":        event.Module,
		"path":          graph.NormalizePath(event.FilePath),
		"change":        string(event.EventType),
		"symbolsAdded":  delta.SymbolsAdded,
		"symbolsRemoved": delta.SymbolsRemoved,
	})

	if p.config.EmbeddingsEnabled && p.embeddings != nil {
		p.scheduleEnrichment(delta)
	}
}

// enqueueFragment submits one graph fragment as its own queued task. On
// queue overflow it falls back to a direct writer enqueue so fragments are
// never lost.
func (p *Pipeline) enqueueFragment(taskType queue.TaskType, prefix string, priority int, payload any) {
	task := &queue.Task{
		ID:       newTaskID(prefix),
		Type:     taskType,
		Priority: priority,
		Payload:  payload,
	}
	if err := p.queue.Enqueue(task); err == nil {
		return
	}
	switch taskType {
	case queue.TaskEntityUpsert:
		p.writer.QueueEntity(payload.(graph.Entity))
	case queue.TaskRelationshipUpsert:
		p.writer.QueueRelationship(payload.(*graph.Relationship))
	}
}

// scaffold queues the module entity, the directory chain from the workspace
// root to the file, and their CONTAINS edges.
func (p *Pipeline) scaffold(event *graph.ChangeEvent, file *graph.FileEntity) {
	if event.Module != "" {
		mod := &graph.ModuleEntity{
			ID:   graph.GenerateModuleID(event.Module),
			Name: event.Module,
		}
		p.writer.QueueEntity(mod)
	}

	segments := strings.Split(file.Path, "/")
	parentID := ""
	if event.Module != "" {
		parentID = graph.GenerateModuleID(event.Module)
	}
	for i := 0; i < len(segments)-1; i++ {
		dirPath := strings.Join(segments[:i+1], "/")
		dir := &graph.DirectoryEntity{
			ID:    graph.GenerateDirectoryID(dirPath),
			Path:  dirPath,
			Depth: i + 1,
		}
		p.writer.QueueEntity(dir)
		if parentID != "" {
			p.writer.QueueRelationship(
				graph.NewRelationship(graph.RelContains, parentID, graph.EntityRef(dir.ID)))
		}
		parentID = dir.ID
	}
	if parentID != "" {
		p.writer.QueueRelationship(
			graph.NewRelationship(graph.RelContains, parentID, graph.EntityRef(file.ID)))
	}
}

// scheduleEnrichment queues one embedding task per symbol worth embedding.
func (p *Pipeline) scheduleEnrichment(delta *parser.Delta) {
	for _, entity := range delta.UpsertEntities {
		sym, ok := entity.(*graph.SymbolEntity)
		if !ok || sym.Signature == "" {
			continue
		}
		text := sym.Signature
		if sym.Docstring != "" {
			text = sym.Docstring + "\n" + text
		}
		task := &queue.Task{
			ID:       newTaskID("enrich"),
			Type:     queue.TaskEnrichment,
			Priority: 2, // enrichment always yields to parse work
			Payload:  &enrichmentPayload{EntityID: sym.ID, Text: text},
		}
		if err := p.queue.Enqueue(task); err != nil {
			// Best-effort: dropped enrichment never fails the event.
			p.logger.Warn("enrichment.enqueue_failed", "entity_id", sym.ID, "err", err)
			return
		}
	}
}

// handleEntityUpsert feeds one queued entity fragment to the batch writer.
// Re-queued dead letters land here too.
func (p *Pipeline) handleEntityUpsert(_ context.Context, task *queue.Task) error {
	entity, ok := task.Payload.(graph.Entity)
	if !ok {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"entity task %s: payload is not an entity", task.ID)
	}
	p.writer.QueueEntity(entity)
	return nil
}

// handleRelationshipUpsert feeds one queued relationship fragment to the
// batch writer.
func (p *Pipeline) handleRelationshipUpsert(_ context.Context, task *queue.Task) error {
	rel, ok := task.Payload.(*graph.Relationship)
	if !ok {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"relationship task %s: payload is not a relationship", task.ID)
	}
	p.writer.QueueRelationship(rel)
	return nil
}

// handleEnrichment embeds one entity's text behind the circuit breaker.
// Failures surface as enrichment errors so the retry ladder applies, but
// the original event already counted as processed.
func (p *Pipeline) handleEnrichment(ctx context.Context, task *queue.Task) error {
	payload, ok := task.Payload.(*enrichmentPayload)
	if !ok {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"enrichment task %s: bad payload", task.ID)
	}
	if p.embeddings == nil {
		return nil
	}

	return p.breaker.Execute(func() error {
		vector, err := p.embeddings.Embed(ctx, payload.Text)
		if err != nil {
			p.tracker.RecordError(telemetry.StageWrite, err)
			return reliability.NewError(reliability.KindEnrichment, true, err)
		}
		p.writer.QueueEmbedding(writer.Embedding{
			EntityID: payload.EntityID,
			Vector:   vector,
			Model:    p.embeddings.Model(),
		})
		return nil
	})
}
