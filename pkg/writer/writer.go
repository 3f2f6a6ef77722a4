// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// Config controls batching and flush behavior.
type Config struct {
	BatchSize      int           `yaml:"batchSize"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
	IdempotencyTTL time.Duration `yaml:"idempotencyTTL"`
	EpochTTL       time.Duration `yaml:"epochTTL"`
	// SplitThreshold is the sub-batch size used when a whole-batch write
	// fails and the writer falls back to per-chunk writes.
	SplitThreshold int `yaml:"splitThreshold"`
	// MaxConcurrentBatches bounds the flushes running against the sink at
	// once. Triggers beyond the bound are skipped; the periodic flush
	// covers their fragments.
	MaxConcurrentBatches int                     `yaml:"maxConcurrentBatches"`
	Retry                reliability.RetryConfig `yaml:"retry"`
}

// DefaultConfig returns stock writer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		FlushInterval:        2 * time.Second,
		IdempotencyTTL:       5 * time.Minute,
		EpochTTL:             10 * time.Minute,
		SplitThreshold:       10,
		MaxConcurrentBatches: 4,
		Retry:                reliability.DefaultRetryConfig(),
	}
}

// epochItem tags a buffered fragment with the ingestion epoch it belongs to.
type epochItem[T any] struct {
	epoch string
	item  T
}

// Metrics is a snapshot of writer counters.
type Metrics struct {
	EntitiesWritten      uint64
	RelationshipsWritten uint64
	EmbeddingsWritten    uint64
	EntitiesDeleted      uint64
	RelationshipsDeleted uint64
	BatchesFlushed       uint64
	DuplicatesSkipped    uint64
	StaleDropped         uint64
	FlushFailures        uint64
	PendingEntities      int
	PendingRelationships int
}

// BatchWriter accumulates graph fragments and flushes them to the sink in
// dependency order. Within one flush, entity upserts always commit before
// relationship upserts so the sink never sees a dangling endpoint.
type BatchWriter struct {
	config Config
	logger *slog.Logger
	sink   Sink
	retry  *reliability.RetryHandler
	dlq    *reliability.DeadLetterQueue

	// flightSem bounds concurrent flushes against the sink.
	flightSem *semaphore.Weighted

	mu            sync.Mutex
	entities      []epochItem[graph.Entity]
	relationships []epochItem[*graph.Relationship]
	embeddings    []epochItem[Embedding]
	deletions     []epochItem[string]
	relDeletions  []epochItem[string]

	// seen holds idempotency keys with their expiry. A fragment whose key
	// is live is a duplicate and is skipped.
	seen map[string]time.Time

	// epochs maps live epoch ids to their start time. Fragments from
	// unknown or expired epochs are dropped at flush.
	epochs       map[string]time.Time
	currentEpoch string

	entitiesWritten uint64
	relsWritten     uint64
	embWritten      uint64
	deleted         uint64
	relsDeleted     uint64
	flushes         uint64
	dupes           uint64
	staleDropped    uint64
	flushFailures   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBatchWriter creates a writer and starts its periodic flush loop.
func NewBatchWriter(config Config, sink Sink, dlq *reliability.DeadLetterQueue, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = 5 * time.Minute
	}
	if config.SplitThreshold <= 0 {
		config.SplitThreshold = 10
	}
	if config.EpochTTL <= 0 {
		config.EpochTTL = 10 * time.Minute
	}
	if config.MaxConcurrentBatches <= 0 {
		config.MaxConcurrentBatches = 4
	}

	w := &BatchWriter{
		config:    config,
		logger:    logger,
		sink:      sink,
		retry:     reliability.NewRetryHandler(config.Retry, logger),
		dlq:       dlq,
		flightSem: semaphore.NewWeighted(int64(config.MaxConcurrentBatches)),
		seen:      make(map[string]time.Time),
		epochs:    make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Close flushes remaining fragments and stops the flush loop.
func (w *BatchWriter) Close(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.Flush(ctx)
	})
	return err
}

// BeginEpoch registers a new ingestion epoch and makes it current. Fragments
// enqueued afterward belong to it until the next BeginEpoch.
func (w *BatchWriter) BeginEpoch(epoch string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.epochs[epoch] = time.Now()
	w.currentEpoch = epoch
}

// EndEpoch retires an epoch. Buffered fragments still tagged with it are
// dropped at the next flush.
func (w *BatchWriter) EndEpoch(epoch string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.epochs, epoch)
	if w.currentEpoch == epoch {
		w.currentEpoch = ""
	}
}

// epochLive reports whether an epoch id still accepts writes. The empty
// epoch (no epoch tracking) is always live. Caller holds w.mu.
func (w *BatchWriter) epochLive(epoch string, now time.Time) bool {
	if epoch == "" {
		return true
	}
	started, ok := w.epochs[epoch]
	if !ok {
		return false
	}
	return now.Sub(started) < w.config.EpochTTL
}

// markSeen records an idempotency key. Returns false if the key is already
// live, meaning the fragment is a duplicate. Caller holds w.mu.
func (w *BatchWriter) markSeen(key string, now time.Time) bool {
	if expiry, ok := w.seen[key]; ok && now.Before(expiry) {
		w.dupes++
		return false
	}
	w.seen[key] = now.Add(w.config.IdempotencyTTL)
	return true
}

// QueueEntity buffers an entity upsert, deduplicated on id plus content hash.
func (w *BatchWriter) QueueEntity(e graph.Entity) {
	w.mu.Lock()
	now := time.Now()
	if !w.markSeen("ent:"+e.EntityID()+"@"+e.ContentHash(), now) {
		w.mu.Unlock()
		return
	}
	w.entities = append(w.entities, epochItem[graph.Entity]{epoch: w.currentEpoch, item: e})
	full := len(w.entities) >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		w.flushAsync()
	}
}

// QueueRelationship buffers a relationship upsert, deduplicated on id plus
// version.
func (w *BatchWriter) QueueRelationship(r *graph.Relationship) {
	w.mu.Lock()
	now := time.Now()
	if !w.markSeen(fmt.Sprintf("rel:%s@%d", r.ID, r.Version), now) {
		w.mu.Unlock()
		return
	}
	w.relationships = append(w.relationships, epochItem[*graph.Relationship]{epoch: w.currentEpoch, item: r})
	full := len(w.relationships) >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		w.flushAsync()
	}
}

// QueueEmbedding buffers an embedding write.
func (w *BatchWriter) QueueEmbedding(e Embedding) {
	w.mu.Lock()
	w.embeddings = append(w.embeddings, epochItem[Embedding]{epoch: w.currentEpoch, item: e})
	w.mu.Unlock()
}

// QueueDeletion buffers an entity deletion.
func (w *BatchWriter) QueueDeletion(entityID string) {
	w.mu.Lock()
	w.deletions = append(w.deletions, epochItem[string]{epoch: w.currentEpoch, item: entityID})
	w.mu.Unlock()
}

// QueueRelationshipDeletion buffers a relationship deletion by id.
func (w *BatchWriter) QueueRelationshipDeletion(relID string) {
	w.mu.Lock()
	w.relDeletions = append(w.relDeletions, epochItem[string]{epoch: w.currentEpoch, item: relID})
	w.mu.Unlock()
}

// flushAsync triggers a background flush, bounded by MaxConcurrentBatches.
// When the bound is saturated the trigger is dropped: the fragments stay
// buffered and the next in-flight or periodic flush drains them.
func (w *BatchWriter) flushAsync() {
	if !w.flightSem.TryAcquire(1) {
		return
	}
	go func() {
		defer w.flightSem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.Flush(ctx); err != nil {
			w.logger.Error("writer.flush.async_failed", "err", err)
		}
	}()
}

// Flush drains all buffers in dependency order: relationship deletions,
// then entity deletions, then entities, then relationships, then
// embeddings. Stale-epoch fragments are dropped.
func (w *BatchWriter) Flush(ctx context.Context) error {
	now := time.Now()

	w.mu.Lock()
	var relDels []string
	for _, it := range w.relDeletions {
		if w.epochLive(it.epoch, now) {
			relDels = append(relDels, it.item)
		} else {
			w.staleDropped++
		}
	}
	var dels []string
	for _, it := range w.deletions {
		if w.epochLive(it.epoch, now) {
			dels = append(dels, it.item)
		} else {
			w.staleDropped++
		}
	}
	var ents []graph.Entity
	for _, it := range w.entities {
		if w.epochLive(it.epoch, now) {
			ents = append(ents, it.item)
		} else {
			w.staleDropped++
		}
	}
	var rels []*graph.Relationship
	for _, it := range w.relationships {
		if w.epochLive(it.epoch, now) {
			rels = append(rels, it.item)
		} else {
			w.staleDropped++
		}
	}
	var embs []Embedding
	for _, it := range w.embeddings {
		if w.epochLive(it.epoch, now) {
			embs = append(embs, it.item)
		} else {
			w.staleDropped++
		}
	}
	w.relDeletions = nil
	w.deletions = nil
	w.entities = nil
	w.relationships = nil
	w.embeddings = nil
	w.mu.Unlock()

	if len(relDels)+len(dels)+len(ents)+len(rels)+len(embs) == 0 {
		return nil
	}

	var firstErr error
	record := func(err error, counter *uint64, n int) {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		w.bump(counter, uint64(n))
	}

	if len(relDels) > 0 {
		err := w.writeChunked(ctx, "rel_deletes", len(relDels), func(lo, hi int) error {
			return w.sink.DeleteRelationshipsBulk(ctx, relDels[lo:hi])
		}, func(i int) (string, string, any) { return relDels[i], "relationship_delete", relDels[i] })
		record(err, &w.relsDeleted, len(relDels))
	}
	if len(dels) > 0 {
		err := w.writeChunked(ctx, "deletes", len(dels), func(lo, hi int) error {
			return w.sink.DeleteEntitiesBulk(ctx, dels[lo:hi])
		}, func(i int) (string, string, any) { return dels[i], "entity_delete", dels[i] })
		record(err, &w.deleted, len(dels))
	}
	if len(ents) > 0 {
		err := w.writeChunked(ctx, "entities", len(ents), func(lo, hi int) error {
			return w.sink.CreateEntitiesBulk(ctx, ents[lo:hi])
		}, func(i int) (string, string, any) { return ents[i].EntityID(), "entity_upsert", ents[i] })
		record(err, &w.entitiesWritten, len(ents))
	}
	if len(rels) > 0 {
		err := w.writeChunked(ctx, "relationships", len(rels), func(lo, hi int) error {
			return w.sink.CreateRelationshipsBulk(ctx, rels[lo:hi])
		}, func(i int) (string, string, any) { return rels[i].ID, "relationship_upsert", rels[i] })
		record(err, &w.relsWritten, len(rels))
	}
	if len(embs) > 0 {
		err := w.writeChunked(ctx, "embeddings", len(embs), func(lo, hi int) error {
			return w.sink.CreateEmbeddingsBatch(ctx, embs[lo:hi])
		}, func(i int) (string, string, any) { return embs[i].EntityID, "embedding", embs[i] })
		record(err, &w.embWritten, len(embs))
	}

	w.mu.Lock()
	w.flushes++
	if firstErr != nil {
		w.flushFailures++
	}
	w.mu.Unlock()
	return firstErr
}

func (w *BatchWriter) bump(counter *uint64, n uint64) {
	w.mu.Lock()
	*counter += n
	w.mu.Unlock()
}

// writeChunked writes [0,n) through write with retries. On whole-range
// failure it degrades to sub-batches of SplitThreshold; chunks that still
// fail are dead-lettered item by item.
func (w *BatchWriter) writeChunked(ctx context.Context, kind string, n int,
	write func(lo, hi int) error, describe func(i int) (id, taskType string, payload any)) error {

	op := fmt.Sprintf("writer.flush.%s", kind)
	err := w.retry.Do(ctx, op, func() error { return write(0, n) })
	if err == nil {
		return nil
	}

	w.logger.Warn("writer.flush.degrading_to_chunks", "kind", kind, "count", n, "err", err)

	var lastErr error
	for lo := 0; lo < n; lo += w.config.SplitThreshold {
		hi := lo + w.config.SplitThreshold
		if hi > n {
			hi = n
		}
		chunkErr := w.retry.Do(ctx, op, func() error { return write(lo, hi) })
		if chunkErr == nil {
			continue
		}
		lastErr = chunkErr
		if w.dlq != nil {
			for i := lo; i < hi; i++ {
				id, taskType, payload := describe(i)
				w.dlq.Add(id, taskType, payload, chunkErr, 1)
			}
		}
	}
	if lastErr != nil {
		return reliability.NewError(reliability.KindBatchProcessing, false,
			fmt.Errorf("flush %s: %w", kind, lastErr))
	}
	return nil
}

// flushLoop triggers a flush on the interval and sweeps expired idempotency
// keys and epochs.
func (w *BatchWriter) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("writer.flush.periodic_failed", "err", err)
			}
			cancel()
			w.sweep(time.Now())
		}
	}
}

// sweep drops expired idempotency keys and epochs.
func (w *BatchWriter) sweep(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, expiry := range w.seen {
		if now.After(expiry) {
			delete(w.seen, k)
		}
	}
	for e, started := range w.epochs {
		if now.Sub(started) >= w.config.EpochTTL {
			delete(w.epochs, e)
			if w.currentEpoch == e {
				w.currentEpoch = ""
			}
		}
	}
}

// Metrics returns a snapshot of writer counters.
func (w *BatchWriter) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Metrics{
		EntitiesWritten:      w.entitiesWritten,
		RelationshipsWritten: w.relsWritten,
		EmbeddingsWritten:    w.embWritten,
		EntitiesDeleted:      w.deleted,
		RelationshipsDeleted: w.relsDeleted,
		BatchesFlushed:       w.flushes,
		DuplicatesSkipped:    w.dupes,
		StaleDropped:         w.staleDropped,
		FlushFailures:        w.flushFailures,
		PendingEntities:      len(w.entities),
		PendingRelationships: len(w.relationships),
	}
}
