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

// Package pipeline orchestrates ingestion end to end: change events come in,
// get queued and parsed, graph fragments get batched to the sink, and commit
// notifications fan out to subscribers.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/kraklabs/codegraph/pkg/cache"
	"github.com/kraklabs/codegraph/pkg/parser"
	"github.com/kraklabs/codegraph/pkg/queue"
	"github.com/kraklabs/codegraph/pkg/reliability"
	"github.com/kraklabs/codegraph/pkg/telemetry"
	"github.com/kraklabs/codegraph/pkg/worker"
	"github.com/kraklabs/codegraph/pkg/writer"
)

// State is the pipeline lifecycle phase.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
	StateResuming State = "resuming"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// validTransitions is the lifecycle graph. Pausing rejects new events while
// the queue drains; paused holds until Resume or Stop. Error is reached when
// startup fails and is recoverable only through Start.
var validTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StatePausing, StateStopping, StateError},
	StatePausing:  {StatePaused, StateError},
	StatePaused:   {StateResuming, StateStopping, StateError},
	StateResuming: {StateRunning, StateError},
	StateStopping: {StateStopped, StateError},
	StateError:    {StateStarting},
}

// ContentSource supplies file content for change events. Production uses
// the workspace filesystem; tests inject fixtures.
type ContentSource interface {
	ReadFile(relPath string) ([]byte, error)
}

// OSContentSource reads files under a root directory.
type OSContentSource struct {
	Root string
}

func (s OSContentSource) ReadFile(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(relPath)))
}

// EmbeddingService computes vectors for committed entities. Enrichment is
// best-effort: failures never fail the originating change event.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Publisher receives committed-change notifications for realtime fan-out.
type Publisher interface {
	Publish(eventType string, payload map[string]any)
}

// Pipeline wires the cache, parser, queue, worker pool, batch writer and
// telemetry into one ingestion service.
type Pipeline struct {
	config Config
	logger *slog.Logger

	cache       *cache.Cache
	exports     *parser.ExportMap
	incremental *parser.Incremental
	queue       *queue.PartitionedQueue
	pool        *worker.Pool
	writer      *writer.BatchWriter
	dlq         *reliability.DeadLetterQueue
	breaker     *reliability.CircuitBreaker
	reporter    *reliability.ErrorReporter
	errPolicy   *reliability.HandlerRegistry
	tracker     *telemetry.Tracker

	source     ContentSource
	embeddings EmbeddingService
	publisher  Publisher

	mu    sync.Mutex
	state State

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithContentSource overrides the workspace filesystem source.
func WithContentSource(s ContentSource) Option {
	return func(p *Pipeline) { p.source = s }
}

// WithEmbeddings attaches an embedding service for enrichment tasks.
func WithEmbeddings(e EmbeddingService) Option {
	return func(p *Pipeline) { p.embeddings = e }
}

// WithPublisher attaches the realtime fan-out publisher.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// New assembles a pipeline over the given sink.
func New(config Config, sink writer.Sink, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	dlq := reliability.NewDeadLetterQueue(config.DLQ, logger)
	q := queue.New(config.Queue, logger)
	c := cache.New()
	exports := parser.NewExportMap()

	p := &Pipeline{
		config:      config,
		logger:      logger,
		cache:       c,
		exports:     exports,
		incremental: parser.NewIncremental(parser.New(logger), c, exports, logger),
		queue:       q,
		pool:        worker.NewPool(config.Workers, q, dlq, logger),
		writer:      writer.NewBatchWriter(config.Writer, sink, dlq, logger),
		dlq:         dlq,
		breaker:     reliability.NewCircuitBreaker(config.Breaker, logger),
		tracker:     telemetry.NewTracker(config.Alerts, logger),
		source:      OSContentSource{Root: config.WorkspaceRoot},
		state:       StateStopped,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.reporter = reliability.NewErrorReporter(config.Reporter, func(kind reliability.Kind, err error) {
		logger.Error("pipeline.error.reported", "kind", string(kind), "err", err)
	}, logger)
	p.errPolicy = reliability.NewHandlerRegistry()
	p.registerErrorPolicies()
	p.pool.SetErrorPolicy(p.errPolicy)
	p.registerHandlers()
	return p
}

// registerErrorPolicies installs the per-kind failure handling the worker
// pool consults before its default retry-then-dead-letter path.
func (p *Pipeline) registerErrorPolicies() {
	// Malformed source is terminal for the event: the delta stays empty,
	// the failure is counted and sampled into error reporting, and the
	// task never reaches the dead letters.
	p.errPolicy.Register(reliability.KindParse, func(err error) bool {
		p.reporter.Report(err)
		p.logger.Warn("pipeline.parse.discarded", "err", err)
		return true
	})
}

// State returns the current lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition moves the lifecycle to the requested phase, rejecting moves
// the lifecycle graph does not allow.
func (p *Pipeline) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, next := range validTransitions[p.state] {
		if next == to {
			p.state = to
			return nil
		}
	}
	return reliability.Errorf(reliability.KindPipelineNotRunning, false,
		"invalid lifecycle transition %q -> %q", p.state, to)
}

// Telemetry exposes the tracker for HTTP metric handlers and status pages.
func (p *Pipeline) Telemetry() *telemetry.Tracker { return p.tracker }

// DeadLetters exposes the DLQ for admin inspection and selective re-queue.
func (p *Pipeline) DeadLetters() *reliability.DeadLetterQueue { return p.dlq }

// QueueMetrics returns current queue health.
func (p *Pipeline) QueueMetrics() queue.Metrics { return p.queue.Metrics() }

// WorkerMetrics returns current worker pool health.
func (p *Pipeline) WorkerMetrics() worker.Metrics { return p.pool.Metrics() }

// WriterMetrics returns current batch writer counters.
func (p *Pipeline) WriterMetrics() writer.Metrics { return p.writer.Metrics() }

// CacheStats returns cache occupancy.
func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }

// Start transitions stopped -> starting -> running, launching workers and
// background sweeps. A failed start lands in the error state; a new Start
// recovers from it.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.transition(StateStarting); err != nil {
		return err
	}
	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	if err := p.pool.Start(ctx); err != nil {
		_ = p.transition(StateError)
		return err
	}

	p.writer.BeginEpoch(uuid.NewString())

	p.wg.Add(1)
	go p.sweepLoop()
	p.tracker.StartResourceSampler(15*time.Second, p.stopCh)

	if err := p.transition(StateRunning); err != nil {
		return err
	}

	p.logger.Info("pipeline.started",
		"workspace", p.config.WorkspaceRoot,
		"partitions", p.config.Queue.PartitionCount,
	)
	return nil
}

// Pause stops accepting new change events and drains the queued backlog,
// then parks the pipeline until Resume or Stop.
func (p *Pipeline) Pause(ctx context.Context) error {
	if err := p.transition(StatePausing); err != nil {
		return err
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for p.queue.Depth() > 0 {
		select {
		case <-ctx.Done():
			// Park anyway; the leftover backlog drains after Resume.
			_ = p.transition(StatePaused)
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if err := p.transition(StatePaused); err != nil {
		return err
	}
	p.logger.Info("pipeline.paused")
	return nil
}

// Resume re-enables ingress after a pause.
func (p *Pipeline) Resume() error {
	if err := p.transition(StateResuming); err != nil {
		return err
	}
	if err := p.transition(StateRunning); err != nil {
		return err
	}
	p.logger.Info("pipeline.resumed")
	return nil
}

// Stop drains in-flight work and flushes the writer. Valid from running or
// paused; safe to call once.
func (p *Pipeline) Stop(ctx context.Context) error {
	if err := p.transition(StateStopping); err != nil {
		return reliability.ErrPipelineNotRunning
	}

	close(p.stopCh)
	p.wg.Wait()
	p.pool.Stop()
	p.queue.Close()
	err := p.writer.Close(ctx)

	_ = p.transition(StateStopped)

	p.logger.Info("pipeline.stopped")
	return err
}

// sweepLoop runs periodic maintenance: DLQ retention, alert evaluation and
// gauge refresh.
func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()
	interval := p.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.dlq.Sweep()
			depth := p.queue.Depth()
			p.tracker.SetGauge("queue_depth", float64(depth))
			p.tracker.SetGauge("workers", float64(p.pool.Metrics().Workers))
			p.tracker.EvaluateAlerts(depth)
		}
	}
}

// publish sends a fan-out notification when a publisher is attached.
func (p *Pipeline) publish(eventType string, payload map[string]any) {
	if p.publisher == nil {
		return
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	p.publisher.Publish(eventType, payload)
}

// RequeueDeadLetter pulls a dead letter by task id and submits it back to
// the queue with a reset retry count.
func (p *Pipeline) RequeueDeadLetter(taskID string) error {
	entry, ok := p.dlq.Take(taskID)
	if !ok {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"dead letter %q not found", taskID)
	}
	task := &queue.Task{
		ID:       entry.TaskID,
		Type:     queue.TaskType(entry.TaskType),
		Priority: 5,
		Payload:  entry.Task,
	}
	return p.queue.Enqueue(task)
}

// newTaskID returns a unique task id.
func newTaskID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
