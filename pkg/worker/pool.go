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

// Package worker implements the elastic pool of goroutines that executes
// queued ingestion tasks: parse, entity upsert, relationship upsert and
// enrichment.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/codegraph/pkg/queue"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// Handler executes one task type. The context carries the per-task deadline.
type Handler func(ctx context.Context, task *queue.Task) error

// Status describes what a worker is doing right now.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusErroring   Status = "erroring"
	StatusRestarting Status = "restarting"
)

// Config controls pool sizing and task execution.
type Config struct {
	MinWorkers        int           `yaml:"minWorkers"`
	MaxWorkers        int           `yaml:"maxWorkers"`
	TaskTimeout       time.Duration `yaml:"taskTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ScaleInterval     time.Duration `yaml:"scaleInterval"`
	ScaleCooldown     time.Duration `yaml:"scaleCooldown"`
	// ScaleUpDepthPerWorker adds a worker when queue depth exceeds this
	// many tasks per active worker.
	ScaleUpDepthPerWorker int `yaml:"scaleUpDepthPerWorker"`
	// MaxConsecutiveErrors restarts a worker after this many failures in
	// a row.
	MaxConsecutiveErrors int `yaml:"maxConsecutiveErrors"`
	PollInterval         time.Duration `yaml:"pollInterval"`
}

// DefaultConfig returns stock pool settings.
func DefaultConfig() Config {
	return Config{
		MinWorkers:            2,
		MaxWorkers:            8,
		TaskTimeout:           30 * time.Second,
		HeartbeatInterval:     5 * time.Second,
		ScaleInterval:         2 * time.Second,
		ScaleCooldown:         10 * time.Second,
		ScaleUpDepthPerWorker: 10,
		MaxConsecutiveErrors:  5,
		PollInterval:          20 * time.Millisecond,
	}
}

// workerState is the pool's view of one worker goroutine.
type workerState struct {
	id       int
	status   atomic.Value // Status
	lastBeat atomic.Int64 // unix nanos
	errRun   atomic.Int32 // consecutive errors
	stop     chan struct{}
}

func (w *workerState) setStatus(s Status) { w.status.Store(s) }
func (w *workerState) getStatus() Status  { return w.status.Load().(Status) }

// Metrics is a point-in-time snapshot of pool health.
type Metrics struct {
	Workers        int
	Busy           int
	Idle           int
	CompletedTotal uint64
	FailedTotal    uint64
	DeadLettered   uint64
	Restarts       uint64
}

// Pool pulls tasks from the queue and runs them through registered handlers,
// scaling worker count between configured bounds based on queue depth.
type Pool struct {
	config Config
	logger *slog.Logger
	queue  *queue.PartitionedQueue
	dlq    *reliability.DeadLetterQueue
	policy *reliability.HandlerRegistry

	handlersMu sync.RWMutex
	handlers   map[queue.TaskType]Handler

	mu        sync.Mutex
	workers   map[int]*workerState
	nextID    int
	lastScale time.Time
	running   bool

	busy      atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	deadLtr   atomic.Uint64
	restarts  atomic.Uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool. It does not start workers until Start is called.
func NewPool(config Config, q *queue.PartitionedQueue, dlq *reliability.DeadLetterQueue, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinWorkers <= 0 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 20 * time.Millisecond
	}
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = 5
	}
	return &Pool{
		config:   config,
		logger:   logger,
		queue:    q,
		dlq:      dlq,
		handlers: make(map[queue.TaskType]Handler),
		workers:  make(map[int]*workerState),
	}
}

// SetErrorPolicy installs a per-kind failure policy. A handler that claims
// an error makes the failure terminal: counted, but neither retried nor
// dead-lettered.
func (p *Pool) SetErrorPolicy(registry *reliability.HandlerRegistry) {
	p.policy = registry
}

// Register installs the handler for a task type, replacing any previous one.
func (p *Pool) Register(taskType queue.TaskType, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[taskType] = h
}

// Start launches the minimum worker set and the autoscaler.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return reliability.Errorf(reliability.KindWorker, false, "pool already started")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.ctx = ctx
	for i := 0; i < p.config.MinWorkers; i++ {
		p.spawnLocked(ctx)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.scaleLoop(ctx)

	p.logger.Info("worker.pool.started",
		"min_workers", p.config.MinWorkers,
		"max_workers", p.config.MaxWorkers,
	)
	return nil
}

// Stop halts all workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker.pool.stopped",
		"completed", p.completed.Load(),
		"failed", p.failed.Load(),
	)
}

// spawnLocked starts one worker goroutine. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context) {
	p.nextID++
	w := &workerState{id: p.nextID, stop: make(chan struct{})}
	w.setStatus(StatusIdle)
	w.lastBeat.Store(time.Now().UnixNano())
	p.workers[w.id] = w

	p.wg.Add(1)
	go p.runWorker(ctx, w)
}

// runWorker is the worker main loop: poll, execute, repeat.
func (p *Pool) runWorker(ctx context.Context, w *workerState) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.workers, w.id)
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.lastBeat.Store(time.Now().UnixNano())
			tasks := p.queue.DequeueBatch()
			for _, task := range tasks {
				if ctx.Err() != nil {
					// Shutting down: return undone work to the queue.
					_ = p.queue.Enqueue(task)
					continue
				}
				p.execute(ctx, w, task)
			}
		}
	}
}

// execute runs one task with the per-task timeout and routes failures
// through retry, then the dead-letter queue.
func (p *Pool) execute(ctx context.Context, w *workerState, task *queue.Task) {
	p.handlersMu.RLock()
	handler, ok := p.handlers[task.Type]
	p.handlersMu.RUnlock()
	if !ok {
		p.failTask(w, task, reliability.Errorf(reliability.KindWorker, false,
			"no handler registered for task type %q", task.Type))
		return
	}

	w.setStatus(StatusBusy)
	p.busy.Add(1)
	started := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	err := p.safeInvoke(taskCtx, handler, task)
	cancel()

	p.busy.Add(-1)

	if err != nil {
		p.failTask(w, task, err)
		return
	}

	w.errRun.Store(0)
	w.setStatus(StatusIdle)
	p.completed.Add(1)
	p.logger.Debug("worker.task.complete",
		"worker_id", w.id,
		"task_id", task.ID,
		"task_type", string(task.Type),
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// safeInvoke converts handler panics into errors so one bad task cannot
// take down the worker goroutine.
func (p *Pool) safeInvoke(ctx context.Context, handler Handler, task *queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = reliability.Errorf(reliability.KindWorker, false, "handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// failTask requeues a retryable failure or dead-letters an exhausted or
// permanent one. Each terminally failed task is dead-lettered exactly once.
func (p *Pool) failTask(w *workerState, task *queue.Task, cause error) {
	p.failed.Add(1)

	if p.policy != nil && p.policy.Handle(cause) {
		w.errRun.Store(0)
		w.setStatus(StatusIdle)
		return
	}

	w.setStatus(StatusErroring)

	if run := w.errRun.Add(1); int(run) >= p.config.MaxConsecutiveErrors {
		p.restartWorker(w)
	}

	if reliability.IsRetryable(cause) {
		requeued, err := p.queue.Requeue(task, cause)
		if err == nil && requeued {
			w.setStatus(StatusIdle)
			return
		}
		if err != nil {
			p.logger.Error("worker.task.requeue_failed", "task_id", task.ID, "err", err)
		}
	}

	if p.dlq != nil {
		p.dlq.Add(task.ID, string(task.Type), task.Payload, cause, task.RetryCount+1)
	}
	p.deadLtr.Add(1)
	w.setStatus(StatusIdle)
}

// restartWorker replaces a worker that keeps failing.
func (p *Pool) restartWorker(w *workerState) {
	w.setStatus(StatusRestarting)
	p.restarts.Add(1)
	p.logger.Warn("worker.restart", "worker_id", w.id, "consecutive_errors", w.errRun.Load())

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	p.spawnLocked(p.ctx)
}

// scaleLoop adjusts worker count based on queue depth, with a cooldown
// between changes so scaling does not thrash.
func (p *Pool) scaleLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.config.ScaleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maybeScale(ctx)
		}
	}
}

func (p *Pool) maybeScale(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if time.Since(p.lastScale) < p.config.ScaleCooldown {
		return
	}

	depth := p.queue.Depth()
	count := len(p.workers)
	perWorker := p.config.ScaleUpDepthPerWorker
	if perWorker <= 0 {
		perWorker = 10
	}

	switch {
	case depth > count*perWorker && count < p.config.MaxWorkers:
		p.spawnLocked(ctx)
		p.lastScale = time.Now()
		p.logger.Info("worker.scale_up", "workers", count+1, "queue_depth", depth)
	case depth == 0 && int(p.busy.Load()) == 0 && count > p.config.MinWorkers:
		for _, w := range p.workers {
			select {
			case <-w.stop:
			default:
				close(w.stop)
			}
			break
		}
		p.lastScale = time.Now()
		p.logger.Info("worker.scale_down", "workers", count-1)
	}
}

// WorkerStatuses returns the status of each live worker keyed by id.
func (p *Pool) WorkerStatuses() map[int]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]Status, len(p.workers))
	for id, w := range p.workers {
		out[id] = w.getStatus()
	}
	return out
}

// StaleWorkers returns ids of workers whose heartbeat is older than the
// given age. The pipeline's health sweep restarts these.
func (p *Pool) StaleWorkers(maxAge time.Duration) []int {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	p.mu.Lock()
	defer p.mu.Unlock()
	var stale []int
	for id, w := range p.workers {
		if w.lastBeat.Load() < cutoff && w.getStatus() != StatusBusy {
			stale = append(stale, id)
		}
	}
	return stale
}

// Metrics returns a snapshot of pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()
	busy := int(p.busy.Load())
	return Metrics{
		Workers:        count,
		Busy:           busy,
		Idle:           count - busy,
		CompletedTotal: p.completed.Load(),
		FailedTotal:    p.failed.Load(),
		DeadLettered:   p.deadLtr.Load(),
		Restarts:       p.restarts.Load(),
	}
}
