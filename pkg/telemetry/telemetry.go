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

// Package telemetry tracks pipeline latency, throughput, resource usage and
// recent errors, and exports them as Prometheus metrics.
package telemetry

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Stage names the pipeline phases with tracked latency.
type Stage string

const (
	StageParse    Stage = "parse"
	StageResolve  Stage = "resolve"
	StageWrite    Stage = "write"
	StageEndToEnd Stage = "end_to_end"
	StageFanout   Stage = "fanout"
)

// latencyWindowSize bounds each per-stage rolling sample window.
const latencyWindowSize = 1000

// errorTailSize bounds the recent-error ring.
const errorTailSize = 100

// latencyWindow is a fixed-size ring of duration samples.
type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

func (w *latencyWindow) record(d time.Duration) {
	if w.samples == nil {
		w.samples = make([]time.Duration, latencyWindowSize)
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// percentile returns the p-th percentile (0..100) of the window, or zero
// when no samples exist.
func (w *latencyWindow) percentile(p float64) time.Duration {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(n-1) * p / 100.0)
	return sorted[idx]
}

// ErrorRecord is one entry in the recent-error tail.
type ErrorRecord struct {
	Time    time.Time
	Stage   Stage
	Message string
}

// StageStats summarizes one stage's latency distribution.
type StageStats struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// ResourceSample is one point-in-time resource reading.
type ResourceSample struct {
	Time       time.Time
	HeapBytes  uint64
	Goroutines int
}

// AlertConfig sets thresholds the snapshot evaluator checks.
type AlertConfig struct {
	MaxP95          map[Stage]time.Duration `yaml:"maxP95"`
	MaxErrorRatePct float64                 `yaml:"maxErrorRatePct"`
	MaxHeapBytes    uint64                  `yaml:"maxHeapBytes"`
	MaxQueueDepth   int                     `yaml:"maxQueueDepth"`
	// MinEventsPerMin alerts when event throughput falls below the floor.
	// Evaluated only after the first minute of uptime; zero disables it.
	MinEventsPerMin float64 `yaml:"minEventsPerMin"`
}

// Alert is one threshold breach.
type Alert struct {
	Name    string
	Message string
}

// Snapshot is a point-in-time view of all tracked metrics.
type Snapshot struct {
	Stages          map[Stage]StageStats
	EventsProcessed uint64
	EventsFailed    uint64
	Entities        uint64
	Relationships   uint64
	FilesIngested   uint64
	LinesOfCode     uint64
	BytesIngested   uint64
	ErrorRatePct    float64
	Resources       ResourceSample
	RecentErrors    []ErrorRecord
	Uptime          time.Duration
}

// Tracker aggregates latency windows, throughput counters, the error tail
// and resource samples. All methods are safe for concurrent use.
type Tracker struct {
	logger *slog.Logger
	alerts AlertConfig
	prom   *promMetrics

	mu        sync.Mutex
	windows   map[Stage]*latencyWindow
	events    uint64
	failed    uint64
	entities  uint64
	rels      uint64
	files     uint64
	loc       uint64
	bytesIn   uint64
	errTail   []ErrorRecord
	errNext   int
	errFull   bool
	lastRes   ResourceSample
	startedAt time.Time
}

// NewTracker creates a tracker with Prometheus collectors registered on a
// private registry.
func NewTracker(alerts AlertConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:    logger,
		alerts:    alerts,
		prom:      newPromMetrics(),
		windows:   make(map[Stage]*latencyWindow),
		errTail:   make([]ErrorRecord, errorTailSize),
		startedAt: time.Now(),
	}
}

// ObserveLatency records one duration sample for a stage.
func (t *Tracker) ObserveLatency(stage Stage, d time.Duration) {
	t.mu.Lock()
	w, ok := t.windows[stage]
	if !ok {
		w = &latencyWindow{}
		t.windows[stage] = w
	}
	w.record(d)
	t.mu.Unlock()

	t.prom.stageLatency.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// Time runs fn and records its duration under stage.
func (t *Tracker) Time(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	t.ObserveLatency(stage, time.Since(start))
	return err
}

// EventProcessed counts one fully processed change event.
func (t *Tracker) EventProcessed() {
	t.mu.Lock()
	t.events++
	t.mu.Unlock()
	t.prom.eventsTotal.WithLabelValues("ok").Inc()
}

// EventFailed counts one terminally failed change event.
func (t *Tracker) EventFailed() {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()
	t.prom.eventsTotal.WithLabelValues("failed").Inc()
}

// FragmentsWritten counts committed graph fragments.
func (t *Tracker) FragmentsWritten(entities, relationships int) {
	t.mu.Lock()
	t.entities += uint64(entities)
	t.rels += uint64(relationships)
	t.mu.Unlock()
	t.prom.entitiesTotal.Add(float64(entities))
	t.prom.relationshipsTotal.Add(float64(relationships))
}

// FileIngested counts one committed source file with its line and byte
// throughput.
func (t *Tracker) FileIngested(lines, byteCount int) {
	t.mu.Lock()
	t.files++
	t.loc += uint64(lines)
	t.bytesIn += uint64(byteCount)
	t.mu.Unlock()
	t.prom.filesTotal.Inc()
	t.prom.locTotal.Add(float64(lines))
	t.prom.bytesTotal.Add(float64(byteCount))
}

// RecordError appends to the bounded recent-error tail.
func (t *Tracker) RecordError(stage Stage, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.errTail[t.errNext] = ErrorRecord{Time: time.Now(), Stage: stage, Message: err.Error()}
	t.errNext = (t.errNext + 1) % len(t.errTail)
	if t.errNext == 0 {
		t.errFull = true
	}
	t.mu.Unlock()
	t.prom.errorsTotal.WithLabelValues(string(stage)).Inc()
}

// SampleResources reads current heap and goroutine counts.
func (t *Tracker) SampleResources() ResourceSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample := ResourceSample{
		Time:       time.Now(),
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}
	t.mu.Lock()
	t.lastRes = sample
	t.mu.Unlock()
	t.prom.heapBytes.Set(float64(sample.HeapBytes))
	t.prom.goroutines.Set(float64(sample.Goroutines))
	return sample
}

// StartResourceSampler samples resources on the interval until stop is
// closed.
func (t *Tracker) StartResourceSampler(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.SampleResources()
			}
		}
	}()
}

// Snapshot returns the current aggregate view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Stages:          make(map[Stage]StageStats, len(t.windows)),
		EventsProcessed: t.events,
		EventsFailed:    t.failed,
		Entities:        t.entities,
		Relationships:   t.rels,
		FilesIngested:   t.files,
		LinesOfCode:     t.loc,
		BytesIngested:   t.bytesIn,
		Resources:       t.lastRes,
		Uptime:          time.Since(t.startedAt),
	}
	for stage, w := range t.windows {
		s.Stages[stage] = StageStats{
			P50: w.percentile(50),
			P95: w.percentile(95),
			P99: w.percentile(99),
		}
	}
	if total := t.events + t.failed; total > 0 {
		s.ErrorRatePct = 100 * float64(t.failed) / float64(total)
	}

	n := t.errNext
	if t.errFull {
		n = len(t.errTail)
	}
	s.RecentErrors = make([]ErrorRecord, 0, n)
	// Oldest first.
	start := 0
	if t.errFull {
		start = t.errNext
	}
	for i := 0; i < n; i++ {
		s.RecentErrors = append(s.RecentErrors, t.errTail[(start+i)%len(t.errTail)])
	}
	return s
}

// EvaluateAlerts checks the snapshot against configured thresholds.
func (t *Tracker) EvaluateAlerts(queueDepth int) []Alert {
	snap := t.Snapshot()
	var alerts []Alert

	for stage, maxP95 := range t.alerts.MaxP95 {
		if stats, ok := snap.Stages[stage]; ok && maxP95 > 0 && stats.P95 > maxP95 {
			alerts = append(alerts, Alert{
				Name:    "latency_p95_" + string(stage),
				Message: "p95 " + stats.P95.String() + " exceeds " + maxP95.String(),
			})
		}
	}
	if t.alerts.MaxErrorRatePct > 0 && snap.ErrorRatePct > t.alerts.MaxErrorRatePct {
		alerts = append(alerts, Alert{Name: "error_rate", Message: "error rate above threshold"})
	}
	if t.alerts.MaxHeapBytes > 0 && snap.Resources.HeapBytes > t.alerts.MaxHeapBytes {
		alerts = append(alerts, Alert{Name: "heap_bytes", Message: "heap usage above threshold"})
	}
	if t.alerts.MaxQueueDepth > 0 && queueDepth > t.alerts.MaxQueueDepth {
		alerts = append(alerts, Alert{Name: "queue_depth", Message: "queue depth above threshold"})
	}
	if t.alerts.MinEventsPerMin > 0 && snap.Uptime >= time.Minute {
		perMin := float64(snap.EventsProcessed+snap.EventsFailed) / snap.Uptime.Minutes()
		if perMin < t.alerts.MinEventsPerMin {
			alerts = append(alerts, Alert{Name: "throughput", Message: "event throughput below floor"})
		}
	}

	for _, a := range alerts {
		t.logger.Warn("telemetry.alert", "name", a.Name, "detail", a.Message)
	}
	return alerts
}

// SetGauge updates one of the externally fed gauges (queue depth, worker
// count, live websocket sessions).
func (t *Tracker) SetGauge(name string, v float64) {
	switch name {
	case "queue_depth":
		t.prom.queueDepth.Set(v)
	case "workers":
		t.prom.workers.Set(v)
	case "ws_sessions":
		t.prom.wsSessions.Set(v)
	}
}

// CountBackpressureDisconnect increments the fan-out slow-consumer counter.
func (t *Tracker) CountBackpressureDisconnect() {
	t.prom.backpressureDisconnects.Inc()
}
