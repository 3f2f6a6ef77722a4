// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyWindow_Percentiles(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)

	for i := 1; i <= 100; i++ {
		tr.ObserveLatency(StageParse, time.Duration(i)*time.Millisecond)
	}

	snap := tr.Snapshot()
	stats := snap.Stages[StageParse]
	assert.Equal(t, 50*time.Millisecond, stats.P50)
	assert.Equal(t, 95*time.Millisecond, stats.P95)
	assert.Equal(t, 99*time.Millisecond, stats.P99)
}

func TestLatencyWindow_RollsOver(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)

	// Fill past the window so only the most recent 1000 samples count.
	for i := 0; i < latencyWindowSize; i++ {
		tr.ObserveLatency(StageWrite, time.Hour)
	}
	for i := 0; i < latencyWindowSize; i++ {
		tr.ObserveLatency(StageWrite, time.Millisecond)
	}

	stats := tr.Snapshot().Stages[StageWrite]
	assert.Equal(t, time.Millisecond, stats.P99)
}

func TestThroughputAndErrorRate(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)

	for i := 0; i < 9; i++ {
		tr.EventProcessed()
	}
	tr.EventFailed()
	tr.FragmentsWritten(12, 7)

	snap := tr.Snapshot()
	assert.Equal(t, uint64(9), snap.EventsProcessed)
	assert.Equal(t, uint64(1), snap.EventsFailed)
	assert.Equal(t, uint64(12), snap.Entities)
	assert.Equal(t, uint64(7), snap.Relationships)
	assert.InDelta(t, 10.0, snap.ErrorRatePct, 0.01)
}

func TestErrorTail_BoundedOldestFirst(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)

	for i := 0; i < errorTailSize+5; i++ {
		tr.RecordError(StageParse, fmt.Errorf("e%d", i))
	}

	snap := tr.Snapshot()
	require.Len(t, snap.RecentErrors, errorTailSize)
	assert.Equal(t, "e5", snap.RecentErrors[0].Message)
	assert.Equal(t, fmt.Sprintf("e%d", errorTailSize+4), snap.RecentErrors[errorTailSize-1].Message)
}

func TestEvaluateAlerts(t *testing.T) {
	tr := NewTracker(AlertConfig{
		MaxP95:          map[Stage]time.Duration{StageEndToEnd: 10 * time.Millisecond},
		MaxErrorRatePct: 5,
		MaxQueueDepth:   100,
	}, nil)

	tr.ObserveLatency(StageEndToEnd, 50*time.Millisecond)
	tr.EventFailed()

	alerts := tr.EvaluateAlerts(500)
	names := make([]string, 0, len(alerts))
	for _, a := range alerts {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "latency_p95_end_to_end")
	assert.Contains(t, names, "error_rate")
	assert.Contains(t, names, "queue_depth")
}

func TestFileIngested_ThroughputCounters(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)

	tr.FileIngested(120, 4096)
	tr.FileIngested(30, 512)

	snap := tr.Snapshot()
	assert.Equal(t, uint64(2), snap.FilesIngested)
	assert.Equal(t, uint64(150), snap.LinesOfCode)
	assert.Equal(t, uint64(4608), snap.BytesIngested)

	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "codegraph_files_ingested_total 2")
	assert.Contains(t, body, "codegraph_lines_ingested_total 150")
	assert.Contains(t, body, "codegraph_bytes_ingested_total 4608")
}

func alertNames(alerts []Alert) []string {
	names := make([]string, 0, len(alerts))
	for _, a := range alerts {
		names = append(names, a.Name)
	}
	return names
}

func TestEvaluateAlerts_ThroughputFloor(t *testing.T) {
	tr := NewTracker(AlertConfig{MinEventsPerMin: 60}, nil)
	tr.EventProcessed()

	// The floor is not evaluated during the first minute of uptime.
	assert.Empty(t, alertNames(tr.EvaluateAlerts(0)))

	// Two minutes in with one event total: well under the floor.
	tr.startedAt = time.Now().Add(-2 * time.Minute)
	assert.Contains(t, alertNames(tr.EvaluateAlerts(0)), "throughput")

	// Healthy throughput clears it.
	for i := 0; i < 200; i++ {
		tr.EventProcessed()
	}
	assert.NotContains(t, alertNames(tr.EvaluateAlerts(0)), "throughput")
}

func TestSampleResources(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)
	sample := tr.SampleResources()
	assert.Greater(t, sample.HeapBytes, uint64(0))
	assert.Greater(t, sample.Goroutines, 0)
	assert.Equal(t, sample.HeapBytes, tr.Snapshot().Resources.HeapBytes)
}

func TestPrometheusHandler_ExposesMetrics(t *testing.T) {
	tr := NewTracker(AlertConfig{}, nil)
	tr.EventProcessed()
	tr.ObserveLatency(StageParse, 3*time.Millisecond)
	tr.SetGauge("queue_depth", 42)
	tr.RecordError(StageWrite, errors.New("boom"))
	tr.CountBackpressureDisconnect()

	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `codegraph_events_total{outcome="ok"} 1`)
	assert.Contains(t, body, `codegraph_queue_depth 42`)
	assert.Contains(t, body, `codegraph_errors_total{stage="write"} 1`)
	assert.Contains(t, body, "codegraph_ws_backpressure_disconnects_total 1")
	assert.True(t, strings.Contains(body, "codegraph_stage_latency_seconds_bucket"))
}
