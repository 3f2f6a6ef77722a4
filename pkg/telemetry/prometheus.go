// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics holds the Prometheus collectors on a private registry so tests
// can run trackers side by side without duplicate registration panics.
type promMetrics struct {
	registry *prometheus.Registry

	stageLatency            *prometheus.HistogramVec
	eventsTotal             *prometheus.CounterVec
	errorsTotal             *prometheus.CounterVec
	entitiesTotal           prometheus.Counter
	relationshipsTotal      prometheus.Counter
	filesTotal              prometheus.Counter
	locTotal                prometheus.Counter
	bytesTotal              prometheus.Counter
	backpressureDisconnects prometheus.Counter
	queueDepth              prometheus.Gauge
	workers                 prometheus.Gauge
	wsSessions              prometheus.Gauge
	heapBytes               prometheus.Gauge
	goroutines              prometheus.Gauge
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	m := &promMetrics{
		registry: reg,
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegraph",
			Name:      "stage_latency_seconds",
			Help:      "Pipeline stage latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "events_total",
			Help:      "Change events by outcome.",
		}, []string{"outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "errors_total",
			Help:      "Errors by pipeline stage.",
		}, []string{"stage"}),
		entitiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "entities_written_total",
			Help:      "Entities committed to the graph sink.",
		}),
		relationshipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "relationships_written_total",
			Help:      "Relationships committed to the graph sink.",
		}),
		filesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "files_ingested_total",
			Help:      "Source files parsed and committed.",
		}),
		locTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "lines_ingested_total",
			Help:      "Source lines parsed and committed.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "bytes_ingested_total",
			Help:      "Source bytes parsed and committed.",
		}),
		backpressureDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codegraph",
			Name:      "ws_backpressure_disconnects_total",
			Help:      "Websocket sessions closed for sustained slow consumption.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegraph",
			Name:      "queue_depth",
			Help:      "Tasks queued, runnable plus scheduled.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegraph",
			Name:      "workers",
			Help:      "Live worker goroutines.",
		}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegraph",
			Name:      "ws_sessions",
			Help:      "Connected websocket sessions.",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegraph",
			Name:      "heap_bytes",
			Help:      "Heap in use.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codegraph",
			Name:      "goroutines",
			Help:      "Goroutine count.",
		}),
	}
	reg.MustRegister(
		m.stageLatency, m.eventsTotal, m.errorsTotal,
		m.entitiesTotal, m.relationshipsTotal,
		m.filesTotal, m.locTotal, m.bytesTotal, m.backpressureDisconnects,
		m.queueDepth, m.workers, m.wsSessions, m.heapBytes, m.goroutines,
	)
	return m
}

// Handler returns the HTTP handler serving this tracker's metrics.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.prom.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.prom.registry
}
