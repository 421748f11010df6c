// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes the worker's Prometheus collectors: claim
// latency, event-flush duration and batch size, heartbeat failures,
// backpressure wait time, RSS samples, and process kills.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	claimDuration     *prometheus.HistogramVec
	eventFlushLatency prometheus.Histogram
	eventBatchSize    prometheus.Histogram
	heartbeatFailures *prometheus.CounterVec
	backpressureWait  prometheus.Histogram
	rssSamples        *prometheus.GaugeVec
	processKills      *prometheus.CounterVec
	tasksClaimed      *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily
// used by tests to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus
// exposition format, suitable for mounting at /metrics.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveClaim records one claim call's outcome and latency.
func ObserveClaim(outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if claimDuration != nil {
		claimDuration.WithLabelValues(sanitizeLabel(outcome, "unknown")).Observe(duration.Seconds())
	}
	if tasksClaimed != nil && outcome == "task" {
		tasksClaimed.WithLabelValues("claimed").Inc()
	}
}

// ObserveEventFlush records one pipeline flush attempt's latency and
// the number of events it carried.
func ObserveEventFlush(duration time.Duration, batchSize int) {
	mu.RLock()
	defer mu.RUnlock()
	if eventFlushLatency != nil {
		eventFlushLatency.Observe(duration.Seconds())
	}
	if eventBatchSize != nil {
		eventBatchSize.Observe(float64(batchSize))
	}
}

// IncHeartbeatFailure increments the heartbeat failure counter for the
// given reason ("network", "http_5xx", "lease_expired", ...).
func IncHeartbeatFailure(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if heartbeatFailures != nil {
		heartbeatFailures.WithLabelValues(sanitizeLabel(reason, "unknown")).Inc()
	}
}

// ObserveBackpressureWait records one backpressure sleep interval the
// pipeline's producer side spent waiting for buffer headroom.
func ObserveBackpressureWait(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if backpressureWait != nil {
		backpressureWait.Observe(d.Seconds())
	}
}

// SetRSS records the most recent RSS sample for a task's child process.
func SetRSS(taskID string, bytes int64) {
	mu.RLock()
	defer mu.RUnlock()
	if rssSamples != nil {
		rssSamples.WithLabelValues(sanitizeLabel(taskID, "unknown")).Set(float64(bytes))
	}
}

// DeleteRSS removes the RSS gauge for a task once its child exits, so
// the series doesn't accumulate one label per historical task.
func DeleteRSS(taskID string) {
	mu.RLock()
	defer mu.RUnlock()
	if rssSamples != nil {
		rssSamples.DeleteLabelValues(sanitizeLabel(taskID, "unknown"))
	}
}

// IncProcessKill increments the forced-termination counter for the
// given reason ("memory", "timeout", "fail_fast", "cancel").
func IncProcessKill(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if processKills != nil {
		processKills.WithLabelValues(sanitizeLabel(reason, "unknown")).Inc()
	}
}

// ObserveTaskCompletion records one task-fiber's terminal outcome
// ("passed", "failed", "infra_error", "timeout", "crash", "user_error").
func ObserveTaskCompletion(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if tasksCompleted != nil {
		tasksCompleted.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	claim := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "claim_duration_seconds",
		Help:      "Duration of tasks/claim calls by outcome (task, idle, error).",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 35, 60},
	}, []string{"outcome"})

	flushLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "event_flush_duration_seconds",
		Help:      "Duration of a single EventPipeline flush round trip.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "event_flush_batch_size",
		Help:      "Number of RunEvents carried by a single flush.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	hbFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "heartbeat_failures_total",
		Help:      "Total heartbeat call failures by reason.",
	}, []string{"reason"})

	bpWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "backpressure_wait_seconds",
		Help:      "Time the event pipeline's producer spent waiting under backpressure.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	rss := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "child_rss_bytes",
		Help:      "Most recent RSS sample of a task's child process.",
	}, []string{"task"})

	kills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "process_kills_total",
		Help:      "Total forced child-process terminations by reason.",
	}, []string{"reason"})

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "tasks_claimed_total",
		Help:      "Total tasks claimed from the control plane.",
	}, []string{"outcome"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetagent",
		Subsystem: "worker",
		Name:      "tasks_completed_total",
		Help:      "Total task-fibers reaching a terminal outcome, by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(claim, flushLatency, batchSize, hbFailures, bpWait, rss, kills, claimed, completed)

	reg = registry
	claimDuration = claim
	eventFlushLatency = flushLatency
	eventBatchSize = batchSize
	heartbeatFailures = hbFailures
	backpressureWait = bpWait
	rssSamples = rss
	processKills = kills
	tasksClaimed = claimed
	tasksCompleted = completed
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
