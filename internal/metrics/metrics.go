// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the execution
// runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executionsStarted tracks total executions started by playbook name
	executionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbookd_executions_started_total",
			Help: "Total executions started by playbook name",
		},
		[]string{"playbook"},
	)

	// executionsCompleted tracks terminal executions by final status
	executionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbookd_executions_completed_total",
			Help: "Total executions reaching a terminal state by playbook name and status",
		},
		[]string{"playbook", "status"},
	)

	// executionsActive tracks live (non-terminal) executions
	executionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playbookd_executions_active",
			Help: "Number of currently live executions",
		},
	)

	// executionDuration tracks wall-clock run duration
	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playbookd_execution_duration_seconds",
			Help:    "Execution duration from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"playbook", "status"},
	)

	// signalsReceived tracks control signals by kind
	signalsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbookd_signals_total",
			Help: "Total control signals received by signal kind",
		},
		[]string{"signal"},
	)

	// subscriberDrops tracks events dropped to slow stream subscribers
	subscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbookd_stream_dropped_events_total",
			Help: "Total events dropped because a subscriber buffer was full",
		},
	)

	// streamSubscribers tracks connected event stream subscribers
	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playbookd_stream_subscribers",
			Help: "Number of connected event stream subscribers",
		},
	)
)

// RecordExecutionStarted increments the started counter and the live
// gauge.
func RecordExecutionStarted(playbook string) {
	executionsStarted.WithLabelValues(playbook).Inc()
	executionsActive.Inc()
}

// RecordExecutionCompleted records a terminal execution and its
// duration.
func RecordExecutionCompleted(playbook, status string, seconds float64) {
	executionsCompleted.WithLabelValues(playbook, status).Inc()
	executionDuration.WithLabelValues(playbook, status).Observe(seconds)
	executionsActive.Dec()
}

// RecordSignal increments the signal counter.
func RecordSignal(signal string) {
	signalsReceived.WithLabelValues(signal).Inc()
}

// RecordSubscriberDrop increments the dropped-event counter.
func RecordSubscriberDrop() {
	subscriberDrops.Inc()
}

// SetStreamSubscribers sets the subscriber gauge.
func SetStreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}
