// Copyright 2025 The axfor Authors
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

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all ledgerStore metrics
const (
	namespace = "ledger"
	subsystem = "engine"
)

// Result labels
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultInvalid = "invalid"
	ResultTimeout = "timeout"
)

// Metrics holds all Prometheus metrics for a ledger node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Staging metrics
	PrepareTotal    *prometheus.CounterVec
	PrepareDuration *prometheus.HistogramVec
	CommitTotal     *prometheus.CounterVec
	CommitDuration  *prometheus.HistogramVec
	RollbackTotal   *prometheus.CounterVec

	InterruptedCommits prometheus.Counter

	// Execution metrics
	TransactionsTotal  *prometheus.CounterVec
	BatchesExecuted    *prometheus.CounterVec
	ExecutorQueueDepth prometheus.Gauge

	// Tracker metrics
	TrackerEntries   prometheus.Gauge
	TrackerEvictions prometheus.Counter

	// Event metrics
	EventsPublished     prometheus.Counter
	PublishFailures     prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	SubscribersDropped  prometheus.Counter

	// Storage operation metrics
	StorageOperationDuration *prometheus.HistogramVec
	StorageOperationErrors   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitHits       *prometheus.CounterVec

	// Panic recovery metrics
	PanicsRecovered *prometheus.CounterVec

	// Health metrics
	HealthCheckStatus *prometheus.GaugeVec
}

// New creates and registers all metrics
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		PrepareTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "prepare_total",
				Help:      "Total number of prepare calls by result",
			},
			[]string{"result"},
		),

		PrepareDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "prepare_duration_seconds",
				Help:      "Histogram of prepare latencies, execution included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		CommitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "commit_total",
				Help:      "Total number of commit calls by result",
			},
			[]string{"result"},
		),

		CommitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "commit_duration_seconds",
				Help:      "Histogram of commit latencies",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"result"},
		),

		RollbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rollback_total",
				Help:      "Total number of rollback calls, discarded or no-op",
			},
			[]string{"result"},
		),

		InterruptedCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "interrupted_commits_total",
				Help:      "Commits found interrupted between store write and head write at startup",
			},
		),

		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "transactions_total",
				Help:      "Total number of executed transactions by result",
			},
			[]string{"result"},
		),

		BatchesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "batches_total",
				Help:      "Total number of executed batches by outcome",
			},
			[]string{"outcome"},
		),

		ExecutorQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "queue_depth",
				Help:      "Batches waiting for a worker",
			},
		),

		TrackerEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "history",
				Name:      "entries",
				Help:      "Current number of tracked batches",
			},
		),

		TrackerEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "history",
				Name:      "evictions_total",
				Help:      "Total number of batches evicted from the tracker",
			},
		),

		EventsPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of state change events published",
			},
		),

		PublishFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publish calls after commit",
			},
		),

		ActiveSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "active_subscriptions",
				Help:      "Current number of state subscriptions",
			},
		),

		SubscribersDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "subscribers_dropped_total",
				Help:      "Subscriptions closed because the subscriber fell behind",
			},
		),

		StorageOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Histogram of storage operation latencies",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "status"},
		),

		StorageOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_errors_total",
				Help:      "Total number of storage operation errors",
			},
			[]string{"operation"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Histogram of HTTP request latencies",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),

		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limit_hits_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
			[]string{"route"},
		),

		PanicsRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "panics_recovered_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),

		HealthCheckStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Last result of each health check: 0 healthy, 1 degraded, 2 unhealthy",
			},
			[]string{"check"},
		),
	}
}

// ObservePrepare records one prepare call
func (m *Metrics) ObservePrepare(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PrepareTotal.WithLabelValues(result).Inc()
	m.PrepareDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveCommit records one commit call
func (m *Metrics) ObserveCommit(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommitTotal.WithLabelValues(result).Inc()
	m.CommitDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordRollback records one rollback call
func (m *Metrics) RecordRollback(discarded bool) {
	if m == nil {
		return
	}
	result := "noop"
	if discarded {
		result = "discarded"
	}
	m.RollbackTotal.WithLabelValues(result).Inc()
}

// RecordInterruptedCommit counts a commit intent found at startup
func (m *Metrics) RecordInterruptedCommit() {
	if m == nil {
		return
	}
	m.InterruptedCommits.Inc()
}

// RecordTransactions counts executed transactions
func (m *Metrics) RecordTransactions(valid, invalid int) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues("valid").Add(float64(valid))
	m.TransactionsTotal.WithLabelValues("invalid").Add(float64(invalid))
}

// RecordBatchExecuted counts a batch leaving the executor
func (m *Metrics) RecordBatchExecuted(outcome string) {
	if m == nil {
		return
	}
	m.BatchesExecuted.WithLabelValues(outcome).Inc()
}

// SetExecutorQueueDepth sets the executor backlog
func (m *Metrics) SetExecutorQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ExecutorQueueDepth.Set(float64(n))
}

// SetTrackerEntries sets the tracker size
func (m *Metrics) SetTrackerEntries(n int) {
	if m == nil {
		return
	}
	m.TrackerEntries.Set(float64(n))
}

// RecordTrackerEviction counts an evicted batch
func (m *Metrics) RecordTrackerEviction() {
	if m == nil {
		return
	}
	m.TrackerEvictions.Inc()
}

// RecordEventsPublished counts published events
func (m *Metrics) RecordEventsPublished(n int) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(float64(n))
}

// RecordPublishFailure counts a failed post-commit publish
func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// SubscriptionOpened increments the active subscription gauge
func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

// SubscriptionClosed decrements the active subscription gauge
func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}

// RecordSubscriberDropped counts a subscriber closed for falling behind
func (m *Metrics) RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}

// ObserveStorage records a storage operation
func (m *Metrics) ObserveStorage(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := ResultOK
	if err != nil {
		status = ResultError
		m.StorageOperationErrors.WithLabelValues(operation).Inc()
	}
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an HTTP request
func (m *Metrics) ObserveHTTPRequest(route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit hit
func (m *Metrics) RecordRateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(route).Inc()
}

// RecordPanicRecovered records a recovered panic
func (m *Metrics) RecordPanicRecovered(component string) {
	if m == nil {
		return
	}
	m.PanicsRecovered.WithLabelValues(component).Inc()
}

// SetHealthCheck records the level of the last run of check
func (m *Metrics) SetHealthCheck(check string, level int) {
	if m == nil {
		return
	}
	m.HealthCheckStatus.WithLabelValues(check).Set(float64(level))
}
