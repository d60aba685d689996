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


// Package health aggregates the checks that decide whether a ledger node
// should receive traffic.
//
// A Monitor runs every registered Checker concurrently, each under its own
// deadline, and folds the results into a Report. The worst result wins.
// Readiness also turns false once the node starts draining.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerStore/pkg/metrics"
	"ledgerStore/pkg/reliability"
)

// Status is the outcome class of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// level orders statuses from best to worst
func (s Status) level() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worse(a, b Status) Status {
	if b.level() > a.level() {
		return b
	}
	return a
}

// Result is what one check observed
type Result struct {
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Healthy builds a healthy result
func Healthy(format string, args ...interface{}) Result {
	return Result{Status: StatusHealthy, Message: fmt.Sprintf(format, args...)}
}

// Degraded builds a degraded result
func Degraded(format string, args ...interface{}) Result {
	return Result{Status: StatusDegraded, Message: fmt.Sprintf(format, args...)}
}

// Unhealthy builds an unhealthy result
func Unhealthy(format string, args ...interface{}) Result {
	return Result{Status: StatusUnhealthy, Message: fmt.Sprintf(format, args...)}
}

// With returns r with an extra detail
func (r Result) With(key, value string) Result {
	details := make(map[string]string, len(r.Details)+1)
	for k, v := range r.Details {
		details[k] = v
	}
	details[key] = value
	r.Details = details
	return r
}

// Checker is one health check of the node
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

type funcChecker struct {
	name string
	fn   func(context.Context) Result
}

func (f funcChecker) Name() string { return f.name }
func (f funcChecker) Check(ctx context.Context) Result { return f.fn(ctx) }

// Func turns fn into a Checker called name
func Func(name string, fn func(context.Context) Result) Checker {
	return funcChecker{name: name, fn: fn}
}

// CheckReport is the result of one checker inside a Report
type CheckReport struct {
	Name string `json:"name"`
	Result
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the folded view of every check
type Report struct {
	Status    Status        `json:"status"`
	Ready     bool          `json:"ready"`
	Node      string        `json:"node,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckReport `json:"checks"`
}

// Check returns the entry for name
func (r *Report) Check(name string) (CheckReport, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckReport{}, false
}

// Monitor runs checkers and serves the health endpoints
type Monitor struct {
	node         string
	checkTimeout time.Duration
	cacheTTL     time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	started      time.Time
	draining     atomic.Bool

	mu       sync.Mutex
	checkers []Checker
	last     *Report
	expires  time.Time
}

// Option configures a Monitor
type Option func(*Monitor)

// WithNodeID labels reports with the node id
func WithNodeID(id string) Option {
	return func(m *Monitor) { m.node = id }
}

// WithCheckTimeout bounds each check. A check that overruns is unhealthy.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.checkTimeout = d }
}

// WithCacheTTL sets how long a report is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(m *Monitor) { m.cacheTTL = d }
}

// WithLogger logs status transitions of each check on l
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics exports the last level of each check on mt
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a monitor with no checkers
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		checkTimeout: 2 * time.Second,
		cacheTTL:     time.Second,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("health")
	m.started = m.now()
	return m
}

// Add registers checkers. Names must be unique.
func (m *Monitor) Add(checkers ...Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checkers...)
	m.last = nil
}

// Drain marks the node as leaving. Readiness fails from now on while
// the checks keep reporting.
func (m *Monitor) Drain() {
	if !m.draining.Swap(true) {
		m.logger.Info("node draining, readiness disabled")
	}
}

// Check runs every checker, or returns the cached report
func (m *Monitor) Check(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.last != nil && now.Before(m.expires) {
		return m.snapshot()
	}

	checks := make([]CheckReport, len(m.checkers))
	var wg sync.WaitGroup
	for i, c := range m.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			checks[i] = m.run(ctx, c)
		}(i, c)
	}
	wg.Wait()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	report := &Report{Status: StatusHealthy, Node: m.node, CheckedAt: now, Checks: checks}
	for _, c := range checks {
		report.Status = worse(report.Status, c.Status)
		m.metrics.SetHealthCheck(c.Name, c.Status.level())
	}

	m.logTransitions(report)
	m.last = report
	m.expires = now.Add(m.cacheTTL)
	return m.snapshot()
}

// snapshot copies the last report; caller holds mu
func (m *Monitor) snapshot() *Report {
	out := *m.last
	out.Checks = append([]CheckReport(nil), m.last.Checks...)
	out.Ready = out.Status != StatusUnhealthy && !m.draining.Load()
	return &out
}

// run executes c under the check deadline. Panics and overruns are unhealthy.
func (m *Monitor) run(ctx context.Context, c Checker) CheckReport {
	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		var res Result
		err := reliability.Recover("health-"+c.Name(), func() error {
			res = c.Check(ctx)
			return nil
		})
		if err != nil {
			res = Unhealthy("check panicked: %v", err)
		}
		done <- res
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = Unhealthy("check did not finish: %v", ctx.Err())
	}
	if res.Status == "" {
		res.Status = StatusUnhealthy
	}
	return CheckReport{
		Name:      c.Name(),
		Result:    res,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
}

func (m *Monitor) logTransitions(report *Report) {
	for _, c := range report.Checks {
		prev := StatusHealthy
		if m.last != nil {
			if p, ok := m.last.Check(c.Name); ok {
				prev = p.Status
			}
		}
		if prev == c.Status {
			continue
		}
		fields := []zap.Field{
			zap.String("check", c.Name),
			zap.String("from", string(prev)),
			zap.String("to", string(c.Status)),
			zap.String("message", c.Message),
		}
		if c.Status.level() > prev.level() {
			m.logger.Warn("health check worsened", fields...)
		} else {
			m.logger.Info("health check recovered", fields...)
		}
	}
}

// Register mounts /health, /readiness and /liveness on mux
func (m *Monitor) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", m.handleHealth)
	mux.HandleFunc("GET /readiness", m.handleReadiness)
	mux.HandleFunc("GET /liveness", m.handleLiveness)
}

// handleHealth serves the full report; 503 when any check is unhealthy
func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

type readiness struct {
	Ready  bool   `json:"ready"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (m *Monitor) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	body := readiness{Ready: report.Ready, Status: report.Status}
	switch {
	case m.draining.Load():
		body.Reason = "draining"
	case report.Status == StatusUnhealthy:
		for _, c := range report.Checks {
			if c.Status == StatusUnhealthy {
				body.Reason = c.Name + ": " + c.Message
				break
			}
		}
	}

	code := http.StatusOK
	if !body.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// handleLiveness never runs checks: a responsive process is alive
func (m *Monitor) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":          true,
		"uptime_seconds": int64(m.now().Sub(m.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
