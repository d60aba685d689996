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

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ledgerStore/internal/batch"
	"ledgerStore/internal/engine"
	"ledgerStore/internal/events"
	"ledgerStore/internal/kvstore"
	"ledgerStore/internal/merkle"
	"ledgerStore/pkg/health"
	"ledgerStore/pkg/metrics"
	"ledgerStore/pkg/reliability"
)

// Engine is the read side of the state engine served over HTTP
type Engine interface {
	CurrentRoot() kvstore.RootID
	GetAt(root kvstore.RootID, key string) ([]byte, bool, error)
	BatchInfos(ids []string) []kvstore.BatchInfo
	Subscribe(req events.SubscribeRequest) (*events.Subscription, error)
}

// Submitter accepts batches for ordering
type Submitter interface {
	SubmitBatch(b *kvstore.Batch) error
}

// Config HTTP API 配置
type Config struct {
	ListenAddress      string
	RateLimitQPS       float64 // batch submissions per second, 0 means no limit
	RateLimitBurst     int
	MaxStatusWait      time.Duration // upper bound for ?wait=
	StatusPollInterval time.Duration
	MaxBodySize        int64
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ListenAddress:      ":8080",
		RateLimitBurst:     100,
		MaxStatusWait:      30 * time.Second,
		StatusPollInterval: 50 * time.Millisecond,
		MaxBodySize:        4 * 1024 * 1024,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       60 * time.Second,
	}
}

// Dependencies of the HTTP server. Engine and Submitter are required.
type Dependencies struct {
	Engine    Engine
	Submitter Submitter
	Validator *reliability.DataValidator
	Resources *reliability.ResourceManager // wraps every route except /subscribe
	Health    *health.Monitor              // serves /health, /readiness and /liveness when set
	Registry  *prometheus.Registry         // serves /metrics when set
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server HTTP API 服务器
type Server struct {
	cfg        Config
	engine     Engine
	submitter  Submitter
	validator  *reliability.DataValidator
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	handler    http.Handler
	httpServer *http.Server
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail.Accepted lists the batches queued before a batch list
// submission failed.
type errorDetail struct {
	Code     int      `json:"code"`
	Message  string   `json:"message"`
	Accepted []string `json:"accepted_batch_ids,omitempty"`
}

// SubmitResponse is returned by POST /batches
type SubmitResponse struct {
	Link     string   `json:"link"`
	BatchIDs []string `json:"batch_ids"`
}

// StatusesResponse is returned by GET /batch_statuses
type StatusesResponse struct {
	Data []kvstore.BatchInfo `json:"data"`
}

// StateResponse is returned by GET /state/{key}
type StateResponse struct {
	Key   string         `json:"key"`
	Value []byte         `json:"value"`
	Root  kvstore.RootID `json:"root"`
}

// RootResponse is returned by GET /state_root
type RootResponse struct {
	Root kvstore.RootID `json:"root"`
}

// NewServer 创建新的 HTTP API 服务器
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Engine == nil || deps.Submitter == nil {
		return nil, errors.New("httpapi: engine and submitter are required")
	}
	def := DefaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.MaxStatusWait <= 0 {
		cfg.MaxStatusWait = def.MaxStatusWait
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = def.StatusPollInterval
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := deps.Validator
	if validator == nil {
		validator = reliability.NewDataValidator(reliability.DefaultValidationLimits)
	}

	s := &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		submitter: deps.Submitter,
		validator: validator,
		metrics:   deps.Metrics,
		logger:    logger.Named("httpapi"),
	}
	if cfg.RateLimitQPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitQPS), cfg.RateLimitBurst)
	}

	limited := func(h http.Handler) http.Handler {
		if deps.Resources == nil {
			return h
		}
		return deps.Resources.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /batches", s.instrument("batches", limited(http.HandlerFunc(s.handleSubmit))))
	mux.Handle("GET /batch_statuses", s.instrument("batch_statuses", limited(http.HandlerFunc(s.handleStatuses))))
	mux.Handle("GET /state/{key}", s.instrument("state", limited(http.HandlerFunc(s.handleState))))
	mux.Handle("GET /state_root", s.instrument("state_root", limited(http.HandlerFunc(s.handleRoot))))
	// 流式订阅不受请求超时限制
	mux.Handle("GET /subscribe", s.instrument("subscribe", http.HandlerFunc(s.handleSubscribe)))

	if deps.Registry != nil {
		mux.Handle("GET /metrics", metrics.Handler(deps.Registry))
	}
	if deps.Health != nil {
		deps.Health.Register(mux)
	}

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the routed handler, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 启动 HTTP 服务器, blocks until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting HTTP API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止 HTTP 服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records latency per route and turns handler panics into 500s
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		err := reliability.Recover("http-"+route, func() error {
			next.ServeHTTP(rec, r)
			return nil
		})
		if err != nil {
			s.metrics.RecordPanicRecovered("http")
			s.logger.Error("handler panicked", zap.String("route", route), zap.Error(err))
			writeError(rec, http.StatusInternalServerError, "internal error")
		}

		s.metrics.ObserveHTTPRequest(route, rec.code, time.Since(start))
	})
}

// handleSubmit 处理 POST /batches
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RecordRateLimitHit("batches")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	batches, err := batch.DecodeBatches(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		if err := s.validator.ValidateBatch(b); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ids = append(ids, b.ID)
	}

	for i, b := range batches {
		if err := s.submitter.SubmitBatch(b); err != nil {
			s.logger.Warn("batch submission refused",
				zap.String("batch_id", b.ID), zap.Int("accepted", i), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
				Code:     http.StatusServiceUnavailable,
				Message:  err.Error(),
				Accepted: ids[:i],
			}})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Link:     "/batch_statuses?id=" + strings.Join(ids, ","),
		BatchIDs: ids,
	})
}

// handleStatuses 处理 GET /batch_statuses?id=a,b&wait=5s
func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	ids := parseIDs(r.URL.Query()["id"])
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "at least one batch id is required")
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"), s.cfg.MaxStatusWait)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	infos := s.engine.BatchInfos(ids)
	if wait > 0 && anyPending(infos) {
		infos = s.pollStatuses(r.Context(), ids, wait)
	}
	writeJSON(w, http.StatusOK, StatusesResponse{Data: infos})
}

func (s *Server) pollStatuses(ctx context.Context, ids []string, wait time.Duration) []kvstore.BatchInfo {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			infos := s.engine.BatchInfos(ids)
			if !anyPending(infos) {
				return infos
			}
		case <-deadline.C:
			return s.engine.BatchInfos(ids)
		case <-ctx.Done():
			return s.engine.BatchInfos(ids)
		}
	}
}

func anyPending(infos []kvstore.BatchInfo) bool {
	for _, info := range infos {
		if info.Status.Type == kvstore.StatusPending {
			return true
		}
	}
	return false
}

// parseIDs accepts repeated and comma separated id parameters
func parseIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// parseWait accepts a duration ("5s") or whole seconds ("5"), capped at max
func parseWait(v string, max time.Duration) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.Atoi(v)
		if serr != nil {
			return 0, fmt.Errorf("invalid wait %q", v)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid wait %q", v)
	}
	if d > max {
		d = max
	}
	return d, nil
}

// handleState 处理 GET /state/{key}?root=
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	root := kvstore.RootID(r.URL.Query().Get("root"))

	if root == "" {
		root = s.engine.CurrentRoot()
	}
	value, ok, err := s.engine.GetAt(root, key)

	switch {
	case errors.Is(err, merkle.ErrRootNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown state root %s", root))
	case err != nil:
		s.logger.Error("state read failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "state read failed")
	case !ok:
		writeError(w, http.StatusNotFound, fmt.Sprintf("key %q not found", key))
	default:
		writeJSON(w, http.StatusOK, StateResponse{Key: key, Value: value, Root: root})
	}
}

// handleRoot 处理 GET /state_root
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{Root: s.engine.CurrentRoot()})
}

// handleSubscribe streams envelopes as newline delimited JSON
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", v))
			return
		}
		since = n
	}

	sub, err := s.engine.Subscribe(events.SubscribeRequest{Since: since})
	switch {
	case errors.Is(err, events.ErrHistoryGap):
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, engine.ErrSubscriptionsUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer sub.Cancel()

	// the server write timeout does not apply to the stream
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if err := enc.Encode(env); err != nil {
				s.logger.Debug("subscriber went away", zap.String("subscription", sub.ID()), zap.Error(err))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
