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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerStore/internal/batch"
	"ledgerStore/internal/engine"
	"ledgerStore/internal/events"
	"ledgerStore/internal/kvstore"
	"ledgerStore/internal/merkle"
	"ledgerStore/pkg/health"
	"ledgerStore/pkg/metrics"
)

type fakeEngine struct {
	mu     sync.Mutex
	root   kvstore.RootID
	state  map[kvstore.RootID]map[string][]byte
	infos  map[string]kvstore.BatchInfo
	dealer *events.Dealer // nil means subscriptions are unsupported
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		root: "r1",
		state: map[kvstore.RootID]map[string][]byte{
			"r0": {"k": []byte("old")},
			"r1": {"k": []byte("v")},
		},
		infos: make(map[string]kvstore.BatchInfo),
	}
}

func (f *fakeEngine) CurrentRoot() kvstore.RootID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.root
}

func (f *fakeEngine) GetAt(root kvstore.RootID, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kv, ok := f.state[root]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", merkle.ErrRootNotFound, root)
	}
	v, ok := kv[key]
	return v, ok, nil
}

func (f *fakeEngine) BatchInfos(ids []string) []kvstore.BatchInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kvstore.BatchInfo, 0, len(ids))
	for _, id := range ids {
		info, ok := f.infos[id]
		if !ok {
			info = kvstore.BatchInfo{ID: id, Status: kvstore.UnknownStatus()}
		}
		out = append(out, info)
	}
	return out
}

func (f *fakeEngine) setStatus(id string, status kvstore.BatchStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[id] = kvstore.BatchInfo{ID: id, Status: status}
}

func (f *fakeEngine) Subscribe(req events.SubscribeRequest) (*events.Subscription, error) {
	if f.dealer == nil {
		return nil, engine.ErrSubscriptionsUnsupported
	}
	return f.dealer.Subscribe(req)
}

type fakeSubmitter struct {
	mu       sync.Mutex
	batches  []*kvstore.Batch
	err      error
	capacity int // 0 is unbounded
	panics   bool
}

func (f *fakeSubmitter) SubmitBatch(b *kvstore.Batch) error {
	if f.panics {
		panic("submitter exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.capacity > 0 && len(f.batches) >= f.capacity {
		return batch.ErrQueueFull
	}
	f.batches = append(f.batches, b)
	return nil
}

func newTestServer(t *testing.T, cfg Config, eng *fakeEngine, sub *fakeSubmitter) *Server {
	t.Helper()
	s, err := NewServer(cfg, Dependencies{Engine: eng, Submitter: sub})
	require.NoError(t, err)
	return s
}

func kvBatch(id string) *kvstore.Batch {
	return &kvstore.Batch{
		ID: id,
		Transactions: []kvstore.Transaction{
			{ID: id + "-t1", Family: "kv", Payload: []byte(`{"ops":[]}`)},
		},
	}
}

func encode(t *testing.T, batches ...*kvstore.Batch) string {
	t.Helper()
	data, err := batch.EncodeBatches(batches)
	require.NoError(t, err)
	return string(data)
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestSubmitBatches(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), sub)

	w := do(s.Handler(), http.MethodPost, "/batches", encode(t, kvBatch("b1"), kvBatch("b2")))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []string{"b1", "b2"}, resp.BatchIDs)
	assert.Equal(t, "/batch_statuses?id=b1,b2", resp.Link)

	require.Len(t, sub.batches, 2)
	assert.Equal(t, "b1", sub.batches[0].ID)
	assert.Equal(t, "b2", sub.batches[1].ID)
}

func TestSubmitBatches_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", "not-json", http.StatusBadRequest},
		{"empty", "", http.StatusBadRequest},
		{"no transactions", `{"id":"b1","transactions":[]}`, http.StatusBadRequest},
		{"missing id", `{"transactions":[{"id":"t1","family":"kv","payload":""}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			s := newTestServer(t, DefaultConfig(), newFakeEngine(), sub)

			w := do(s.Handler(), http.MethodPost, "/batches", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
			assert.Empty(t, sub.batches)
		})
	}
}

func TestSubmitBatches_QueueFull(t *testing.T) {
	sub := &fakeSubmitter{err: batch.ErrQueueFull}
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), sub)

	w := do(s.Handler(), http.MethodPost, "/batches", encode(t, kvBatch("b1")))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	detail := decodeError(t, w)
	assert.Contains(t, detail.Message, "queue full")
	assert.Empty(t, detail.Accepted)
}

func TestSubmitBatches_PartiallyQueued(t *testing.T) {
	sub := &fakeSubmitter{capacity: 2}
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), sub)

	w := do(s.Handler(), http.MethodPost, "/batches",
		encode(t, kvBatch("b1"), kvBatch("b2"), kvBatch("b3")))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	detail := decodeError(t, w)
	assert.Equal(t, http.StatusServiceUnavailable, detail.Code)
	assert.Contains(t, detail.Message, "queue full")
	assert.Equal(t, []string{"b1", "b2"}, detail.Accepted)
	assert.Len(t, sub.batches, 2)
}

func TestSubmitBatches_BodyTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodySize = 16
	s := newTestServer(t, cfg, newFakeEngine(), &fakeSubmitter{})

	w := do(s.Handler(), http.MethodPost, "/batches", encode(t, kvBatch("b1")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSubmitBatches_RateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.RateLimitQPS = 0.001
	cfg.RateLimitBurst = 1
	s, err := NewServer(cfg, Dependencies{
		Engine:    newFakeEngine(),
		Submitter: &fakeSubmitter{},
		Metrics:   metrics.New(registry),
	})
	require.NoError(t, err)

	w := do(s.Handler(), http.MethodPost, "/batches", encode(t, kvBatch("b1")))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(s.Handler(), http.MethodPost, "/batches", encode(t, kvBatch("b2")))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestSubmitBatches_PanicRecovered(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), &fakeSubmitter{panics: true})

	w := do(s.Handler(), http.MethodPost, "/batches", encode(t, kvBatch("b1")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBatchStatuses(t *testing.T) {
	eng := newFakeEngine()
	eng.setStatus("b1", kvstore.CommittedStatus([]string{"t1"}))
	eng.setStatus("b2", kvstore.InvalidStatus([]kvstore.TransactionError{
		{TransactionID: "t2", ErrorMessage: "bad"},
	}))
	s := newTestServer(t, DefaultConfig(), eng, &fakeSubmitter{})

	w := do(s.Handler(), http.MethodGet, "/batch_statuses?id=b1,b2&id=b3", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, kvstore.StatusCommitted, resp.Data[0].Status.Type)
	assert.Equal(t, []string{"t1"}, resp.Data[0].Status.Valid)
	assert.Equal(t, kvstore.StatusInvalid, resp.Data[1].Status.Type)
	assert.Equal(t, "bad", resp.Data[1].Status.Invalid[0].ErrorMessage)
	assert.Equal(t, kvstore.StatusUnknown, resp.Data[2].Status.Type)
}

func TestBatchStatuses_BadRequest(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), &fakeSubmitter{})

	assert.Equal(t, http.StatusBadRequest, do(s.Handler(), http.MethodGet, "/batch_statuses", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s.Handler(), http.MethodGet, "/batch_statuses?id=b1&wait=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s.Handler(), http.MethodGet, "/batch_statuses?id=b1&wait=-1s", "").Code)
}

func TestBatchStatuses_Wait(t *testing.T) {
	eng := newFakeEngine()
	eng.setStatus("b1", kvstore.PendingStatus())

	cfg := DefaultConfig()
	cfg.StatusPollInterval = 5 * time.Millisecond
	s := newTestServer(t, cfg, eng, &fakeSubmitter{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		eng.setStatus("b1", kvstore.CommittedStatus([]string{"t1"}))
	}()

	start := time.Now()
	w := do(s.Handler(), http.MethodGet, "/batch_statuses?id=b1&wait=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Less(t, time.Since(start), 5*time.Second)

	var resp StatusesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, kvstore.StatusCommitted, resp.Data[0].Status.Type)
}

func TestBatchStatuses_WaitElapses(t *testing.T) {
	eng := newFakeEngine()
	eng.setStatus("b1", kvstore.PendingStatus())

	cfg := DefaultConfig()
	cfg.MaxStatusWait = 20 * time.Millisecond
	cfg.StatusPollInterval = 5 * time.Millisecond
	s := newTestServer(t, cfg, eng, &fakeSubmitter{})

	// capped at MaxStatusWait
	w := do(s.Handler(), http.MethodGet, "/batch_statuses?id=b1&wait=1h", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, kvstore.StatusPending, resp.Data[0].Status.Type)
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"", 0, false},
		{"3", 3 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"2m", 30 * time.Second, false},
		{"x", 0, true},
		{"-2s", 0, true},
	}
	for _, tt := range tests {
		got, err := parseWait(tt.in, 30*time.Second)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestState(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), &fakeSubmitter{})

	w := do(s.Handler(), http.MethodGet, "/state/k", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp StateResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, StateResponse{Key: "k", Value: []byte("v"), Root: "r1"}, resp)

	w = do(s.Handler(), http.MethodGet, "/state/k?root=r0", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []byte("old"), resp.Value)

	assert.Equal(t, http.StatusNotFound, do(s.Handler(), http.MethodGet, "/state/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(s.Handler(), http.MethodGet, "/state/k?root=nope", "").Code)
}

func TestStateRoot(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), newFakeEngine(), &fakeSubmitter{})

	w := do(s.Handler(), http.MethodGet, "/state_root", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"root":"r1"}`, w.Body.String())
}

func TestSubscribe_Stream(t *testing.T) {
	dealer := events.NewDealer(events.DefaultConfig(), nil, nil)
	defer dealer.Stop()
	require.NoError(t, dealer.Publish([]events.StateChangeEvent{events.SetEvent("a", []byte("1"))}))
	require.NoError(t, dealer.Publish([]events.StateChangeEvent{events.DeleteEvent("a")}))

	eng := newFakeEngine()
	eng.dealer = dealer
	s := newTestServer(t, DefaultConfig(), eng, &fakeSubmitter{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/subscribe?since=1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEnvelope := func() events.Envelope {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		return env
	}

	// replayed
	env := readEnvelope()
	assert.Equal(t, uint64(2), env.Sequence)
	assert.Equal(t, []events.StateChangeEvent{events.DeleteEvent("a")}, env.Events)

	// live
	require.Eventually(t, func() bool { return dealer.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, dealer.Publish([]events.StateChangeEvent{events.SetEvent("b", []byte("2"))}))
	env = readEnvelope()
	assert.Equal(t, uint64(3), env.Sequence)
	assert.Equal(t, "b", env.Events[0].Key)

	cancel()
	assert.Eventually(t, func() bool { return dealer.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_Errors(t *testing.T) {
	dealer := events.NewDealer(events.Config{HistorySize: 1, MaxSubscribers: 1, SubscriberBuffer: 1}, nil, nil)
	defer dealer.Stop()
	for i := 0; i < 3; i++ {
		require.NoError(t, dealer.Publish([]events.StateChangeEvent{events.SetEvent("k", nil)}))
	}

	eng := newFakeEngine()
	eng.dealer = dealer
	s := newTestServer(t, DefaultConfig(), eng, &fakeSubmitter{})

	assert.Equal(t, http.StatusBadRequest, do(s.Handler(), http.MethodGet, "/subscribe?since=x", "").Code)
	assert.Equal(t, http.StatusGone, do(s.Handler(), http.MethodGet, "/subscribe?since=1", "").Code)

	held, err := dealer.Subscribe(events.SubscribeRequest{Since: 3})
	require.NoError(t, err)
	defer held.Cancel()
	w := do(s.Handler(), http.MethodGet, "/subscribe?since=3", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	eng.dealer = nil
	assert.Equal(t, http.StatusNotImplemented, do(s.Handler(), http.MethodGet, "/subscribe", "").Code)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	hs := health.NewMonitor(health.WithCacheTTL(0))
	hs.Add(health.Func("store", func(context.Context) health.Result { return health.Healthy("ok") }))

	s, err := NewServer(DefaultConfig(), Dependencies{
		Engine:    newFakeEngine(),
		Submitter: &fakeSubmitter{},
		Health:    hs,
		Registry:  registry,
		Metrics:   m,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(s.Handler(), http.MethodGet, "/state_root", "").Code)
	assert.Equal(t, http.StatusOK, do(s.Handler(), http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(s.Handler(), http.MethodGet, "/liveness", "").Code)
	assert.Equal(t, http.StatusOK, do(s.Handler(), http.MethodGet, "/readiness", "").Code)

	hs.Drain()
	assert.Equal(t, http.StatusServiceUnavailable, do(s.Handler(), http.MethodGet, "/readiness", "").Code)

	w := do(s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "state_root")
}
