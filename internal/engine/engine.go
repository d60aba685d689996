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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"ledgerStore/internal/events"
	"ledgerStore/internal/history"
	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/log"
	"ledgerStore/pkg/metrics"
	"ledgerStore/pkg/reliability"
)

// DefaultExecutionTimeout bounds how long Prepare waits for the pipeline
const DefaultExecutionTimeout = 300 * time.Second

// Publisher receives the events of every commit.
type Publisher interface {
	Publish(evs []events.StateChangeEvent) error
	Stop()
}

// Subscriber is implemented by publishers that support subscriptions,
// such as *events.Dealer.
type Subscriber interface {
	Subscribe(req events.SubscribeRequest) (*events.Subscription, error)
}

// ErrSubscriptionsUnsupported is returned by Subscribe when the publisher
// has no subscription support.
var ErrSubscriptionsUnsupported = errors.New("engine: publisher does not support subscriptions")

// State 引擎状态
type State int

const (
	StateIdle State = iota
	StateStaged
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStaged:
		return "Staged"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config 引擎配置
type Config struct {
	ExecutionTimeout time.Duration // 0 selects DefaultExecutionTimeout
	HistoryLimit     int           // 0 selects history.DefaultLimit
	AdminKeys        []string      // written into the genesis state
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{ExecutionTimeout: DefaultExecutionTimeout, HistoryLimit: history.DefaultLimit}
}

// Dependencies are the collaborators of an Engine.
// Store, Index and Pipeline are required.
type Dependencies struct {
	Store     kvstore.VersionedStore
	Index     kvstore.RootIndex
	Pipeline  kvstore.Pipeline
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time // tracker timestamps, time.Now if nil
}

type pendingChangeSet struct {
	batchID string
	changes []kvstore.StateChange
	root    kvstore.RootID
}

// Engine stages batch results as prospective versions and commits or
// discards them.
//
// Prepare, Commit and Rollback are serialized by an internal mutex; the
// caller still drives them as a single writer, one staged change set at a
// time. CurrentRoot and the read methods may be called concurrently.
type Engine struct {
	cfg       Config
	store     kvstore.VersionedStore
	index     kvstore.RootIndex
	pipeline  kvstore.Pipeline
	publisher Publisher
	tracker   *history.Tracker
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending *pendingChangeSet
	closed  bool

	current atomic.Value // kvstore.RootID
	staged  atomic.Bool  // mirrors pending != nil for lock-free State
}

// New starts the pipeline and recovers the committed root, seeding the
// genesis state on first start. The pipeline is shut down again if any
// step fails.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Index == nil || deps.Pipeline == nil {
		return nil, fmt.Errorf("%w: store, root index and pipeline are required", ErrInitialization)
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = history.DefaultLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}

	trackerOpts := []history.Option{history.WithMetrics(deps.Metrics)}
	if deps.Clock != nil {
		trackerOpts = append(trackerOpts, history.WithClock(deps.Clock))
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		index:     deps.Index,
		pipeline:  deps.Pipeline,
		publisher: publisher,
		tracker:   history.New(cfg.HistoryLimit, trackerOpts...),
		logger:    logger.Named("engine"),
		metrics:   deps.Metrics,
	}

	if err := e.pipeline.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start pipeline: %v", ErrInitialization, err)
	}

	root, err := e.recoverRoot()
	if err != nil {
		e.pipeline.Shutdown()
		return nil, err
	}
	e.current.Store(root)

	e.logger.Info("state engine ready", log.Root(root))
	return e, nil
}

func (e *Engine) recoverRoot() (kvstore.RootID, error) {
	target, interrupted, err := e.index.InterruptedCommit()
	if err != nil {
		return "", fmt.Errorf("%w: failed to read commit marker: %v", ErrInitialization, err)
	}
	if interrupted {
		// the store may hold the nodes of target but HEAD was never moved
		e.logger.Warn("previous commit was interrupted before the root pointer was written",
			zap.String("prospective_root", string(target)))
		e.metrics.RecordInterruptedCommit()
		if err := e.index.ClearInterruptedCommit(); err != nil {
			return "", fmt.Errorf("%w: failed to clear commit marker: %v", ErrInitialization, err)
		}
	}

	head, ok, err := e.index.ReadHead()
	if err != nil {
		return "", fmt.Errorf("%w: failed to read current state root: %v", ErrInitialization, err)
	}

	if ok {
		exists, err := e.store.HasRoot(head)
		if err != nil {
			return "", fmt.Errorf("%w: failed to verify state root %s: %v", ErrInitialization, head, err)
		}
		if !exists {
			return "", fmt.Errorf("%w: state root %s is not present in the store", ErrInitialization, head)
		}
		e.logger.Info("recovered current state root", log.Root(head))
		return head, nil
	}

	root, err := e.store.Genesis(GenesisChanges(e.cfg.AdminKeys))
	if err != nil {
		return "", fmt.Errorf("%w: failed to write genesis state: %v", ErrInitialization, err)
	}
	if err := e.index.WriteHead(root); err != nil {
		return "", fmt.Errorf("%w: failed to write current state root: %v", ErrInitialization, err)
	}
	e.logger.Info("initialized genesis state",
		log.Root(root),
		zap.Int("admin_keys", len(e.cfg.AdminKeys)))
	return root, nil
}

// CurrentRoot returns the last committed root
func (e *Engine) CurrentRoot() kvstore.RootID {
	return e.current.Load().(kvstore.RootID)
}

// State reports whether a change set is staged
func (e *Engine) State() State {
	if e.staged.Load() {
		return StateStaged
	}
	return StateIdle
}

func (e *Engine) setPending(p *pendingChangeSet) {
	e.pending = p
	e.staged.Store(p != nil)
}

// Prepare executes batch against the current root and stages its changes.
// It returns the root the changes would produce once committed.
//
// Prepare waits for the pipeline until it answers, the execution timeout
// elapses or ctx is done. A failing transaction makes the whole batch
// invalid: the error is an *InvalidBatchError and nothing is staged.
func (e *Engine) Prepare(ctx context.Context, batch *kvstore.Batch) (root kvstore.RootID, err error) {
	start := time.Now()
	defer func() { e.metrics.ObservePrepare(prepareResult(err), time.Since(start)) }()

	if batch == nil {
		return "", fmt.Errorf("%w: nil batch", ErrInvalidBatch)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrClosed
	}
	if e.pending != nil {
		return "", fmt.Errorf("%w: batch %s is staged", ErrAlreadyStaged, e.pending.batchID)
	}

	if !e.tracker.Contains(batch.ID) {
		e.tracker.Record(batch.ID)
	}

	base := e.CurrentRoot()
	resultC := make(chan *kvstore.BatchResult, 1)
	if err := e.pipeline.Execute(batch, base, resultC); err != nil {
		return "", fmt.Errorf("failed to submit batch %s: %w", batch.ID, err)
	}

	result, err := e.await(ctx, batch.ID, resultC)
	if err != nil {
		return "", err
	}

	status := result.Status()
	e.tracker.Update(batch.ID, status)

	if status.Type == kvstore.StatusInvalid {
		invalid := &InvalidBatchError{BatchID: batch.ID, Failures: status.Invalid}
		e.logger.Info("batch rejected",
			log.BatchID(batch.ID),
			zap.Int("invalid_transactions", len(status.Invalid)),
			zap.Error(invalid))
		return "", invalid
	}

	var changes []kvstore.StateChange
	for _, res := range result.Results {
		changes = append(changes, res.StateChanges...)
	}

	root, err = e.store.ComputeRoot(base, changes)
	if err != nil {
		return "", fmt.Errorf("%w: failed to compute state root for batch %s: %v", ErrPersistence, batch.ID, err)
	}

	e.setPending(&pendingChangeSet{batchID: batch.ID, changes: changes, root: root})
	e.logger.Debug("staged change set",
		log.BatchID(batch.ID),
		log.Root(root),
		log.Changes(changes))
	return root, nil
}

// await blocks for the batch result. On timeout the result is still
// consumed in the background so a late status reaches the tracker.
func (e *Engine) await(ctx context.Context, batchID string, resultC chan *kvstore.BatchResult) (*kvstore.BatchResult, error) {
	timer := time.NewTimer(e.cfg.ExecutionTimeout)
	defer timer.Stop()

	select {
	case result := <-resultC:
		if result == nil {
			return nil, fmt.Errorf("%w: batch %s", ErrNoResult, batchID)
		}
		return result, nil

	case <-timer.C:
		e.logger.Warn("batch execution timed out",
			log.BatchID(batchID),
			zap.Duration("timeout", e.cfg.ExecutionTimeout))
		e.awaitLate(batchID, resultC)
		return nil, fmt.Errorf("%w: batch %s after %s", ErrExecutionTimeout, batchID, e.cfg.ExecutionTimeout)

	case <-ctx.Done():
		e.awaitLate(batchID, resultC)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: batch %s: %v", ErrExecutionTimeout, batchID, ctx.Err())
		}
		return nil, fmt.Errorf("prepare of batch %s abandoned: %w", batchID, ctx.Err())
	}
}

func (e *Engine) awaitLate(batchID string, resultC <-chan *kvstore.BatchResult) {
	reliability.SafeGo("engine-late-result", func() {
		result, ok := <-resultC
		if !ok || result == nil {
			return
		}
		if e.tracker.Update(batchID, result.Status()) {
			e.logger.Info("recorded late batch result", log.BatchID(batchID))
		}
	})
}

// Commit persists the staged change set and makes its root current.
// The staged set is consumed even when persisting fails.
func (e *Engine) Commit() (err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveCommit(commitResult(err), time.Since(start)) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.pending == nil {
		return ErrNoPendingChange
	}
	p := e.pending
	e.setPending(nil)

	base := e.CurrentRoot()
	if err := e.index.BeginCommit(p.root); err != nil {
		return fmt.Errorf("%w: failed to record commit intent for batch %s: %v", ErrPersistence, p.batchID, err)
	}

	root, err := e.store.Commit(base, p.changes)
	if err != nil {
		e.abandonCommit(p)
		return fmt.Errorf("%w: failed to commit batch %s: %v", ErrPersistence, p.batchID, err)
	}
	if root != p.root {
		e.abandonCommit(p)
		return fmt.Errorf("%w: batch %s committed root %s differs from prepared root %s",
			ErrPersistence, p.batchID, root, p.root)
	}

	if err := e.index.WriteHead(root); err != nil {
		return fmt.Errorf("%w: failed to write current state root %s: %v", ErrPersistence, root, err)
	}
	e.current.Store(root)

	e.logger.Info("committed change set",
		log.BatchID(p.batchID),
		log.Root(root),
		log.Changes(p.changes))

	if err := e.publisher.Publish(events.FromStateChanges(p.changes)); err != nil {
		e.logger.Error("failed to publish state change events",
			log.BatchID(p.batchID),
			zap.Error(err))
		e.metrics.RecordPublishFailure()
	}

	e.tracker.MarkCommitted(p.batchID)
	return nil
}

// abandonCommit clears the intent marker after a failed store commit.
// If that fails too, the marker is reported on the next start.
func (e *Engine) abandonCommit(p *pendingChangeSet) {
	if err := e.index.ClearInterruptedCommit(); err != nil {
		e.logger.Warn("failed to clear commit intent",
			log.BatchID(p.batchID),
			zap.Error(err))
	}
}

// Rollback discards the staged change set. It is a no-op while Idle.
func (e *Engine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		e.logger.Debug("no changes to rollback")
		e.metrics.RecordRollback(false)
		return nil
	}

	p := e.pending
	e.setPending(nil)
	e.logger.Info("discarded change set",
		log.BatchID(p.batchID),
		zap.Int("changes", len(p.changes)))
	e.metrics.RecordRollback(true)
	return nil
}

// Get reads key at the current root
func (e *Engine) Get(key string) ([]byte, bool, error) {
	return e.store.Get(e.CurrentRoot(), key)
}

// GetAt reads key at a committed root
func (e *Engine) GetAt(root kvstore.RootID, key string) ([]byte, bool, error) {
	return e.store.Get(root, key)
}

// TrackBatch records id as Pending, e.g. when a batch is submitted ahead of
// its execution. An existing entry for id is replaced.
func (e *Engine) TrackBatch(id string) {
	e.tracker.Record(id)
}

// BatchInfo returns the tracked status of a batch, Unknown if untracked
func (e *Engine) BatchInfo(id string) kvstore.BatchInfo {
	return e.tracker.Lookup(id)
}

// BatchInfos looks up several batches, in the order of ids
func (e *Engine) BatchInfos(ids []string) []kvstore.BatchInfo {
	out := make([]kvstore.BatchInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.tracker.Lookup(id))
	}
	return out
}

// Subscribe opens a state change subscription on the publisher
func (e *Engine) Subscribe(req events.SubscribeRequest) (*events.Subscription, error) {
	sub, ok := e.publisher.(Subscriber)
	if !ok {
		return nil, ErrSubscriptionsUnsupported
	}
	return sub.Subscribe(req)
}

// Close discards any staged change set, stops the publisher and shuts the
// pipeline down. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var result *multierror.Error
	if e.pending != nil {
		e.logger.Info("discarding staged change set on close", log.BatchID(e.pending.batchID))
		e.setPending(nil)
	}

	if err := reliability.Recover("engine-publisher-stop", func() error {
		e.publisher.Stop()
		return nil
	}); err != nil {
		result = multierror.Append(result, err)
	}
	if err := reliability.Recover("engine-pipeline-shutdown", func() error {
		e.pipeline.Shutdown()
		return nil
	}); err != nil {
		result = multierror.Append(result, err)
	}

	e.logger.Info("state engine closed", log.Root(e.CurrentRoot()))
	return result.ErrorOrNil()
}

func prepareResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrInvalidBatch):
		return metrics.ResultInvalid
	case errors.Is(err, ErrExecutionTimeout):
		return metrics.ResultTimeout
	default:
		return metrics.ResultError
	}
}

func commitResult(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	return metrics.ResultError
}

type nopPublisher struct{}

func (nopPublisher) Publish([]events.StateChangeEvent) error { return nil }
func (nopPublisher) Stop()                                   {}
