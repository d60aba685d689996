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

package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/metrics"
	"ledgerStore/pkg/reliability"
)

var (
	// ErrNotStarted is returned by Execute before Start.
	ErrNotStarted = errors.New("executor: not started")

	// ErrShutdown is returned once Shutdown was called.
	ErrShutdown = errors.New("executor: shut down")

	// ErrQueueFull is returned when the work queue has no free slot.
	ErrQueueFull = errors.New("executor: queue full")

	// ErrUnknownFamily rejects a transaction no handler is registered for.
	ErrUnknownFamily = errors.New("executor: unknown transaction family")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("executor: already started")
)

// Batch outcome labels for metrics
const (
	outcomeValid   = "valid"
	outcomeInvalid = "invalid"
	outcomeAborted = "aborted"
)

// Config 执行器配置
type Config struct {
	Workers   int // concurrent batches, default 2
	QueueSize int // queued batches, default 64
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{Workers: 2, QueueSize: 64}
}

type job struct {
	batch   *kvstore.Batch
	base    kvstore.RootID
	resultC chan<- *kvstore.BatchResult
	queued  time.Time
}

// Executor runs batches through the registered family handlers.
// Transactions of one batch execute serially in batch order; distinct
// batches may run on different workers.
type Executor struct {
	cfg      Config
	reader   StateReader
	handlers map[string]Handler
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	started bool
	stopped bool
	queue   chan job
	quit    chan struct{}
	wg      sync.WaitGroup
}

var _ kvstore.Pipeline = (*Executor)(nil)

// New creates an executor reading state through reader.
// logger and m may be nil.
func New(cfg Config, reader StateReader, logger *zap.Logger, m *metrics.Metrics, handlers ...Handler) (*Executor, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if reader == nil {
		return nil, errors.New("executor: state reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		cfg:      cfg,
		reader:   reader,
		handlers: make(map[string]Handler, len(handlers)),
		logger:   logger,
		metrics:  m,
		queue:    make(chan job, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
	for _, h := range handlers {
		if err := e.register(h); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Executor) register(h Handler) error {
	family := h.Family()
	if family == "" {
		return errors.New("executor: handler with empty family")
	}
	if _, dup := e.handlers[family]; dup {
		return fmt.Errorf("executor: duplicate handler for family %q", family)
	}
	e.handlers[family] = h
	return nil
}

// Families lists the registered transaction families
func (e *Executor) Families() []string {
	out := make([]string, 0, len(e.handlers))
	for f := range e.handlers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Start implements kvstore.Pipeline.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrShutdown
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		name := fmt.Sprintf("executor-worker-%d", i)
		reliability.SafeGo(name, func() {
			defer e.wg.Done()
			e.work()
		})
	}

	e.logger.Info("executor started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("queue_size", e.cfg.QueueSize),
		zap.Strings("families", e.Families()))
	return nil
}

// Execute implements kvstore.Pipeline.
func (e *Executor) Execute(batch *kvstore.Batch, base kvstore.RootID, resultC chan<- *kvstore.BatchResult) error {
	if batch == nil {
		return errors.New("executor: nil batch")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return ErrShutdown
	}
	if !e.started {
		return ErrNotStarted
	}

	select {
	case e.queue <- job{batch: batch, base: base, resultC: resultC, queued: time.Now()}:
		e.metrics.SetExecutorQueueDepth(len(e.queue))
		return nil
	default:
		return fmt.Errorf("%w: %d batches queued", ErrQueueFull, cap(e.queue))
	}
}

// Shutdown implements kvstore.Pipeline.
// Running batches finish, queued ones are answered with a nil result.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()

	for {
		select {
		case j := <-e.queue:
			e.reply(j, nil)
		default:
			e.metrics.SetExecutorQueueDepth(0)
			e.logger.Info("executor stopped")
			return
		}
	}
}

func (e *Executor) work() {
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.queue:
			e.metrics.SetExecutorQueueDepth(len(e.queue))
			e.reply(j, e.run(j))
		}
	}
}

func (e *Executor) reply(j job, result *kvstore.BatchResult) {
	select {
	case j.resultC <- result:
	default:
		// nobody is waiting any more
		e.logger.Warn("dropping batch result, receiver not ready",
			zap.String("batch_id", j.batch.ID))
	}
}

// run executes one batch. A nil result means execution was aborted.
func (e *Executor) run(j job) *kvstore.BatchResult {
	start := time.Now()
	logger := e.logger.With(zap.String("batch_id", j.batch.ID), zap.String("base_root", string(j.base)))

	ctx := newContext(e.reader, j.base)
	result := &kvstore.BatchResult{
		BatchID: j.batch.ID,
		Results: make([]kvstore.TransactionResult, 0, len(j.batch.Transactions)),
	}

	valid, invalid := 0, 0
	for i := range j.batch.Transactions {
		txn := &j.batch.Transactions[i]
		err := e.apply(txn, ctx)

		if errors.Is(err, ErrStateRead) {
			logger.Error("aborting batch, state read failed",
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
			e.metrics.RecordBatchExecuted(outcomeAborted)
			return nil
		}

		if err != nil {
			ctx.discard()
			invalid++
			result.Results = append(result.Results, kvstore.TransactionResult{
				TransactionID: txn.ID,
				Error:         transactionError(txn.ID, err),
			})
			logger.Debug("transaction rejected",
				zap.String("transaction_id", txn.ID),
				zap.String("family", txn.Family),
				zap.Error(err))
			continue
		}

		valid++
		result.Results = append(result.Results, kvstore.TransactionResult{
			TransactionID: txn.ID,
			Valid:         true,
			StateChanges:  ctx.commit(),
		})
	}

	e.metrics.RecordTransactions(valid, invalid)
	outcome := outcomeValid
	if invalid > 0 {
		outcome = outcomeInvalid
	}
	e.metrics.RecordBatchExecuted(outcome)

	logger.Debug("batch executed",
		zap.Int("valid", valid),
		zap.Int("invalid", invalid),
		zap.Duration("queue_wait", start.Sub(j.queued)),
		zap.Duration("duration", time.Since(start)))
	return result
}

func (e *Executor) apply(txn *kvstore.Transaction, ctx *Context) error {
	h, ok := e.handlers[txn.Family]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFamily, txn.Family)
	}

	err := reliability.Recover("handler-"+txn.Family, func() error {
		return h.Apply(txn, ctx)
	})
	if errors.Is(err, reliability.ErrPanicRecovered) {
		e.metrics.RecordPanicRecovered("executor")
	}
	return err
}

func transactionError(id string, err error) *kvstore.TransactionError {
	var invalid *InvalidTransactionError
	if errors.As(err, &invalid) {
		return &kvstore.TransactionError{TransactionID: id, ErrorMessage: invalid.Message, ErrorData: invalid.Data}
	}
	return &kvstore.TransactionError{TransactionID: id, ErrorMessage: err.Error()}
}
