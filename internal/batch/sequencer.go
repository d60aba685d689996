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

package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerStore/internal/engine"
	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/reliability"
)

var (
	// ErrQueueClosed is returned after the sequencer was stopped.
	ErrQueueClosed = errors.New("batch: sequencer stopped")

	// ErrQueueFull is returned when no more batches can be queued.
	ErrQueueFull = errors.New("batch: sequencer queue full")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("batch: sequencer not started")
)

// Engine is the staging surface the sequencer drives
type Engine interface {
	Prepare(ctx context.Context, batch *kvstore.Batch) (kvstore.RootID, error)
	Commit() error
	Rollback() error
	TrackBatch(id string)
}

// Config 本地排序器配置
type Config struct {
	MaxBatchSize int           // 单个批次最大交易数（默认 100）
	MaxWait      time.Duration // 交易在缓冲区中的最长等待时间（默认 50ms）
	QueueSize    int           // 待执行批次队列长度（默认 1024）
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 100,
		MaxWait:      50 * time.Millisecond,
		QueueSize:    1024,
	}
}

// Sequencer is the single node stand-in for consensus: it orders
// submitted batches and runs Prepare then Commit for each, rolling back
// whenever the commit is not reached.
//
// Loose transactions are grouped into batches of at most MaxBatchSize,
// flushed when full or after MaxWait.
type Sequencer struct {
	cfg    Config
	eng    Engine
	logger *zap.Logger

	// 状态
	mu       sync.Mutex
	buffer   []kvstore.Transaction // 缓冲区
	bufferID string                // id of the batch the buffer will become
	started  bool
	stopped  bool
	stats    Stats

	// 通道
	batchC chan *kvstore.Batch
	stopC  chan struct{}
	doneC  chan struct{}
}

// Stats 排序器统计信息
type Stats struct {
	SubmittedBatches      int64 // 提交的批次数（含缓冲区产生的批次）
	SubmittedTransactions int64 // 通过 SubmitTransaction 提交的交易数
	Committed             int64 // 成功提交
	Rejected              int64 // 无效批次
	Failed                int64 // 超时、持久化失败等
	QueueLen              int
	BufferLen             int
}

// NewSequencer creates a sequencer driving eng
func NewSequencer(cfg Config, eng Engine, logger *zap.Logger) *Sequencer {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sequencer{
		cfg:    cfg,
		eng:    eng,
		logger: logger,
		buffer: make([]kvstore.Transaction, 0, cfg.MaxBatchSize),
		batchC: make(chan *kvstore.Batch, cfg.QueueSize),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Start 启动排序器主循环
func (s *Sequencer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	reliability.SafeGo("batch-sequencer", func() {
		defer close(s.doneC)
		s.run(ctx)
	})
}

// Stop stops intake, processes everything already accepted, and waits for
// the loop to exit or ctx to expire.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if !s.stopped {
		s.stopped = true
		close(s.stopC)
	}
	s.mu.Unlock()

	select {
	case <-s.doneC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBatch queues a complete batch. The batch is tracked as Pending
// from this point on.
func (s *Sequencer) SubmitBatch(batch *kvstore.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrQueueClosed
	}

	select {
	case s.batchC <- batch:
		s.eng.TrackBatch(batch.ID)
		s.stats.SubmittedBatches++
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitTransaction adds a transaction to the open batch and returns that
// batch's id.
func (s *Sequencer) SubmitTransaction(txn kvstore.Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrQueueClosed
	}
	if len(s.buffer) >= s.cfg.MaxBatchSize && !s.flushLocked() {
		return "", ErrQueueFull
	}

	if len(s.buffer) == 0 {
		s.bufferID = uuid.NewString()
		s.eng.TrackBatch(s.bufferID)
	}
	s.buffer = append(s.buffer, txn)
	s.stats.SubmittedTransactions++
	id := s.bufferID

	// 如果达到批量大小，立即刷新
	if len(s.buffer) >= s.cfg.MaxBatchSize {
		s.flushLocked()
	}
	return id, nil
}

// flushLocked moves the buffer into the queue. It reports false when the
// queue is full and the buffer was kept.
func (s *Sequencer) flushLocked() bool {
	if len(s.buffer) == 0 {
		return true
	}
	batch := s.takeBufferLocked()
	select {
	case s.batchC <- batch:
		s.stats.SubmittedBatches++
		return true
	default:
		s.buffer = batch.Transactions
		s.bufferID = batch.ID
		return false
	}
}

func (s *Sequencer) takeBufferLocked() *kvstore.Batch {
	txns := make([]kvstore.Transaction, len(s.buffer))
	copy(txns, s.buffer)
	s.buffer = s.buffer[:0]
	return &kvstore.Batch{ID: s.bufferID, Transactions: txns}
}

// run 排序器主循环
func (s *Sequencer) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sequencer stopped due to context cancellation")
			return

		case <-s.stopC:
			s.drain(ctx)
			s.logger.Info("sequencer stopped")
			return

		case batch := <-s.batchC:
			s.process(ctx, batch)

		case <-ticker.C:
			s.mu.Lock()
			if !s.flushLocked() {
				s.logger.Warn("sequencer queue full, keeping buffered transactions",
					zap.Int("buffer_len", len(s.buffer)))
			}
			s.mu.Unlock()
		}
	}
}

// drain processes queued batches, then the open buffer
func (s *Sequencer) drain(ctx context.Context) {
	for len(s.batchC) > 0 {
		s.process(ctx, <-s.batchC)
	}

	s.mu.Lock()
	var last *kvstore.Batch
	if len(s.buffer) > 0 {
		last = s.takeBufferLocked()
		s.stats.SubmittedBatches++
	}
	s.mu.Unlock()

	if last != nil {
		s.process(ctx, last)
	}
}

func (s *Sequencer) process(ctx context.Context, batch *kvstore.Batch) {
	logger := s.logger.With(zap.String("batch_id", batch.ID))

	root, err := s.eng.Prepare(ctx, batch)
	if err != nil {
		s.record(func(st *Stats) {
			if errors.Is(err, engine.ErrInvalidBatch) {
				st.Rejected++
			} else {
				st.Failed++
			}
		})
		logger.Info("batch not prepared", zap.Error(err))
		return
	}

	if err := ctx.Err(); err != nil {
		s.rollback(logger)
		s.record(func(st *Stats) { st.Failed++ })
		return
	}

	if err := s.eng.Commit(); err != nil {
		s.rollback(logger)
		s.record(func(st *Stats) { st.Failed++ })
		logger.Error("batch commit failed", zap.Error(err))
		return
	}

	s.record(func(st *Stats) { st.Committed++ })
	logger.Debug("batch committed", zap.String("root", string(root)))
}

func (s *Sequencer) rollback(logger *zap.Logger) {
	if err := s.eng.Rollback(); err != nil {
		logger.Error("rollback failed", zap.Error(err))
	}
}

func (s *Sequencer) record(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

// Stats 返回排序器统计信息
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.QueueLen = len(s.batchC)
	st.BufferLen = len(s.buffer)
	return st
}
