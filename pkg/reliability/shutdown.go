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

package reliability

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"ledgerStore/pkg/log"
)

// ShutdownHook 关闭钩子函数类型
type ShutdownHook func(ctx context.Context) error

// ShutdownPhase 关闭阶段
type ShutdownPhase int

const (
	// PhaseStopAccepting 停止接受新请求 (HTTP listener, sequencer intake)
	PhaseStopAccepting ShutdownPhase = iota
	// PhaseDrainConnections 排空现有连接 (in-flight batches, subscriptions)
	PhaseDrainConnections
	// PhasePersistState 持久化状态 (engine close, log sync)
	PhasePersistState
	// PhaseCloseResources 关闭资源 (state database)
	PhaseCloseResources
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseStopAccepting:
		return "Stop Accepting"
	case PhaseDrainConnections:
		return "Drain Connections"
	case PhasePersistState:
		return "Persist State"
	case PhaseCloseResources:
		return "Close Resources"
	default:
		return fmt.Sprintf("Unknown Phase %d", int(p))
	}
}

var shutdownPhases = []ShutdownPhase{
	PhaseStopAccepting,
	PhaseDrainConnections,
	PhasePersistState,
	PhaseCloseResources,
}

// GracefulShutdown 优雅关闭管理器
type GracefulShutdown struct {
	mu      sync.RWMutex
	hooks   map[ShutdownPhase][]ShutdownHook
	timeout time.Duration
	done    chan struct{}
	signals chan os.Signal
	err     error

	started atomic.Bool
}

// NewGracefulShutdown 创建优雅关闭管理器
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	gs := &GracefulShutdown{
		hooks:   make(map[ShutdownPhase][]ShutdownHook),
		timeout: timeout,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}

	signal.Notify(gs.signals, syscall.SIGTERM, syscall.SIGINT)

	return gs
}

// RegisterHook 注册关闭钩子
// Hooks of one phase run concurrently, phases run in order.
func (gs *GracefulShutdown) RegisterHook(phase ShutdownPhase, hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks[phase] = append(gs.hooks[phase], hook)
}

// Wait blocks until a shutdown signal arrives, then runs the shutdown.
// It returns early if Shutdown was already triggered elsewhere.
func (gs *GracefulShutdown) Wait() error {
	select {
	case sig := <-gs.signals:
		log.Info("Received shutdown signal",
			log.String("signal", sig.String()),
			log.Component("shutdown"))
		return gs.Shutdown()
	case <-gs.done:
		gs.mu.RLock()
		defer gs.mu.RUnlock()
		return gs.err
	}
}

// Shutdown 执行优雅关闭
// Only the first call runs the hooks; later calls return immediately.
func (gs *GracefulShutdown) Shutdown() error {
	gs.mu.Lock()
	select {
	case <-gs.done:
		gs.mu.Unlock()
		return nil
	default:
	}
	// the lock stays held so a concurrent Wait observes the final error
	defer gs.mu.Unlock()
	defer close(gs.done)
	gs.started.Store(true)
	signal.Stop(gs.signals)

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var result *multierror.Error
	for _, phase := range shutdownPhases {
		log.Info("Shutdown phase started",
			log.Phase(phase.String()),
			log.Component("shutdown"))

		if err := gs.executeHooks(ctx, gs.hooks[phase], phase.String()); err != nil {
			log.Error("Shutdown phase failed",
				log.Phase(phase.String()),
				log.Err(err),
				log.Component("shutdown"))
			// 继续执行后续阶段，确保资源被清理
			result = multierror.Append(result, err)
		}
	}

	gs.err = result.ErrorOrNil()
	log.Info("Graceful shutdown completed",
		log.Bool("clean", gs.err == nil),
		log.Component("shutdown"))
	return gs.err
}

// executeHooks 执行一组钩子
func (gs *GracefulShutdown) executeHooks(ctx context.Context, hooks []ShutdownHook, phaseName string) error {
	if len(hooks) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)

	for i, hook := range hooks {
		wg.Add(1)
		go func(idx int, h ShutdownHook) {
			defer wg.Done()
			name := fmt.Sprintf("shutdown-hook-%s-%d", phaseName, idx)
			err := Recover(name, func() error { return h(ctx) })
			if err != nil {
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("hook %d failed: %w", idx, err))
				errMu.Unlock()
			}
		}(i, hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		errMu.Lock()
		defer errMu.Unlock()
		if err := result.ErrorOrNil(); err != nil {
			return fmt.Errorf("phase %s: %w", phaseName, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("phase %s timeout: %w", phaseName, ctx.Err())
	}
}

// Done is closed once every phase has run
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// IsShuttingDown 检查是否正在关闭
func (gs *GracefulShutdown) IsShuttingDown() bool {
	return gs.started.Load()
}
