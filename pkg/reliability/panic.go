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
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"ledgerStore/pkg/log"
)

// ErrPanicRecovered is wrapped by the error Recover returns after a panic.
var ErrPanicRecovered = errors.New("panic recovered")

var (
	// PanicCounter 全局 panic 计数器
	PanicCounter int64

	handlerMu    sync.RWMutex
	panicHandler func(goroutineName string, panicValue interface{}, stack []byte)
)

// SetPanicHandler installs a process wide hook called after every recovered
// panic, e.g. to count it in metrics. nil removes the hook.
func SetPanicHandler(h func(goroutineName string, panicValue interface{}, stack []byte)) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	panicHandler = h
}

func handlePanic(name, msg string, r interface{}) []byte {
	atomic.AddInt64(&PanicCounter, 1)
	stack := debug.Stack()

	log.Error(msg,
		log.Goroutine(name),
		log.String("panic_value", fmt.Sprintf("%v", r)),
		log.String("stack", string(stack)),
		log.Component("panic-recovery"))

	handlerMu.RLock()
	h := panicHandler
	handlerMu.RUnlock()
	if h != nil {
		h(name, r, stack)
	}
	return stack
}

// RecoverPanic 恢复 panic 的通用函数
// 应在所有 goroutine 开头使用 defer RecoverPanic("goroutine-name")
func RecoverPanic(goroutineName string) {
	if r := recover(); r != nil {
		handlePanic(goroutineName, "Panic recovered", r)
	}
}

// SafeGo 安全启动 goroutine，自动恢复 panic
func SafeGo(name string, fn func()) {
	go func() {
		defer RecoverPanic(name)
		fn()
	}()
}

// SafeGoWithRestart 启动带自动重启的 goroutine
// maxRestarts: 最大重启次数，0 表示无限重启
func SafeGoWithRestart(name string, fn func(), maxRestarts int) {
	restartCount := 0

	var worker func()
	worker = func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			handlePanic(name, "Panic recovered in auto-restart goroutine", r)

			restartCount++
			if maxRestarts == 0 || restartCount < maxRestarts {
				log.Info("Restarting goroutine",
					log.Goroutine(name),
					log.Int("attempt", restartCount+1),
					log.Component("panic-recovery"))
				go worker()
				return
			}
			log.Warn("Goroutine reached max restarts, not restarting",
				log.Goroutine(name),
				log.Int("max_restarts", maxRestarts),
				log.Component("panic-recovery"))
		}()

		fn()
	}

	go worker()
}

// Recover runs fn and turns a panic into an error wrapping ErrPanicRecovered.
// Used around handler code: transaction handlers, HTTP handlers.
func Recover(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handlePanic(name, "Panic recovered in handler", r)
			err = fmt.Errorf("%w in %s: %v", ErrPanicRecovered, name, r)
		}
	}()
	return fn()
}

// GetPanicCount 获取 panic 计数
func GetPanicCount() int64 {
	return atomic.LoadInt64(&PanicCounter)
}

// ResetPanicCount 重置 panic 计数
func ResetPanicCount() {
	atomic.StoreInt64(&PanicCounter, 0)
}
