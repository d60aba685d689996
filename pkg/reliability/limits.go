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
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var (
	// ErrResourceExhausted is returned when a concurrency or memory limit is hit.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrRequestTooLarge is returned when a request body exceeds MaxRequestSize.
	ErrRequestTooLarge = errors.New("request too large")
)

// ResourceLimits 资源限制配置
type ResourceLimits struct {
	MaxRequests    int64 // 最大并发请求数
	MaxMemoryBytes int64 // 最大内存使用（字节），0 表示不检查
	MaxRequestSize int64 // 最大请求大小（字节）
	RequestTimeout time.Duration
}

// DefaultLimits 默认资源限制
var DefaultLimits = ResourceLimits{
	MaxRequests:    5000,
	MaxMemoryBytes: 2 * 1024 * 1024 * 1024, // 2GB
	MaxRequestSize: 4 * 1024 * 1024,        // 4MB
	RequestTimeout: 30 * time.Second,
}

// ResourceManager 资源管理器
type ResourceManager struct {
	limits ResourceLimits

	currentRequests int64
	rejected        int64

	memStats func() uint64
}

// NewResourceManager 创建资源管理器
func NewResourceManager(limits ResourceLimits) *ResourceManager {
	return &ResourceManager{
		limits: limits,
		memStats: func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		},
	}
}

// AcquireRequest 获取请求许可
// The returned release func must be called exactly once.
func (rm *ResourceManager) AcquireRequest(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	current := atomic.AddInt64(&rm.currentRequests, 1)
	if rm.limits.MaxRequests > 0 && current > rm.limits.MaxRequests {
		atomic.AddInt64(&rm.currentRequests, -1)
		atomic.AddInt64(&rm.rejected, 1)
		return nil, fmt.Errorf("%w: request limit %d/%d", ErrResourceExhausted, current, rm.limits.MaxRequests)
	}

	var once int32
	return func() {
		if atomic.CompareAndSwapInt32(&once, 0, 1) {
			atomic.AddInt64(&rm.currentRequests, -1)
		}
	}, nil
}

// CheckRequestSize 检查请求大小
func (rm *ResourceManager) CheckRequestSize(size int64) error {
	if rm.limits.MaxRequestSize > 0 && size > rm.limits.MaxRequestSize {
		return fmt.Errorf("%w: %d bytes > %d bytes", ErrRequestTooLarge, size, rm.limits.MaxRequestSize)
	}
	return nil
}

// CheckMemory 检查内存使用
func (rm *ResourceManager) CheckMemory() error {
	if rm.limits.MaxMemoryBytes <= 0 {
		return nil
	}
	alloc := rm.memStats()
	if int64(alloc) > rm.limits.MaxMemoryBytes {
		atomic.AddInt64(&rm.rejected, 1)
		return fmt.Errorf("%w: memory %d MB > %d MB",
			ErrResourceExhausted, alloc/1024/1024, rm.limits.MaxMemoryBytes/1024/1024)
	}
	return nil
}

// ResourceStats 资源使用统计
type ResourceStats struct {
	CurrentRequests int64
	MaxRequests     int64
	Rejected        int64
	MaxRequestSize  int64
}

// GetStats 获取资源使用统计
func (rm *ResourceManager) GetStats() ResourceStats {
	return ResourceStats{
		CurrentRequests: atomic.LoadInt64(&rm.currentRequests),
		MaxRequests:     rm.limits.MaxRequests,
		Rejected:        atomic.LoadInt64(&rm.rejected),
		MaxRequestSize:  rm.limits.MaxRequestSize,
	}
}

// Middleware enforces the limits on an HTTP handler: memory and concurrency
// checks, a body size cap and the request timeout.
func (rm *ResourceManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rm.CheckMemory(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if r.ContentLength > 0 {
			if err := rm.CheckRequestSize(r.ContentLength); err != nil {
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
		}

		release, err := rm.AcquireRequest(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer release()

		if rm.limits.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, rm.limits.MaxRequestSize)
		}
		if rm.limits.RequestTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), rm.limits.RequestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
