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

package pool

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the capacity of freshly allocated buffers.
// Encoded merkle child entries are well below it.
const DefaultBufferSize = 64

// MaxPooledSize caps the capacity of buffers returned to the pool so one
// oversized encoding does not pin memory.
const MaxPooledSize = 64 * 1024

// BufferPool is an object pool for scratch byte buffers
// Reduces GC pressure when the same short-lived encoding buffer is needed
// for every node of a tree walk.
//
// Thread Safety: All operations are thread-safe via sync.Pool
type BufferPool struct {
	pool sync.Pool
	size int

	gets      atomic.Int64
	puts      atomic.Int64
	discarded atomic.Int64
}

// Global default pool instance
var defaultPool = NewBufferPool(DefaultBufferSize)

// NewBufferPool creates a buffer pool allocating buffers of capacity size
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &BufferPool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, 0, p.size)
		return &b
	}
	return p
}

// Get returns an empty buffer
//
// IMPORTANT: Caller should call Put() when done with the buffer
func (p *BufferPool) Get() []byte {
	p.gets.Add(1)
	b := p.pool.Get().(*[]byte)
	return (*b)[:0]
}

// Put returns a buffer to the pool for reuse
//
// IMPORTANT: Do not use b after calling Put()
func (p *BufferPool) Put(b []byte) {
	if b == nil {
		return
	}
	if cap(b) > MaxPooledSize {
		p.discarded.Add(1)
		return
	}
	p.puts.Add(1)
	b = b[:0]
	p.pool.Put(&b)
}

// GetBuffer gets a buffer from the global default pool
func GetBuffer() []byte {
	return defaultPool.Get()
}

// PutBuffer returns a buffer to the global default pool
func PutBuffer(b []byte) {
	defaultPool.Put(b)
}

// PoolStats counts pool traffic
// Note: sync.Pool doesn't expose its size, so only calls are counted
type PoolStats struct {
	Gets      int64
	Puts      int64
	Discarded int64 // buffers over MaxPooledSize dropped by Put
}

// GetStats returns pool statistics
func (p *BufferPool) GetStats() PoolStats {
	return PoolStats{
		Gets:      p.gets.Load(),
		Puts:      p.puts.Load(),
		Discarded: p.discarded.Load(),
	}
}

// DefaultStats returns the statistics of the global default pool
func DefaultStats() PoolStats {
	return defaultPool.GetStats()
}
