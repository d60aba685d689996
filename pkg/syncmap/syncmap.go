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

package syncmap

import (
	"sync"
	"sync/atomic"
)

// Map is a type-safe wrapper around sync.Map that also tracks its size.
// Suited to read-mostly registries such as subscriber sets.
type Map[K comparable, V any] struct {
	m    sync.Map
	size atomic.Int64
}

// NewMap creates an empty map
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

// Load returns the value stored for key
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadOrStore returns the existing value for key if present,
// otherwise stores value. loaded is true if the value was present.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	if !loaded {
		m.size.Add(1)
	}
	return v.(V), loaded
}

// LoadAndDelete removes key, returning the previous value if any
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	v, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		return value, false
	}
	m.size.Add(-1)
	return v.(V), true
}

// Delete removes key
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// Range calls f for each entry until f returns false.
// Entries stored or deleted concurrently may or may not be visited.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries
func (m *Map[K, V]) Len() int {
	return int(m.size.Load())
}
