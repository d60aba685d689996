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

package statedb

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// entry is a key/value pair stored in the B-tree
type entry struct {
	key   []byte
	value []byte
}

// Less implements btree.Item.
func (e *entry) Less(other btree.Item) bool {
	return bytes.Compare(e.key, other.(*entry).key) < 0
}

// Memory is an in-memory Database backed by a B-tree.
// 主要用于测试和单节点临时部署，进程退出后数据丢失
type Memory struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	indexes indexSet
	closed  bool
}

// NewMemory creates an empty in-memory database with the given indexes
func NewMemory(indexes ...string) *Memory {
	return &Memory{
		tree:    btree.New(32),
		indexes: newIndexSet(indexes),
	}
}

// Get implements Database.
func (m *Memory) Get(index string, key []byte) ([]byte, error) {
	physical, err := m.indexes.key(index, key)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	item := m.tree.Get(&entry{key: physical})
	if item == nil {
		return nil, ErrNotFound
	}
	value := item.(*entry).value
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Iterate implements Database.
func (m *Memory) Iterate(index string, fn func(key, value []byte) bool) error {
	prefix, err := m.indexes.prefix(index)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	m.tree.AscendGreaterOrEqual(&entry{key: prefix}, func(item btree.Item) bool {
		e := item.(*entry)
		if !bytes.HasPrefix(e.key, prefix) {
			return false
		}
		return fn(e.key[len(prefix):], e.value)
	})
	return nil
}

// NewWriter implements Database.
func (m *Memory) NewWriter() Writer {
	return &memoryWriter{db: m}
}

// Close implements Database.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree.Clear(false)
	return nil
}

type memoryOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memoryWriter struct {
	db   *Memory
	ops  []memoryOp
	done bool
}

func (w *memoryWriter) Put(index string, key, value []byte) error {
	if w.done {
		return ErrWriterDone
	}
	physical, err := w.db.indexes.key(index, key)
	if err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	w.ops = append(w.ops, memoryOp{key: physical, value: v})
	return nil
}

func (w *memoryWriter) Delete(index string, key []byte) error {
	if w.done {
		return ErrWriterDone
	}
	physical, err := w.db.indexes.key(index, key)
	if err != nil {
		return err
	}
	w.ops = append(w.ops, memoryOp{key: physical, delete: true})
	return nil
}

func (w *memoryWriter) Commit() error {
	if w.done {
		return ErrWriterDone
	}
	w.done = true

	w.db.mu.Lock()
	defer w.db.mu.Unlock()

	if w.db.closed {
		return ErrClosed
	}

	for _, op := range w.ops {
		if op.delete {
			w.db.tree.Delete(&entry{key: op.key})
		} else {
			w.db.tree.ReplaceOrInsert(&entry{key: op.key, value: op.value})
		}
	}
	w.ops = nil
	return nil
}

func (w *memoryWriter) Discard() {
	w.done = true
	w.ops = nil
}
