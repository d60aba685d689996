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

	"ledgerStore/internal/kvstore"
)

// ErrStateRead marks a failure of the underlying store while a handler was
// reading state. It aborts the whole batch instead of invalidating a
// transaction.
var ErrStateRead = errors.New("executor: state read failed")

// StateReader reads a committed version. kvstore.VersionedStore satisfies it.
type StateReader interface {
	Get(root kvstore.RootID, key string) ([]byte, bool, error)
}

type write struct {
	value   []byte
	deleted bool
}

// Context is the state view handed to a transaction handler.
// Reads see the base version, then the writes of earlier valid transactions
// of the same batch, then the handler's own writes.
type Context struct {
	reader StateReader
	base   kvstore.RootID

	batch   map[string]write
	txn     map[string]write
	changes []kvstore.StateChange
}

func newContext(reader StateReader, base kvstore.RootID) *Context {
	return &Context{
		reader: reader,
		base:   base,
		batch:  make(map[string]write),
		txn:    make(map[string]write),
	}
}

// Get reads key. The bool is false if the key is absent.
func (c *Context) Get(key string) ([]byte, bool, error) {
	if w, ok := c.txn[key]; ok {
		return w.value, !w.deleted, nil
	}
	if w, ok := c.batch[key]; ok {
		return w.value, !w.deleted, nil
	}
	value, ok, err := c.reader.Get(c.base, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: key %q at %s: %v", ErrStateRead, key, c.base, err)
	}
	return value, ok, nil
}

// Set writes key
func (c *Context) Set(key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	c.txn[key] = write{value: v}
	c.changes = append(c.changes, kvstore.SetChange(key, v))
}

// Delete removes key
func (c *Context) Delete(key string) {
	c.txn[key] = write{deleted: true}
	c.changes = append(c.changes, kvstore.DeleteChange(key))
}

// Base returns the version the batch executes against
func (c *Context) Base() kvstore.RootID { return c.base }

// commit folds the current transaction into the batch view and returns its
// changes in write order.
func (c *Context) commit() []kvstore.StateChange {
	for k, w := range c.txn {
		c.batch[k] = w
	}
	changes := c.changes
	c.reset()
	return changes
}

func (c *Context) discard() { c.reset() }

func (c *Context) reset() {
	c.txn = make(map[string]write)
	c.changes = nil
}
