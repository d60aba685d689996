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

// Package history tracks the lifecycle status of recently seen batches
// in a table of bounded size.
//
// A batch moves Pending -> Invalid or Pending -> Valid -> Committed.
// Updates that do not follow these edges are ignored, which makes late or
// duplicate execution callbacks harmless.
package history

import (
	"sync"
	"time"

	"github.com/google/btree"

	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/metrics"
)

// DefaultLimit is the default number of tracked batches
const DefaultLimit = 100

// timeItem orders entries by creation time, then id.
// The id only makes items unique; equal timestamps carry no eviction
// guarantee.
type timeItem struct {
	ts time.Time
	id string
}

// Less implements btree.Item.
func (a timeItem) Less(than btree.Item) bool {
	b := than.(timeItem)
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	return a.id < b.id
}

// Tracker is a bounded batch id -> BatchInfo table.
// When an insertion exceeds the limit, the entry with the oldest
// timestamp is evicted. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	limit   int
	entries map[string]kvstore.BatchInfo
	byTime  *btree.BTree

	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics reports size and evictions on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker holding at most limit entries.
// A non-positive limit selects DefaultLimit.
func New(limit int, opts ...Option) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	t := &Tracker{
		limit:   limit,
		entries: make(map[string]kvstore.BatchInfo, limit+1),
		byTime:  btree.New(16),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record inserts id as Pending with the current time, replacing any prior
// entry for id.
func (t *Tracker) Record(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[id]; ok {
		t.byTime.Delete(timeItem{ts: prev.Timestamp, id: id})
	}

	info := kvstore.BatchInfo{ID: id, Status: kvstore.PendingStatus(), Timestamp: t.now()}
	t.entries[id] = info
	t.byTime.ReplaceOrInsert(timeItem{ts: info.Timestamp, id: id})

	if len(t.entries) > t.limit {
		oldest := t.byTime.DeleteMin().(timeItem)
		delete(t.entries, oldest.id)
		t.metrics.RecordTrackerEviction()
	}
	t.metrics.SetTrackerEntries(len(t.entries))
}

// Update sets the status of id if it is currently Pending.
// It reports whether the status changed.
func (t *Tracker) Update(id string, status kvstore.BatchStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.entries[id]
	if !ok || info.Status.Type != kvstore.StatusPending {
		return false
	}
	info.Status = status.Clone()
	t.entries[id] = info
	return true
}

// MarkCommitted converts a Valid status into Committed with the same
// transaction ids. It reports whether the status changed.
func (t *Tracker) MarkCommitted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.entries[id]
	if !ok || info.Status.Type != kvstore.StatusValid {
		return false
	}
	info.Status = kvstore.CommittedStatus(info.Status.Valid)
	t.entries[id] = info
	return true
}

// Lookup returns a copy of the entry for id, or an Unknown entry stamped
// now if id is not tracked. It never inserts.
func (t *Tracker) Lookup(id string) kvstore.BatchInfo {
	t.mu.RLock()
	info, ok := t.entries[id]
	t.mu.RUnlock()

	if !ok {
		return kvstore.BatchInfo{ID: id, Status: kvstore.UnknownStatus(), Timestamp: t.now()}
	}
	info.Status = info.Status.Clone()
	return info
}

// Contains reports whether id is tracked
func (t *Tracker) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of tracked batches
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
