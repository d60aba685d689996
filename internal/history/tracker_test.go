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

package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerStore/internal/kvstore"
)

// fakeClock advances one millisecond per reading
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func TestRecordAndLookup(t *testing.T) {
	tr := New(10, WithClock(newFakeClock().Now))

	tr.Record("b1")
	info := tr.Lookup("b1")
	assert.Equal(t, "b1", info.ID)
	assert.Equal(t, kvstore.StatusPending, info.Status.Type)
	assert.False(t, info.Timestamp.IsZero())
}

func TestLookupUnknownDoesNotInsert(t *testing.T) {
	tr := New(10)
	tr.Record("b1")

	info := tr.Lookup("nope")
	assert.Equal(t, "nope", info.ID)
	assert.Equal(t, kvstore.StatusUnknown, info.Status.Type)
	assert.Equal(t, 1, tr.Len())
	assert.False(t, tr.Contains("nope"))
}

func TestStatusTransitions(t *testing.T) {
	tr := New(10)

	valid := kvstore.ValidStatus([]string{"t1", "t2"})
	invalid := kvstore.InvalidStatus([]kvstore.TransactionError{{TransactionID: "t1", ErrorMessage: "bad"}})

	// Pending -> Valid -> Committed
	tr.Record("b1")
	assert.False(t, tr.MarkCommitted("b1"), "Committed is only reachable from Valid")
	assert.True(t, tr.Update("b1", valid))
	assert.False(t, tr.Update("b1", invalid), "Valid is not Pending")
	assert.True(t, tr.MarkCommitted("b1"))

	status := tr.Lookup("b1").Status
	assert.Equal(t, kvstore.StatusCommitted, status.Type)
	assert.Equal(t, []string{"t1", "t2"}, status.Valid)

	assert.False(t, tr.MarkCommitted("b1"))
	assert.False(t, tr.Update("b1", valid))

	// Pending -> Invalid is terminal
	tr.Record("b2")
	assert.True(t, tr.Update("b2", invalid))
	assert.False(t, tr.Update("b2", valid))
	assert.False(t, tr.MarkCommitted("b2"))
	assert.Equal(t, kvstore.StatusInvalid, tr.Lookup("b2").Status.Type)

	// untracked ids are ignored
	assert.False(t, tr.Update("b3", valid))
	assert.False(t, tr.MarkCommitted("b3"))
	assert.Equal(t, 2, tr.Len())
}

func TestLookupReturnsCopy(t *testing.T) {
	tr := New(10)

	tr.Record("b1")
	ids := []string{"t1", "t2"}
	require.True(t, tr.Update("b1", kvstore.ValidStatus(ids)))
	ids[0] = "changed by caller"

	got := tr.Lookup("b1")
	assert.Equal(t, []string{"t1", "t2"}, got.Status.Valid)
	got.Status.Valid[1] = "changed by reader"
	assert.Equal(t, []string{"t1", "t2"}, tr.Lookup("b1").Status.Valid)

	tr.Record("b2")
	failed := []kvstore.TransactionError{{TransactionID: "t3", ErrorData: []byte{1, 2}}}
	require.True(t, tr.Update("b2", kvstore.InvalidStatus(failed)))

	bad := tr.Lookup("b2")
	bad.Status.Invalid[0].ErrorMessage = "rewritten"
	bad.Status.Invalid[0].ErrorData[0] = 9
	again := tr.Lookup("b2").Status.Invalid[0]
	assert.Empty(t, again.ErrorMessage)
	assert.Equal(t, []byte{1, 2}, again.ErrorData)
}

func TestRecordOverwrites(t *testing.T) {
	tr := New(10, WithClock(newFakeClock().Now))

	tr.Record("b1")
	first := tr.Lookup("b1").Timestamp
	require.True(t, tr.Update("b1", kvstore.ValidStatus([]string{"t"})))

	tr.Record("b1")
	info := tr.Lookup("b1")
	assert.Equal(t, kvstore.StatusPending, info.Status.Type)
	assert.True(t, info.Timestamp.After(first))
	assert.Equal(t, 1, tr.Len())
}

func TestEvictsOldestEntry(t *testing.T) {
	clock := newFakeClock()
	tr := New(DefaultLimit, WithClock(clock.Now))

	for i := 0; i < DefaultLimit; i++ {
		tr.Record(fmt.Sprintf("batch-%03d", i))
	}
	require.Equal(t, DefaultLimit, tr.Len())

	oldest := tr.Lookup("batch-000")
	require.Equal(t, kvstore.StatusPending, oldest.Status.Type)

	tr.Record("batch-new")
	assert.Equal(t, DefaultLimit, tr.Len(), "exactly one entry evicted")
	assert.False(t, tr.Contains("batch-000"), "oldest entry evicted")
	assert.True(t, tr.Contains("batch-001"))
	assert.True(t, tr.Contains("batch-new"))
}

func TestEvictionFollowsTimestampNotInsertOrder(t *testing.T) {
	clock := newFakeClock()
	tr := New(3, WithClock(clock.Now))

	tr.Record("a")
	tr.Record("b")
	tr.Record("c")
	// re-recording a makes b the oldest
	tr.Record("a")

	tr.Record("d")
	assert.Equal(t, 3, tr.Len())
	assert.False(t, tr.Contains("b"))
	assert.True(t, tr.Contains("a"))
	assert.True(t, tr.Contains("c"))
	assert.True(t, tr.Contains("d"))
}

func TestNeverExceedsLimit(t *testing.T) {
	tr := New(5)
	for i := 0; i < 50; i++ {
		tr.Record(fmt.Sprintf("b%d", i))
		assert.LessOrEqual(t, tr.Len(), 5)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := New(20)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				tr.Record(id)
				tr.Update(id, kvstore.ValidStatus(nil))
				tr.MarkCommitted(id)
				tr.Lookup(id)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 20, tr.Len())
}
