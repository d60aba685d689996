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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerStore/internal/kvstore"
	"ledgerStore/internal/merkle"
	"ledgerStore/internal/statedb"
)

func newStore(t *testing.T, genesis ...kvstore.StateChange) (*merkle.Store, kvstore.RootID) {
	t.Helper()
	db := statedb.NewMemory(merkle.Indexes()...)
	t.Cleanup(func() { db.Close() })

	store := merkle.New(db)
	root, err := store.Genesis(genesis)
	require.NoError(t, err)
	return store, root
}

func newExecutor(t *testing.T, cfg Config, reader StateReader, handlers ...Handler) *Executor {
	t.Helper()
	if len(handlers) == 0 {
		handlers = []Handler{NewKVHandler(nil)}
	}
	e, err := New(cfg, reader, nil, nil, handlers...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(e.Shutdown)
	return e
}

func kvTxn(t *testing.T, id string, ops ...KVOp) kvstore.Transaction {
	t.Helper()
	payload, err := EncodeKVPayload(ops...)
	require.NoError(t, err)
	return kvstore.Transaction{ID: id, Family: KVFamily, Payload: payload}
}

func execute(t *testing.T, e *Executor, batch *kvstore.Batch, base kvstore.RootID) *kvstore.BatchResult {
	t.Helper()
	resultC := make(chan *kvstore.BatchResult, 1)
	require.NoError(t, e.Execute(batch, base, resultC))
	select {
	case r := <-resultC:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
		return nil
	}
}

func TestExecuteValidBatch(t *testing.T) {
	store, root := newStore(t)
	e := newExecutor(t, DefaultConfig(), store)

	batch := &kvstore.Batch{ID: "b1", Transactions: []kvstore.Transaction{
		kvTxn(t, "t1", KVOp{Op: OpSet, Key: "a", Value: []byte("1")}),
		kvTxn(t, "t2",
			KVOp{Op: OpAssert, Key: "a", Value: []byte("1")},
			KVOp{Op: OpSet, Key: "b", Value: []byte("2")},
			KVOp{Op: OpDelete, Key: "a"}),
	}}

	result := execute(t, e, batch, root)
	require.NotNil(t, result)
	assert.Equal(t, "b1", result.BatchID)
	require.Len(t, result.Results, 2)

	assert.True(t, result.Results[0].Valid)
	assert.Equal(t, []kvstore.StateChange{kvstore.SetChange("a", []byte("1"))}, result.Results[0].StateChanges)

	assert.True(t, result.Results[1].Valid)
	assert.Equal(t, []kvstore.StateChange{
		kvstore.SetChange("b", []byte("2")),
		kvstore.DeleteChange("a"),
	}, result.Results[1].StateChanges)

	assert.Equal(t, kvstore.ValidStatus([]string{"t1", "t2"}), result.Status())
}

func TestRejectedTransactionWritesAreDiscarded(t *testing.T) {
	store, root := newStore(t, kvstore.SetChange("x", []byte("old")))
	e := newExecutor(t, DefaultConfig(), store)

	batch := &kvstore.Batch{ID: "b1", Transactions: []kvstore.Transaction{
		kvTxn(t, "t1",
			KVOp{Op: OpSet, Key: "y", Value: []byte("1")},
			KVOp{Op: OpAssertAbsent, Key: "x"}),
		kvTxn(t, "t2", KVOp{Op: OpAssertAbsent, Key: "y"}),
		kvTxn(t, "t3", KVOp{Op: OpAssert, Key: "x", Value: []byte("old")}),
	}}

	result := execute(t, e, batch, root)
	require.NotNil(t, result)
	require.Len(t, result.Results, 3)

	assert.False(t, result.Results[0].Valid)
	require.NotNil(t, result.Results[0].Error)
	assert.Equal(t, "t1", result.Results[0].Error.TransactionID)
	assert.Contains(t, result.Results[0].Error.ErrorMessage, `key "x" exists`)
	assert.Equal(t, []byte("x"), result.Results[0].Error.ErrorData)
	assert.Empty(t, result.Results[0].StateChanges)

	// t1's write of y is not visible
	assert.True(t, result.Results[1].Valid)
	assert.True(t, result.Results[2].Valid)

	status := result.Status()
	assert.Equal(t, kvstore.StatusInvalid, status.Type)
	assert.Len(t, status.Invalid, 1)
}

func TestMalformedPayloads(t *testing.T) {
	store, root := newStore(t)
	e := newExecutor(t, DefaultConfig(), store)

	batch := &kvstore.Batch{ID: "b1", Transactions: []kvstore.Transaction{
		{ID: "t1", Family: KVFamily, Payload: []byte("not json")},
		kvTxn(t, "t2"),
		kvTxn(t, "t3", KVOp{Op: "rename", Key: "a"}),
		kvTxn(t, "t4", KVOp{Op: OpSet, Key: ""}),
		{ID: "t5", Family: "unknown"},
	}}

	result := execute(t, e, batch, root)
	require.NotNil(t, result)
	for _, r := range result.Results {
		assert.False(t, r.Valid, r.TransactionID)
	}
	assert.Equal(t, "malformed kv payload", result.Results[0].Error.ErrorMessage)
	assert.Contains(t, result.Results[4].Error.ErrorMessage, "unknown transaction family")
}

func TestHandlerPanicInvalidatesTransaction(t *testing.T) {
	store, root := newStore(t)
	boom := HandlerFunc{Name: "boom", Fn: func(*kvstore.Transaction, *Context) error { panic("handler bug") }}
	e := newExecutor(t, DefaultConfig(), store, NewKVHandler(nil), boom)

	batch := &kvstore.Batch{ID: "b1", Transactions: []kvstore.Transaction{
		{ID: "t1", Family: "boom"},
		kvTxn(t, "t2", KVOp{Op: OpSet, Key: "a", Value: []byte("1")}),
	}}

	result := execute(t, e, batch, root)
	require.NotNil(t, result)
	assert.False(t, result.Results[0].Valid)
	assert.Contains(t, result.Results[0].Error.ErrorMessage, "handler bug")
	assert.True(t, result.Results[1].Valid)
}

type failingReader struct{}

func (failingReader) Get(kvstore.RootID, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func TestStateReadFailureAbortsBatch(t *testing.T) {
	e := newExecutor(t, DefaultConfig(), failingReader{})

	batch := &kvstore.Batch{ID: "b1", Transactions: []kvstore.Transaction{
		kvTxn(t, "t1", KVOp{Op: OpAssertAbsent, Key: "a"}),
	}}
	assert.Nil(t, execute(t, e, batch, merkle.EmptyRoot))
}

func TestLifecycle(t *testing.T) {
	store, root := newStore(t)
	e, err := New(DefaultConfig(), store, nil, nil, NewKVHandler(nil))
	require.NoError(t, err)

	batch := &kvstore.Batch{ID: "b1"}
	assert.ErrorIs(t, e.Execute(batch, root, make(chan *kvstore.BatchResult, 1)), ErrNotStarted)

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)

	e.Shutdown()
	e.Shutdown()
	assert.ErrorIs(t, e.Execute(batch, root, make(chan *kvstore.BatchResult, 1)), ErrShutdown)
	assert.ErrorIs(t, e.Start(), ErrShutdown)
}

func TestNewRejectsDuplicateFamilies(t *testing.T) {
	store, _ := newStore(t)
	_, err := New(DefaultConfig(), store, nil, nil, NewKVHandler(nil), NewKVHandler(nil))
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestQueueFullAndShutdownDrain(t *testing.T) {
	store, root := newStore(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := HandlerFunc{Name: "slow", Fn: func(*kvstore.Transaction, *Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}}

	e, err := New(Config{Workers: 1, QueueSize: 1}, store, nil, nil, slow)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	first := make(chan *kvstore.BatchResult, 1)
	require.NoError(t, e.Execute(&kvstore.Batch{ID: "b1", Transactions: []kvstore.Transaction{{ID: "t1", Family: "slow"}}}, root, first))
	<-entered

	second := make(chan *kvstore.BatchResult, 1)
	require.NoError(t, e.Execute(&kvstore.Batch{ID: "b2"}, root, second))

	err = e.Execute(&kvstore.Batch{ID: "b3"}, root, make(chan *kvstore.BatchResult, 1))
	assert.ErrorIs(t, err, ErrQueueFull)

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}

	r := <-first
	require.NotNil(t, r)
	assert.True(t, r.Results[0].Valid)

	// executed or answered with nil, never left hanging
	select {
	case <-second:
	default:
		t.Fatal("queued batch got no answer")
	}
}
