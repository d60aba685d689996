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

//go:build cgo
// +build cgo

package statedb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
)

// RocksDB is a grocksdb-backed Database.
type RocksDB struct {
	mu      sync.RWMutex
	db      *grocksdb.DB
	opts    *grocksdb.Options
	wo      *grocksdb.WriteOptions
	ro      *grocksdb.ReadOptions
	indexes indexSet
}

// OpenRocksDB opens (creating if missing) a rocksdb database at path
func OpenRocksDB(path string, options RocksDBOptions, indexes ...string) (Database, error) {
	if path == "" {
		return nil, errors.New("statedb: rocksdb backend requires a path")
	}
	if err := validateIndexes(indexes); err != nil {
		return nil, err
	}

	opts := newRocksDBOptions(options)
	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to open rocksdb at %s: %w", path, err)
	}

	wo := grocksdb.NewDefaultWriteOptions()
	wo.SetSync(options.Sync)

	ro := grocksdb.NewDefaultReadOptions()
	ro.SetFillCache(true)

	return &RocksDB{
		db:      db,
		opts:    opts,
		wo:      wo,
		ro:      ro,
		indexes: newIndexSet(indexes),
	}, nil
}

func newRocksDBOptions(options RocksDBOptions) *grocksdb.Options {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCompression(grocksdb.LZ4Compression)
	opts.SetUseFsync(options.UseFsync)

	if options.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(options.WriteBufferSize)
	}
	if options.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(options.MaxWriteBufferNumber)
	}
	if options.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundJobs(options.MaxBackgroundJobs)
	}
	if options.MaxOpenFiles != 0 {
		opts.SetMaxOpenFiles(options.MaxOpenFiles)
	}

	bbto := grocksdb.NewDefaultBlockBasedTableOptions()
	if options.BlockCacheSize > 0 {
		bbto.SetBlockCache(grocksdb.NewLRUCache(options.BlockCacheSize))
		bbto.SetCacheIndexAndFilterBlocks(true)
	}
	if options.BloomFilterBitsPerKey > 0 {
		bbto.SetFilterPolicy(grocksdb.NewBloomFilter(float64(options.BloomFilterBitsPerKey)))
	}
	opts.SetBlockBasedTableFactory(bbto)

	return opts
}

// Get implements Database.
func (r *RocksDB) Get(index string, key []byte) ([]byte, error) {
	physical, err := r.indexes.key(index, key)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.db == nil {
		return nil, ErrClosed
	}

	data, err := r.db.Get(r.ro, physical)
	if err != nil {
		return nil, err
	}
	defer data.Free()

	if !data.Exists() {
		return nil, ErrNotFound
	}
	value := make([]byte, data.Size())
	copy(value, data.Data())
	return value, nil
}

// Iterate implements Database.
func (r *RocksDB) Iterate(index string, fn func(key, value []byte) bool) error {
	prefix, err := r.indexes.prefix(index)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.db == nil {
		return ErrClosed
	}

	it := r.db.NewIterator(r.ro)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Key()
		v := it.Value()
		cont := fn(k.Data()[len(prefix):], v.Data())
		k.Free()
		v.Free()
		if !cont {
			break
		}
	}
	return it.Err()
}

// NewWriter implements Database.
func (r *RocksDB) NewWriter() Writer {
	return &rocksDBWriter{db: r, batch: grocksdb.NewWriteBatch()}
}

// Close implements Database.
func (r *RocksDB) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	r.db.Close()
	r.wo.Destroy()
	r.ro.Destroy()
	r.opts.Destroy()
	r.db = nil
	return nil
}

type rocksDBWriter struct {
	db    *RocksDB
	batch *grocksdb.WriteBatch
	done  bool
}

func (w *rocksDBWriter) Put(index string, key, value []byte) error {
	if w.done {
		return ErrWriterDone
	}
	physical, err := w.db.indexes.key(index, key)
	if err != nil {
		return err
	}
	w.batch.Put(physical, value)
	return nil
}

func (w *rocksDBWriter) Delete(index string, key []byte) error {
	if w.done {
		return ErrWriterDone
	}
	physical, err := w.db.indexes.key(index, key)
	if err != nil {
		return err
	}
	w.batch.Delete(physical)
	return nil
}

func (w *rocksDBWriter) Commit() error {
	if w.done {
		return ErrWriterDone
	}
	w.done = true
	defer w.batch.Destroy()

	w.db.mu.RLock()
	defer w.db.mu.RUnlock()

	if w.db.db == nil {
		return ErrClosed
	}
	return w.db.db.Write(w.db.wo, w.batch)
}

func (w *rocksDBWriter) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.batch.Destroy()
}
