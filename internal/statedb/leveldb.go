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
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a goleveldb-backed Database.
type LevelDB struct {
	mu      sync.RWMutex
	db      *leveldb.DB
	wo      *ldb_opt.WriteOptions
	indexes indexSet
}

// OpenLevelDB opens (creating if missing) a leveldb database at path
func OpenLevelDB(path string, options LevelDBOptions, indexes ...string) (*LevelDB, error) {
	if path == "" {
		return nil, errors.New("statedb: leveldb backend requires a path")
	}
	if err := validateIndexes(indexes); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, levelDBOptions(options))
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newLevelDB(db, options, indexes), nil
}

// OpenLevelDBStorage opens a leveldb database on an arbitrary goleveldb storage,
// e.g. storage.NewMemStorage() in tests
func OpenLevelDBStorage(stor ldb_storage.Storage, options LevelDBOptions, indexes ...string) (*LevelDB, error) {
	if err := validateIndexes(indexes); err != nil {
		return nil, err
	}
	db, err := leveldb.Open(stor, levelDBOptions(options))
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb storage: %w", err)
	}
	return newLevelDB(db, options, indexes), nil
}

func levelDBOptions(options LevelDBOptions) *ldb_opt.Options {
	return &ldb_opt.Options{
		ErrorIfExist:       false,
		ErrorIfMissing:     false,
		BlockCacheCapacity: options.BlockCacheCapacity,
		WriteBuffer:        options.WriteBuffer,
	}
}

func newLevelDB(db *leveldb.DB, options LevelDBOptions, indexes []string) *LevelDB {
	return &LevelDB{
		db:      db,
		wo:      &ldb_opt.WriteOptions{Sync: options.Sync},
		indexes: newIndexSet(indexes),
	}
}

// Get implements Database.
func (l *LevelDB) Get(index string, key []byte) ([]byte, error) {
	physical, err := l.indexes.key(index, key)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return nil, ErrClosed
	}

	value, err := l.db.Get(physical, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Iterate implements Database.
func (l *LevelDB) Iterate(index string, fn func(key, value []byte) bool) error {
	prefix, err := l.indexes.prefix(index)
	if err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return ErrClosed
	}

	it := l.db.NewIterator(ldb_util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		if !fn(it.Key()[len(prefix):], it.Value()) {
			break
		}
	}
	return it.Error()
}

// NewWriter implements Database.
func (l *LevelDB) NewWriter() Writer {
	return &levelDBWriter{db: l, batch: new(leveldb.Batch)}
}

// Close implements Database.
func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

type levelDBWriter struct {
	db    *LevelDB
	batch *leveldb.Batch
	done  bool
}

func (w *levelDBWriter) Put(index string, key, value []byte) error {
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

func (w *levelDBWriter) Delete(index string, key []byte) error {
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

func (w *levelDBWriter) Commit() error {
	if w.done {
		return ErrWriterDone
	}
	w.done = true

	w.db.mu.RLock()
	defer w.db.mu.RUnlock()

	if w.db.db == nil {
		return ErrClosed
	}
	return w.db.db.Write(w.batch, w.db.wo)
}

func (w *levelDBWriter) Discard() {
	w.done = true
	w.batch.Reset()
}
