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
	"strings"
)

var (
	// ErrNotFound is returned when a key is not present in an index.
	ErrNotFound = errors.New("statedb: key not found")

	// ErrUnknownIndex is returned when an index was not declared at open time.
	ErrUnknownIndex = errors.New("statedb: unknown index")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("statedb: database is closed")

	// ErrWriterDone is returned when a writer is reused after Commit or Discard.
	ErrWriterDone = errors.New("statedb: writer already committed or discarded")
)

// Backend names
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRocksDB = "rocksdb"
)

// Database is a key/value store partitioned into named logical indexes.
// Every index must be declared when the database is opened.
type Database interface {
	// Get reads a key from an index. Returns ErrNotFound if absent.
	Get(index string, key []byte) ([]byte, error)

	// Iterate calls fn for every key of an index in key order until fn
	// returns false.
	Iterate(index string, fn func(key, value []byte) bool) error

	// NewWriter starts an atomic write batch.
	NewWriter() Writer

	// Close releases the database.
	Close() error
}

// Writer buffers writes that are applied atomically by Commit.
type Writer interface {
	Put(index string, key, value []byte) error
	Delete(index string, key []byte) error

	// Commit applies every buffered write or none of them.
	Commit() error

	// Discard drops the buffered writes.
	Discard()
}

// Config selects and tunes a backend
type Config struct {
	Backend string
	Path    string
	Indexes []string

	LevelDB LevelDBOptions
	RocksDB RocksDBOptions
}

// LevelDBOptions goleveldb tuning
type LevelDBOptions struct {
	BlockCacheCapacity int  // bytes, 0 = library default
	WriteBuffer        int  // bytes, 0 = library default
	Sync               bool // fsync every committed batch
}

// RocksDBOptions grocksdb tuning
type RocksDBOptions struct {
	BlockCacheSize        uint64
	WriteBufferSize       uint64
	MaxWriteBufferNumber  int
	MaxBackgroundJobs     int
	BloomFilterBitsPerKey int
	MaxOpenFiles          int
	UseFsync              bool
	Sync                  bool
}

// Open opens the configured backend
func Open(cfg Config) (Database, error) {
	if err := validateIndexes(cfg.Indexes); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(cfg.Indexes...), nil
	case BackendLevelDB:
		db, err := OpenLevelDB(cfg.Path, cfg.LevelDB, cfg.Indexes...)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendRocksDB:
		return OpenRocksDB(cfg.Path, cfg.RocksDB, cfg.Indexes...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (supported: memory, leveldb, rocksdb)", cfg.Backend)
	}
}

func validateIndexes(indexes []string) error {
	seen := make(map[string]bool, len(indexes))
	for _, index := range indexes {
		if index == "" {
			return errors.New("statedb: empty index name")
		}
		if strings.IndexByte(index, indexSeparator) >= 0 {
			return fmt.Errorf("statedb: index name %q contains a separator byte", index)
		}
		if seen[index] {
			return fmt.Errorf("statedb: duplicate index %q", index)
		}
		seen[index] = true
	}
	return nil
}

// Physical key format: <index> 0x00 <key>
const indexSeparator = 0x00

// indexSet resolves index names to their physical key prefix
type indexSet map[string][]byte

func newIndexSet(indexes []string) indexSet {
	set := make(indexSet, len(indexes))
	for _, index := range indexes {
		prefix := make([]byte, 0, len(index)+1)
		prefix = append(prefix, index...)
		prefix = append(prefix, indexSeparator)
		set[index] = prefix
	}
	return set
}

func (s indexSet) prefix(index string) ([]byte, error) {
	prefix, ok := s[index]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndex, index)
	}
	return prefix, nil
}

func (s indexSet) key(index string, key []byte) ([]byte, error) {
	prefix, err := s.prefix(index)
	if err != nil {
		return nil, err
	}
	physical := make([]byte, len(prefix)+len(key))
	copy(physical, prefix)
	copy(physical[len(prefix):], key)
	return physical, nil
}
