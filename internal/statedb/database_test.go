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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
)

var testIndexes = []string{"nodes", "head"}

type backendFactory func(t *testing.T) Database

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Database {
			return NewMemory(testIndexes...)
		},
		"leveldb-mem": func(t *testing.T) Database {
			db, err := OpenLevelDBStorage(ldb_storage.NewMemStorage(), LevelDBOptions{}, testIndexes...)
			require.NoError(t, err)
			return db
		},
		"leveldb-file": func(t *testing.T) Database {
			db, err := OpenLevelDB(filepath.Join(t.TempDir(), "state"), LevelDBOptions{Sync: true}, testIndexes...)
			require.NoError(t, err)
			return db
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, db Database)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			db := factory(t)
			defer db.Close()
			fn(t, db)
		})
	}
}

func TestDatabasePutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		_, err := db.Get("nodes", []byte("a"))
		assert.ErrorIs(t, err, ErrNotFound)

		w := db.NewWriter()
		require.NoError(t, w.Put("nodes", []byte("a"), []byte("1")))
		require.NoError(t, w.Put("head", []byte("a"), []byte("2")))

		// nothing visible before commit
		_, err = db.Get("nodes", []byte("a"))
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, w.Commit())

		v, err := db.Get("nodes", []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		// indexes do not share keys
		v, err = db.Get("head", []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)
	})
}

func TestDatabaseDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		w := db.NewWriter()
		require.NoError(t, w.Put("nodes", []byte("a"), []byte("1")))
		require.NoError(t, w.Commit())

		w = db.NewWriter()
		require.NoError(t, w.Delete("nodes", []byte("a")))
		require.NoError(t, w.Commit())

		_, err := db.Get("nodes", []byte("a"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDatabaseWriteOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		w := db.NewWriter()
		require.NoError(t, w.Put("nodes", []byte("k"), []byte("first")))
		require.NoError(t, w.Delete("nodes", []byte("k")))
		require.NoError(t, w.Put("nodes", []byte("k"), []byte("last")))
		require.NoError(t, w.Commit())

		v, err := db.Get("nodes", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("last"), v)
	})
}

func TestDatabaseDiscard(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		w := db.NewWriter()
		require.NoError(t, w.Put("nodes", []byte("a"), []byte("1")))
		w.Discard()

		assert.ErrorIs(t, w.Commit(), ErrWriterDone)
		assert.ErrorIs(t, w.Put("nodes", []byte("b"), []byte("2")), ErrWriterDone)

		_, err := db.Get("nodes", []byte("a"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDatabaseUnknownIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		_, err := db.Get("missing", []byte("a"))
		assert.ErrorIs(t, err, ErrUnknownIndex)

		w := db.NewWriter()
		defer w.Discard()
		assert.ErrorIs(t, w.Put("missing", []byte("a"), nil), ErrUnknownIndex)
		assert.ErrorIs(t, db.Iterate("missing", func(k, v []byte) bool { return true }), ErrUnknownIndex)
	})
}

func TestDatabaseIterate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		w := db.NewWriter()
		for _, k := range []string{"c", "a", "b"} {
			require.NoError(t, w.Put("nodes", []byte(k), []byte(k+k)))
		}
		require.NoError(t, w.Put("head", []byte("HEAD"), []byte("x")))
		require.NoError(t, w.Commit())

		var keys []string
		require.NoError(t, db.Iterate("nodes", func(k, v []byte) bool {
			keys = append(keys, string(k))
			assert.Equal(t, string(k)+string(k), string(v))
			return true
		}))
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		// early stop
		count := 0
		require.NoError(t, db.Iterate("nodes", func(k, v []byte) bool {
			count++
			return false
		}))
		assert.Equal(t, 1, count)
	})
}

func TestDatabaseClosed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		w := db.NewWriter()
		require.NoError(t, w.Put("nodes", []byte("a"), []byte("1")))

		require.NoError(t, db.Close())

		_, err := db.Get("nodes", []byte("a"))
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, w.Commit(), ErrClosed)
	})
}

func TestLevelDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	db, err := OpenLevelDB(path, LevelDBOptions{}, testIndexes...)
	require.NoError(t, err)
	w := db.NewWriter()
	require.NoError(t, w.Put("head", []byte("HEAD"), []byte("abc")))
	require.NoError(t, w.Commit())
	require.NoError(t, db.Close())

	db, err = OpenLevelDB(path, LevelDBOptions{}, testIndexes...)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.Get("head", []byte("HEAD"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestOpen(t *testing.T) {
	db, err := Open(Config{Backend: BackendMemory, Indexes: testIndexes})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(Config{Backend: BackendLevelDB, Path: filepath.Join(t.TempDir(), "db"), Indexes: testIndexes})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(Config{Backend: "bolt"})
	assert.Error(t, err)

	_, err = Open(Config{Backend: BackendLevelDB, Indexes: testIndexes})
	assert.Error(t, err, "leveldb needs a path")

	_, err = Open(Config{Indexes: []string{"a", "a"}})
	assert.Error(t, err)

	_, err = Open(Config{Indexes: []string{"bad\x00name"}})
	assert.Error(t, err)
}
