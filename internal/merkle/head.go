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

package merkle

import (
	"errors"
	"fmt"
	"time"

	"ledgerStore/internal/kvstore"
	"ledgerStore/internal/statedb"
)

// Keys in RootsIndex
var (
	headKey       = []byte("HEAD")
	committingKey = []byte("COMMITTING")
)

// ReadHead implements kvstore.RootIndex.
func (s *Store) ReadHead() (kvstore.RootID, bool, error) {
	return s.readRoot(headKey)
}

// WriteHead implements kvstore.RootIndex. The new pointer and the removal
// of the commit intent are written in one batch.
func (s *Store) WriteHead(root kvstore.RootID) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStorage("write_head", time.Since(start), err) }()

	d, err := rootDigest(root)
	if err != nil {
		return err
	}

	w := s.db.NewWriter()
	if err := w.Put(RootsIndex, headKey, d); err != nil {
		w.Discard()
		return err
	}
	if err := w.Delete(RootsIndex, committingKey); err != nil {
		w.Discard()
		return err
	}
	return w.Commit()
}

// BeginCommit implements kvstore.RootIndex.
func (s *Store) BeginCommit(prospective kvstore.RootID) error {
	d, err := rootDigest(prospective)
	if err != nil {
		return err
	}

	w := s.db.NewWriter()
	if err := w.Put(RootsIndex, committingKey, d); err != nil {
		w.Discard()
		return err
	}
	return w.Commit()
}

// InterruptedCommit implements kvstore.RootIndex.
func (s *Store) InterruptedCommit() (kvstore.RootID, bool, error) {
	return s.readRoot(committingKey)
}

// ClearInterruptedCommit implements kvstore.RootIndex.
func (s *Store) ClearInterruptedCommit() error {
	w := s.db.NewWriter()
	if err := w.Delete(RootsIndex, committingKey); err != nil {
		w.Discard()
		return err
	}
	return w.Commit()
}

func (s *Store) readRoot(key []byte) (kvstore.RootID, bool, error) {
	d, err := s.db.Get(RootsIndex, key)
	if errors.Is(err, statedb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(d) != DigestSize {
		return "", false, fmt.Errorf("%w: %s holds %d bytes", ErrCorruptNode, key, len(d))
	}
	return kvstore.RootIDFromBytes(d), true, nil
}

func rootDigest(root kvstore.RootID) ([]byte, error) {
	d, err := root.Bytes()
	if err != nil {
		return nil, err
	}
	if len(d) != DigestSize {
		return nil, fmt.Errorf("invalid root id %q: want %d bytes, got %d", root, DigestSize, len(d))
	}
	return d, nil
}
