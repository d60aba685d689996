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
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"ledgerStore/internal/kvstore"
	"ledgerStore/internal/statedb"
	"ledgerStore/pkg/metrics"
)

var (
	// ErrRootNotFound is returned when a version's root node is not stored.
	ErrRootNotFound = errors.New("merkle: root not found")

	// ErrCorruptNode is returned when a stored node cannot be decoded or an
	// inner node referenced by a parent is missing.
	ErrCorruptNode = errors.New("merkle: corrupt node")
)

// Logical indexes used in the underlying database
const (
	NodesIndex    = "merkle_nodes"
	RootsIndex    = "current_state_root"
	VersionsIndex = "merkle_versions" // committed root digest -> commit time
)

// Indexes lists every index the store needs, for statedb.Open
func Indexes() []string {
	return []string{NodesIndex, RootsIndex, VersionsIndex}
}

// EmptyRoot is the root of the state holding no keys
var EmptyRoot = kvstore.RootIDFromBytes(digest(nil))

// Store is a content-addressed radix tree over a statedb.Database.
// Nodes are immutable and keyed by their digest, so every committed
// version stays readable.
type Store struct {
	db      statedb.Database
	metrics *metrics.Metrics
}

// Option configures a Store
type Option func(*Store)

// WithMetrics records storage latencies on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a store over db. db must have been opened with Indexes().
func New(db statedb.Database, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ kvstore.VersionedStore = (*Store)(nil)
	_ kvstore.RootIndex      = (*Store)(nil)
)

// Get implements kvstore.VersionedStore.
func (s *Store) Get(root kvstore.RootID, key string) (value []byte, ok bool, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStorage("get", time.Since(start), err) }()

	n, err := s.loadRoot(root)
	if err != nil {
		return nil, false, err
	}

	for i := 0; i < len(key); i++ {
		d, exists := n.children[key[i]]
		if !exists {
			return nil, false, nil
		}
		n, err = s.loadNode(d)
		if errors.Is(err, statedb.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: missing node under path %q", ErrCorruptNode, key[:i+1])
		}
		if err != nil {
			return nil, false, err
		}
	}

	if !n.hasValue {
		return nil, false, nil
	}
	return n.value, true, nil
}

// ComputeRoot implements kvstore.VersionedStore.
func (s *Store) ComputeRoot(base kvstore.RootID, changes []kvstore.StateChange) (root kvstore.RootID, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStorage("compute_root", time.Since(start), err) }()

	root, _, err = s.apply(base, changes)
	return root, err
}

// Commit implements kvstore.VersionedStore.
func (s *Store) Commit(base kvstore.RootID, changes []kvstore.StateChange) (root kvstore.RootID, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStorage("commit", time.Since(start), err) }()

	root, nodes, err := s.apply(base, changes)
	if err != nil {
		return "", err
	}

	d, err := root.Bytes()
	if err != nil {
		return "", err
	}

	w := s.db.NewWriter()
	for key, encoded := range nodes {
		if err := w.Put(NodesIndex, []byte(key), encoded); err != nil {
			w.Discard()
			return "", fmt.Errorf("failed to stage node: %w", err)
		}
	}
	stamp := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
	if err := w.Put(VersionsIndex, d, stamp); err != nil {
		w.Discard()
		return "", fmt.Errorf("failed to stage version: %w", err)
	}
	if err := w.Commit(); err != nil {
		return "", fmt.Errorf("failed to write nodes: %w", err)
	}
	return root, nil
}

// Genesis implements kvstore.VersionedStore.
func (s *Store) Genesis(changes []kvstore.StateChange) (kvstore.RootID, error) {
	return s.Commit(EmptyRoot, changes)
}

// HasRoot implements kvstore.VersionedStore.
// Only roots produced by Commit or Genesis count; the digest of an inner
// node is not a version.
func (s *Store) HasRoot(root kvstore.RootID) (bool, error) {
	if root == EmptyRoot {
		return true, nil
	}
	d, err := root.Bytes()
	if err != nil {
		return false, nil
	}
	_, err = s.db.Get(VersionsIndex, d)
	if errors.Is(err, statedb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) loadRoot(root kvstore.RootID) (*node, error) {
	d, err := root.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootNotFound, err)
	}
	ok, err := s.HasRoot(root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}
	n, err := s.loadNode(d)
	if errors.Is(err, statedb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}
	return n, err
}

// loadNode returns statedb.ErrNotFound for an absent digest.
// The empty node is never stored.
func (s *Store) loadNode(d []byte) (*node, error) {
	if string(d) == string(digest(nil)) {
		return newNode(), nil
	}
	encoded, err := s.db.Get(NodesIndex, d)
	if err != nil {
		return nil, err
	}
	return decodeNode(encoded)
}

// apply builds the tree produced by changes on top of base. It returns
// the new root and every node created along the way, keyed by digest.
func (s *Store) apply(base kvstore.RootID, changes []kvstore.StateChange) (kvstore.RootID, map[string][]byte, error) {
	rootNode, err := s.loadRoot(base)
	if err != nil {
		return "", nil, err
	}

	// path prefix -> working copy of the node at that path
	dirty := map[string]*node{"": rootNode}

	var resolve func(path string) (*node, error)
	resolve = func(path string) (*node, error) {
		if n, ok := dirty[path]; ok {
			return n, nil
		}
		parent, err := resolve(path[:len(path)-1])
		if err != nil {
			return nil, err
		}
		n := newNode()
		if d, ok := parent.children[path[len(path)-1]]; ok {
			n, err = s.loadNode(d)
			if errors.Is(err, statedb.ErrNotFound) {
				return nil, fmt.Errorf("%w: missing node under path %q", ErrCorruptNode, path)
			}
			if err != nil {
				return nil, err
			}
		}
		dirty[path] = n
		return n, nil
	}

	for _, change := range changes {
		n, err := resolve(change.Key)
		if err != nil {
			return "", nil, err
		}
		switch change.Type {
		case kvstore.ChangeSet:
			n.value = append([]byte{}, change.Value...)
			n.hasValue = true
		case kvstore.ChangeDelete:
			n.value = nil
			n.hasValue = false
		default:
			return "", nil, fmt.Errorf("unknown change type %v for key %q", change.Type, change.Key)
		}
	}

	paths := make([]string, 0, len(dirty))
	for path := range dirty {
		paths = append(paths, path)
	}
	// children before parents
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return paths[i] < paths[j]
	})

	nodes := make(map[string][]byte)
	var rootDigest []byte

	for _, path := range paths {
		n := dirty[path]
		if path == "" {
			encoded := encodeNode(n)
			rootDigest = digest(encoded)
			if !n.empty() {
				nodes[string(rootDigest)] = encoded
			}
			continue
		}

		parent := dirty[path[:len(path)-1]]
		idx := path[len(path)-1]
		if n.empty() {
			delete(parent.children, idx)
			continue
		}
		encoded := encodeNode(n)
		d := digest(encoded)
		nodes[string(d)] = encoded
		parent.children[idx] = d
	}

	return kvstore.RootIDFromBytes(rootDigest), nodes, nil
}
