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

package kvstore

// VersionedStore is the content-addressed state store.
// Every version is identified by the RootID of its root node.
type VersionedStore interface {
	// Get reads a key at the given version.
	// The bool result is false if the key is absent.
	Get(root RootID, key string) ([]byte, bool, error)

	// ComputeRoot returns the root the changes would produce on top of
	// base without persisting anything.
	ComputeRoot(base RootID, changes []StateChange) (RootID, error)

	// Commit durably applies the changes on top of base and returns the new root.
	Commit(base RootID, changes []StateChange) (RootID, error)

	// Genesis commits the changes on top of the empty state.
	Genesis(changes []StateChange) (RootID, error)

	// HasRoot reports whether the root node of a version is present.
	HasRoot(root RootID) (bool, error)
}

// RootIndex holds the durable pointer to the current committed root.
type RootIndex interface {
	// ReadHead returns the committed root, false if none was ever written.
	ReadHead() (RootID, bool, error)

	// WriteHead atomically replaces the committed root and clears any
	// commit intent.
	WriteHead(root RootID) error

	// BeginCommit durably records that a commit towards prospective has started.
	BeginCommit(prospective RootID) error

	// InterruptedCommit returns the target of a commit that started but
	// never reached WriteHead.
	InterruptedCommit() (RootID, bool, error)

	// ClearInterruptedCommit removes the commit intent marker.
	ClearInterruptedCommit() error
}

// Pipeline executes batches against a base version.
//
// Execute is asynchronous: exactly one result (possibly nil when the
// executor produced nothing) is sent on resultC per accepted batch.
// Callers should pass a buffered channel so a late result never blocks.
type Pipeline interface {
	// Start launches the workers. It may only be called once.
	Start() error

	// Execute queues the batch for execution on top of base.
	Execute(batch *Batch, base RootID, resultC chan<- *BatchResult) error

	// Shutdown stops the workers after in-flight batches finish.
	Shutdown()
}
