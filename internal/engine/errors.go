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

package engine

import (
	"errors"
	"fmt"

	"ledgerStore/internal/kvstore"
)

var (
	// ErrInitialization is returned by New when the store cannot be opened,
	// verified or seeded with the genesis state.
	ErrInitialization = errors.New("engine: initialization failed")

	// ErrExecutionTimeout is returned by Prepare when the pipeline produced
	// no result in time. The engine stays Idle.
	ErrExecutionTimeout = errors.New("engine: batch execution timed out")

	// ErrInvalidBatch is wrapped by *InvalidBatchError.
	ErrInvalidBatch = errors.New("engine: invalid batch")

	// ErrNoPendingChange is returned by Commit while Idle.
	ErrNoPendingChange = errors.New("engine: no pending changes to commit")

	// ErrPersistence is returned when the store or the root pointer could
	// not be written. The current root is not advanced.
	ErrPersistence = errors.New("engine: persistence failed")

	// ErrAlreadyStaged is returned by Prepare while a change set is staged.
	ErrAlreadyStaged = errors.New("engine: a change set is already staged")

	// ErrNoResult is returned by Prepare when the pipeline answered without
	// a result.
	ErrNoResult = errors.New("engine: no result returned from executor")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

// InvalidBatchError reports the failed transactions of a batch.
type InvalidBatchError struct {
	BatchID  string
	Failures []kvstore.TransactionError
}

func (e *InvalidBatchError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("batch %s is invalid", e.BatchID)
	}
	first := e.Failures[0]
	msg := fmt.Sprintf("batch %s is invalid: transaction %s failed: %s", e.BatchID, first.TransactionID, first.ErrorMessage)
	if n := len(e.Failures) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrInvalidBatch) hold.
func (e *InvalidBatchError) Unwrap() error { return ErrInvalidBatch }
