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
	"ledgerStore/internal/kvstore"
)

// Handler executes the transactions of one family.
//
// Apply returns nil to accept the transaction; its writes then become part
// of the batch result. Any other error rejects it and discards its writes.
// An *InvalidTransactionError controls the reported message and data.
type Handler interface {
	Family() string
	Apply(txn *kvstore.Transaction, ctx *Context) error
}

// InvalidTransactionError rejects a transaction with a client visible reason
type InvalidTransactionError struct {
	Message string
	Data    []byte
}

func (e *InvalidTransactionError) Error() string {
	return "invalid transaction: " + e.Message
}

// Invalid builds an InvalidTransactionError
func Invalid(message string, data []byte) error {
	return &InvalidTransactionError{Message: message, Data: data}
}

// HandlerFunc adapts a function to Handler
type HandlerFunc struct {
	Name string
	Fn   func(txn *kvstore.Transaction, ctx *Context) error
}

// Family implements Handler.
func (h HandlerFunc) Family() string { return h.Name }

// Apply implements Handler.
func (h HandlerFunc) Apply(txn *kvstore.Transaction, ctx *Context) error { return h.Fn(txn, ctx) }
