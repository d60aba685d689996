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
	"bytes"
	"encoding/json"
	"fmt"

	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/reliability"
)

// KVFamily is the family name of the builtin key/value handler
const KVFamily = "kv"

// KV operation names
const (
	OpSet          = "set"
	OpDelete       = "delete"
	OpAssert       = "assert"        // key must hold value
	OpAssertAbsent = "assert_absent" // key must not exist
)

// KVOp is one operation of a kv transaction payload
type KVOp struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// KVPayload is the JSON payload of a kv transaction:
//
//	{"ops": [{"op": "set", "key": "a", "value": "MQ=="}, {"op": "delete", "key": "b"}]}
//
// Operations apply in order. Assertions make the transaction invalid when
// they do not hold, which discards its writes.
type KVPayload struct {
	Ops []KVOp `json:"ops"`
}

// EncodeKVPayload builds a kv transaction payload
func EncodeKVPayload(ops ...KVOp) ([]byte, error) {
	return json.Marshal(KVPayload{Ops: ops})
}

// KVHandler applies KVPayload transactions
type KVHandler struct {
	validator *reliability.DataValidator
}

// NewKVHandler creates the builtin kv handler. validator may be nil for
// the default limits.
func NewKVHandler(validator *reliability.DataValidator) *KVHandler {
	if validator == nil {
		validator = reliability.NewDataValidator(reliability.DefaultValidationLimits)
	}
	return &KVHandler{validator: validator}
}

// Family implements Handler.
func (h *KVHandler) Family() string { return KVFamily }

// Apply implements Handler.
func (h *KVHandler) Apply(txn *kvstore.Transaction, ctx *Context) error {
	var payload KVPayload
	if err := json.Unmarshal(txn.Payload, &payload); err != nil {
		return Invalid("malformed kv payload", []byte(err.Error()))
	}
	if len(payload.Ops) == 0 {
		return Invalid("kv payload has no operations", nil)
	}

	for i, op := range payload.Ops {
		if err := h.validator.ValidateKeyValue(op.Key, op.Value); err != nil {
			return Invalid(fmt.Sprintf("op %d: %v", i, err), nil)
		}

		switch op.Op {
		case OpSet:
			ctx.Set(op.Key, op.Value)
		case OpDelete:
			ctx.Delete(op.Key)
		case OpAssert, OpAssertAbsent:
			current, ok, err := ctx.Get(op.Key)
			if err != nil {
				return err
			}
			if op.Op == OpAssertAbsent && ok {
				return Invalid(fmt.Sprintf("op %d: key %q exists", i, op.Key), []byte(op.Key))
			}
			if op.Op == OpAssert && (!ok || !bytes.Equal(current, op.Value)) {
				return Invalid(fmt.Sprintf("op %d: key %q does not hold the expected value", i, op.Key), []byte(op.Key))
			}
		default:
			return Invalid(fmt.Sprintf("op %d: unknown operation %q", i, op.Op), nil)
		}
	}
	return nil
}
