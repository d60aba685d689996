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

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// RootID identifies one immutable version of the state.
// It is the lowercase hex encoding of the root node digest.
type RootID string

// Bytes decodes the root identifier into its raw digest.
func (r RootID) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(r))
	if err != nil {
		return nil, fmt.Errorf("invalid root id %q: %w", string(r), err)
	}
	return b, nil
}

// String implements fmt.Stringer
func (r RootID) String() string {
	return string(r)
}

// RootIDFromBytes encodes a raw digest as a RootID
func RootIDFromBytes(b []byte) RootID {
	return RootID(hex.EncodeToString(b))
}

// ChangeType 状态变更类型
type ChangeType int

const (
	ChangeSet    ChangeType = 0
	ChangeDelete ChangeType = 1
)

func (t ChangeType) String() string {
	switch t {
	case ChangeSet:
		return "Set"
	case ChangeDelete:
		return "Delete"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// StateChange is a single write against the state.
// Lists of changes are applied in order, so the last entry for a key wins.
type StateChange struct {
	Type  ChangeType
	Key   string
	Value []byte // nil for Delete
}

// SetChange builds a Set change
func SetChange(key string, value []byte) StateChange {
	return StateChange{Type: ChangeSet, Key: key, Value: value}
}

// DeleteChange builds a Delete change
func DeleteChange(key string) StateChange {
	return StateChange{Type: ChangeDelete, Key: key}
}

// Transaction 批次中的单个交易
type Transaction struct {
	ID      string `json:"id"`      // header signature
	Family  string `json:"family"`  // handler family name
	Payload []byte `json:"payload"` // handler specific payload
}

// Batch is an ordered set of transactions executed as one unit.
type Batch struct {
	ID           string        `json:"id"`
	Transactions []Transaction `json:"transactions"`
}

// TransactionIDs returns the ids of all transactions in batch order
func (b *Batch) TransactionIDs() []string {
	ids := make([]string, 0, len(b.Transactions))
	for _, txn := range b.Transactions {
		ids = append(ids, txn.ID)
	}
	return ids
}

// TransactionError describes why a transaction was rejected
type TransactionError struct {
	TransactionID string `json:"transaction_id"`
	ErrorMessage  string `json:"error_message"`
	ErrorData     []byte `json:"error_data"`
}

// TransactionResult 单个交易的执行结果
type TransactionResult struct {
	TransactionID string
	Valid         bool
	StateChanges  []StateChange     // only set when Valid
	Error         *TransactionError // only set when !Valid
}

// BatchResult is the per-transaction outcome list for one batch.
type BatchResult struct {
	BatchID string
	Results []TransactionResult
}

// Status derives the batch status from the transaction outcomes:
// Invalid with every failure if any transaction failed, otherwise Valid.
func (r *BatchResult) Status() BatchStatus {
	var valid []string
	var invalid []TransactionError

	for _, res := range r.Results {
		if res.Valid {
			valid = append(valid, res.TransactionID)
			continue
		}
		if res.Error != nil {
			invalid = append(invalid, *res.Error)
		} else {
			invalid = append(invalid, TransactionError{TransactionID: res.TransactionID})
		}
	}

	if len(invalid) > 0 {
		return InvalidStatus(invalid)
	}
	return ValidStatus(valid)
}

// StatusType 批次状态类型
type StatusType string

const (
	StatusUnknown   StatusType = "Unknown"
	StatusPending   StatusType = "Pending"
	StatusInvalid   StatusType = "Invalid"
	StatusValid     StatusType = "Valid"
	StatusCommitted StatusType = "Committed"
)

// BatchStatus is the execution/commit status of a batch.
// Invalid carries the failed transactions, Valid and Committed carry the
// transaction ids.
type BatchStatus struct {
	Type    StatusType
	Invalid []TransactionError
	Valid   []string
}

// UnknownStatus is synthesized for ids that are not tracked
func UnknownStatus() BatchStatus { return BatchStatus{Type: StatusUnknown} }

// PendingStatus is the initial tracked status
func PendingStatus() BatchStatus { return BatchStatus{Type: StatusPending} }

// InvalidStatus returns an Invalid status carrying the failures
func InvalidStatus(errs []TransactionError) BatchStatus {
	return BatchStatus{Type: StatusInvalid, Invalid: errs}
}

// ValidStatus returns a Valid status carrying the transaction ids
func ValidStatus(ids []string) BatchStatus {
	return BatchStatus{Type: StatusValid, Valid: ids}
}

// CommittedStatus returns a Committed status carrying the transaction ids
func CommittedStatus(ids []string) BatchStatus {
	return BatchStatus{Type: StatusCommitted, Valid: ids}
}

// Clone returns a copy of s that shares no memory with it
func (s BatchStatus) Clone() BatchStatus {
	out := BatchStatus{Type: s.Type, Valid: slices.Clone(s.Valid)}
	if s.Invalid != nil {
		out.Invalid = make([]TransactionError, len(s.Invalid))
		for i, e := range s.Invalid {
			e.ErrorData = bytes.Clone(e.ErrorData)
			out.Invalid[i] = e
		}
	}
	return out
}

type validTransaction struct {
	TransactionID string `json:"transaction_id"`
}

type batchStatusJSON struct {
	StatusType StatusType      `json:"statusType"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// MarshalJSON encodes the status as {"statusType": ..., "message": ...}
func (s BatchStatus) MarshalJSON() ([]byte, error) {
	out := batchStatusJSON{StatusType: s.Type}

	var msg interface{}
	switch s.Type {
	case StatusInvalid:
		errs := s.Invalid
		if errs == nil {
			errs = []TransactionError{}
		}
		msg = errs
	case StatusValid, StatusCommitted:
		txns := make([]validTransaction, 0, len(s.Valid))
		for _, id := range s.Valid {
			txns = append(txns, validTransaction{TransactionID: id})
		}
		msg = txns
	}

	if msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		out.Message = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON
func (s *BatchStatus) UnmarshalJSON(data []byte) error {
	var in batchStatusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	status := BatchStatus{Type: in.StatusType}
	switch in.StatusType {
	case StatusUnknown, StatusPending:
	case StatusInvalid:
		if err := json.Unmarshal(in.Message, &status.Invalid); err != nil {
			return fmt.Errorf("invalid batch status message: %w", err)
		}
	case StatusValid, StatusCommitted:
		var txns []validTransaction
		if err := json.Unmarshal(in.Message, &txns); err != nil {
			return fmt.Errorf("invalid batch status message: %w", err)
		}
		for _, txn := range txns {
			status.Valid = append(status.Valid, txn.TransactionID)
		}
	default:
		return fmt.Errorf("unknown batch status type %q", in.StatusType)
	}

	*s = status
	return nil
}

// BatchInfo 批次跟踪信息
// Timestamp is set once when the batch is recorded and only orders eviction.
type BatchInfo struct {
	ID        string      `json:"id"`
	Status    BatchStatus `json:"status"`
	Timestamp time.Time   `json:"-"`
}
