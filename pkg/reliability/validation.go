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

package reliability

import (
	"errors"
	"fmt"
	"sync/atomic"

	"ledgerStore/internal/kvstore"
)

// ErrInvalidArgument is wrapped by every validation failure.
var ErrInvalidArgument = errors.New("invalid argument")

var (
	// ValidationErrorCounter 验证错误计数器
	ValidationErrorCounter int64
)

// ValidationLimits 数据校验上限
type ValidationLimits struct {
	MaxKeySize         int // bytes
	MaxValueSize       int // bytes
	MaxPayloadSize     int // bytes per transaction payload
	MaxTransactions    int // per batch
	MaxIdentifierBytes int // batch and transaction ids
}

// DefaultValidationLimits 默认校验上限
var DefaultValidationLimits = ValidationLimits{
	MaxKeySize:         1536,
	MaxValueSize:       1024 * 1024,
	MaxPayloadSize:     1024 * 1024,
	MaxTransactions:    1000,
	MaxIdentifierBytes: 256,
}

// DataValidator 数据验证器
type DataValidator struct {
	limits ValidationLimits
}

// NewDataValidator 创建数据验证器
func NewDataValidator(limits ValidationLimits) *DataValidator {
	return &DataValidator{limits: limits}
}

func invalid(format string, args ...interface{}) error {
	atomic.AddInt64(&ValidationErrorCounter, 1)
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ValidateKeyValue 验证键值对
func (dv *DataValidator) ValidateKeyValue(key string, value []byte) error {
	if len(key) == 0 {
		return invalid("key cannot be empty")
	}
	if len(key) > dv.limits.MaxKeySize {
		return invalid("key too large: %d bytes (max %d bytes)", len(key), dv.limits.MaxKeySize)
	}
	if len(value) > dv.limits.MaxValueSize {
		return invalid("value too large: %d bytes (max %d bytes)", len(value), dv.limits.MaxValueSize)
	}
	return nil
}

// ValidateBatch checks a submitted batch before it reaches the engine:
// non-empty ids, unique transaction ids and size limits.
func (dv *DataValidator) ValidateBatch(batch *kvstore.Batch) error {
	if batch == nil {
		return invalid("batch is nil")
	}
	if err := dv.validateID("batch id", batch.ID); err != nil {
		return err
	}
	if len(batch.Transactions) == 0 {
		return invalid("batch %s has no transactions", batch.ID)
	}
	if len(batch.Transactions) > dv.limits.MaxTransactions {
		return invalid("batch %s has %d transactions (max %d)",
			batch.ID, len(batch.Transactions), dv.limits.MaxTransactions)
	}

	seen := make(map[string]struct{}, len(batch.Transactions))
	for i, txn := range batch.Transactions {
		if err := dv.validateID(fmt.Sprintf("transaction %d id", i), txn.ID); err != nil {
			return err
		}
		if _, dup := seen[txn.ID]; dup {
			return invalid("duplicate transaction id %s", txn.ID)
		}
		seen[txn.ID] = struct{}{}

		if txn.Family == "" {
			return invalid("transaction %s has no family", txn.ID)
		}
		if len(txn.Payload) > dv.limits.MaxPayloadSize {
			return invalid("transaction %s payload too large: %d bytes (max %d bytes)",
				txn.ID, len(txn.Payload), dv.limits.MaxPayloadSize)
		}
	}
	return nil
}

func (dv *DataValidator) validateID(what, id string) error {
	if id == "" {
		return invalid("%s cannot be empty", what)
	}
	if len(id) > dv.limits.MaxIdentifierBytes {
		return invalid("%s too long: %d bytes (max %d bytes)", what, len(id), dv.limits.MaxIdentifierBytes)
	}
	return nil
}

// GetValidationErrorCount 获取验证错误计数
func GetValidationErrorCount() int64 {
	return atomic.LoadInt64(&ValidationErrorCounter)
}

// ResetValidationErrorCount 重置验证错误计数
func ResetValidationErrorCount() {
	atomic.StoreInt64(&ValidationErrorCounter, 0)
}
