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

package batch

import (
	"encoding/json"
	"errors"
	"fmt"

	"ledgerStore/internal/kvstore"
)

// ErrEmptyBatch is returned when there is nothing to encode or decode.
var ErrEmptyBatch = errors.New("batch: empty")

// BatchList 批次列表包装器
// 用于区分单个批次和批次列表
type BatchList struct {
	IsList  bool            `json:"is_batch_list"` // 是否为批次列表
	Batches []kvstore.Batch `json:"batches"`       // 批次列表
}

// EncodeBatches 将批次编码为 JSON 字节
// A single batch is encoded as a plain batch object.
func EncodeBatches(batches []*kvstore.Batch) ([]byte, error) {
	if len(batches) == 0 {
		return nil, ErrEmptyBatch
	}

	if len(batches) == 1 {
		return json.Marshal(batches[0])
	}

	list := BatchList{IsList: true, Batches: make([]kvstore.Batch, 0, len(batches))}
	for _, b := range batches {
		list.Batches = append(list.Batches, *b)
	}
	return json.Marshal(list)
}

// DecodeBatches 解码批次
// Accepts a BatchList wrapper or a single batch object.
func DecodeBatches(data []byte) ([]*kvstore.Batch, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBatch
	}

	var list BatchList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("malformed batch: %w", err)
	}

	if list.IsList {
		if len(list.Batches) == 0 {
			return nil, ErrEmptyBatch
		}
		out := make([]*kvstore.Batch, 0, len(list.Batches))
		for i := range list.Batches {
			out = append(out, &list.Batches[i])
		}
		return out, nil
	}

	var single kvstore.Batch
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("malformed batch: %w", err)
	}
	return []*kvstore.Batch{&single}, nil
}
