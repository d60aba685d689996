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
	"bytes"
	"errors"
	"testing"

	"ledgerStore/internal/kvstore"
)

func testBatch(id string, txnIDs ...string) *kvstore.Batch {
	b := &kvstore.Batch{ID: id}
	for _, txnID := range txnIDs {
		b.Transactions = append(b.Transactions, kvstore.Transaction{
			ID:      txnID,
			Family:  "kv",
			Payload: []byte(`{"ops":[]}`),
		})
	}
	return b
}

// TestEncodeBatches_Single tests that one batch is encoded as a plain object
func TestEncodeBatches_Single(t *testing.T) {
	data, err := EncodeBatches([]*kvstore.Batch{testBatch("b1", "t1")})
	if err != nil {
		t.Fatalf("EncodeBatches failed: %v", err)
	}

	if bytes.Contains(data, []byte("is_batch_list")) {
		t.Errorf("Single batch encoded as batch list: %s", data)
	}

	decoded, err := DecodeBatches(data)
	if err != nil {
		t.Fatalf("DecodeBatches failed: %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != "b1" {
		t.Fatalf("Decoded batches mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded[0].Transactions[0].Payload, []byte(`{"ops":[]}`)) {
		t.Errorf("Payload mismatch: %q", decoded[0].Transactions[0].Payload)
	}
}

// TestEncodeBatches_Multiple tests the list wrapper
func TestEncodeBatches_Multiple(t *testing.T) {
	batches := []*kvstore.Batch{
		testBatch("b1", "t1"),
		testBatch("b2", "t2", "t3"),
		testBatch("b3", "t4"),
	}

	data, err := EncodeBatches(batches)
	if err != nil {
		t.Fatalf("EncodeBatches failed: %v", err)
	}

	if !bytes.HasPrefix(data, []byte(`{"is_batch_list":true`)) {
		t.Errorf("Multiple batches not encoded as batch list: %s", data)
	}

	decoded, err := DecodeBatches(data)
	if err != nil {
		t.Fatalf("DecodeBatches failed: %v", err)
	}
	if len(decoded) != len(batches) {
		t.Fatalf("Decoded length mismatch: got %d, want %d", len(decoded), len(batches))
	}
	for i, b := range batches {
		if decoded[i].ID != b.ID {
			t.Errorf("Batch %d id mismatch: got %s, want %s", i, decoded[i].ID, b.ID)
		}
		if len(decoded[i].Transactions) != len(b.Transactions) {
			t.Errorf("Batch %d transaction count mismatch: got %d, want %d",
				i, len(decoded[i].Transactions), len(b.Transactions))
		}
	}
}

// TestEncodeBatches_Empty tests encoding nothing
func TestEncodeBatches_Empty(t *testing.T) {
	if _, err := EncodeBatches(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("EncodeBatches(nil) error = %v, want ErrEmptyBatch", err)
	}
}

// TestDecodeBatches_Invalid tests malformed and empty inputs
func TestDecodeBatches_Invalid(t *testing.T) {
	if _, err := DecodeBatches(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("DecodeBatches(nil) error = %v, want ErrEmptyBatch", err)
	}

	if _, err := DecodeBatches([]byte(`{"is_batch_list":true,"batches":[]}`)); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty list error = %v, want ErrEmptyBatch", err)
	}

	for _, input := range []string{"not-json", `[{"id":"b1"}]`, `{"id":1}`} {
		if _, err := DecodeBatches([]byte(input)); err == nil {
			t.Errorf("DecodeBatches(%q) should fail", input)
		}
	}
}

// BenchmarkEncodeBatches benchmarks list encoding
func BenchmarkEncodeBatches(b *testing.B) {
	batches := make([]*kvstore.Batch, 10)
	for i := range batches {
		batches[i] = testBatch("batch", "t1", "t2")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeBatches(batches)
	}
}

// BenchmarkDecodeBatches benchmarks list decoding
func BenchmarkDecodeBatches(b *testing.B) {
	batches := make([]*kvstore.Batch, 10)
	for i := range batches {
		batches[i] = testBatch("batch", "t1", "t2")
	}
	data, _ := EncodeBatches(batches)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeBatches(data)
	}
}
