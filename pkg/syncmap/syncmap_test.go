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

package syncmap

import (
	"sync"
	"testing"
)

func TestMapSize(t *testing.T) {
	m := NewMap[string, int]()

	if _, loaded := m.LoadOrStore("a", 1); loaded {
		t.Fatal("a should be new")
	}
	if v, loaded := m.LoadOrStore("a", 2); !loaded || v != 1 {
		t.Fatalf("LoadOrStore(a) = %d, %v; want 1, true", v, loaded)
	}
	m.LoadOrStore("b", 2)

	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}

	m.Delete("a")
	m.Delete("a")
	if m.Len() != 1 {
		t.Fatalf("Len after delete = %d, want 1", m.Len())
	}

	if _, ok := m.Load("a"); ok {
		t.Error("a should be gone")
	}
}

func TestMapConcurrent(t *testing.T) {
	m := NewMap[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.LoadOrStore(base*100+j, j)
			}
			for j := 0; j < 50; j++ {
				m.LoadAndDelete(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if m.Len() != 8*50 {
		t.Fatalf("Len = %d, want %d", m.Len(), 8*50)
	}

	count := 0
	m.Range(func(k, v int) bool {
		count++
		return true
	})
	if count != m.Len() {
		t.Errorf("Range visited %d, Len = %d", count, m.Len())
	}
}
