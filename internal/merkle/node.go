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
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"

	"ledgerStore/pkg/pool"
)

// Node wire format (protobuf compatible):
//
//	message Node  { optional bytes value = 1; repeated Child children = 2; }
//	message Child { uint32 index = 1; bytes digest = 2; }
//
// Children are written in ascending index order so equal nodes always
// encode to equal bytes.
const (
	fieldValue    protowire.Number = 1
	fieldChildren protowire.Number = 2

	fieldChildIndex  protowire.Number = 1
	fieldChildDigest protowire.Number = 2
)

// DigestSize is the size of a node digest in bytes
const DigestSize = blake2b.Size256

// node is one vertex of the radix tree. The child at index b continues
// the key path with byte b.
type node struct {
	value    []byte
	hasValue bool
	children map[byte][]byte
}

func newNode() *node {
	return &node{children: make(map[byte][]byte)}
}

func (n *node) empty() bool {
	return !n.hasValue && len(n.children) == 0
}

func digest(encoded []byte) []byte {
	sum := blake2b.Sum256(encoded)
	return sum[:]
}

func encodeNode(n *node) []byte {
	var b []byte
	if n.hasValue {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, n.value)
	}

	indexes := make([]int, 0, len(n.children))
	for idx := range n.children {
		indexes = append(indexes, int(idx))
	}
	sort.Ints(indexes)

	child := pool.GetBuffer()
	defer func() { pool.PutBuffer(child) }()

	for _, idx := range indexes {
		child = child[:0]
		child = protowire.AppendTag(child, fieldChildIndex, protowire.VarintType)
		child = protowire.AppendVarint(child, uint64(idx))
		child = protowire.AppendTag(child, fieldChildDigest, protowire.BytesType)
		child = protowire.AppendBytes(child, n.children[byte(idx)])

		b = protowire.AppendTag(b, fieldChildren, protowire.BytesType)
		b = protowire.AppendBytes(b, child)
	}
	return b
}

func decodeNode(b []byte) (*node, error) {
	n := newNode()
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptNode, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		switch {
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: value: %v", ErrCorruptNode, protowire.ParseError(m))
			}
			n.value = append([]byte{}, v...)
			n.hasValue = true
			b = b[m:]

		case num == fieldChildren && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: child: %v", ErrCorruptNode, protowire.ParseError(m))
			}
			idx, d, err := decodeChild(v)
			if err != nil {
				return nil, err
			}
			n.children[idx] = d
			b = b[m:]

		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptNode, num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return n, nil
}

func decodeChild(b []byte) (byte, []byte, error) {
	var (
		idx        uint64
		d          []byte
		seenDigest bool
	)
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return 0, nil, fmt.Errorf("%w: %v", ErrCorruptNode, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		switch {
		case num == fieldChildIndex && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: child index: %v", ErrCorruptNode, protowire.ParseError(m))
			}
			idx = v
			b = b[m:]
		case num == fieldChildDigest && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: child digest: %v", ErrCorruptNode, protowire.ParseError(m))
			}
			d = append([]byte{}, v...)
			seenDigest = true
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return 0, nil, fmt.Errorf("%w: child field %d: %v", ErrCorruptNode, num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	if idx > 0xff {
		return 0, nil, fmt.Errorf("%w: child index %d out of range", ErrCorruptNode, idx)
	}
	if !seenDigest || len(d) != DigestSize {
		return 0, nil, fmt.Errorf("%w: child %d has a bad digest", ErrCorruptNode, idx)
	}
	return byte(idx), d, nil
}
