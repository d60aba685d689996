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
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"ledgerStore/internal/kvstore"
)

// Administrative settings record written by the genesis state
const (
	AdminSettingAddress = "000000a87cb5eafdcca6a814e4add97c4b517d3c530c2f44b31d18e3b0c44298fc1c14"
	AdminSettingKey     = "sawtooth.swa.administrators"
)

// SettingEntry is one key/value pair of a Setting
type SettingEntry struct {
	Key   string
	Value string
}

// Setting wire format:
//
//	message Setting {
//	  message Entry { string key = 1; string value = 2; }
//	  repeated Entry entries = 1;
//	}
type Setting struct {
	Entries []SettingEntry
}

// Marshal encodes the setting in protobuf wire format
func (s Setting) Marshal() []byte {
	var out []byte
	for _, e := range s.Entries {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, e.Key)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, e.Value)

		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

var errMalformedSetting = errors.New("malformed setting")

// UnmarshalSetting decodes a Setting. Unknown fields are skipped.
func UnmarshalSetting(b []byte) (Setting, error) {
	var s Setting
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Setting{}, fmt.Errorf("%w: %v", errMalformedSetting, protowire.ParseError(n))
		}
		b = b[n:]

		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Setting{}, fmt.Errorf("%w: %v", errMalformedSetting, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Setting{}, fmt.Errorf("%w: %v", errMalformedSetting, protowire.ParseError(n))
		}
		b = b[n:]

		entry, err := unmarshalEntry(raw)
		if err != nil {
			return Setting{}, err
		}
		s.Entries = append(s.Entries, entry)
	}
	return s, nil
}

func unmarshalEntry(b []byte) (SettingEntry, error) {
	var e SettingEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return SettingEntry{}, fmt.Errorf("%w: entry: %v", errMalformedSetting, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.BytesType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return SettingEntry{}, fmt.Errorf("%w: entry: %v", errMalformedSetting, protowire.ParseError(n))
			}
			b = b[n:]
			if num == 1 {
				e.Key = v
			} else {
				e.Value = v
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return SettingEntry{}, fmt.Errorf("%w: entry: %v", errMalformedSetting, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}

// GenesisChanges returns the state changes of the initial version: the
// administrators setting holding the comma joined admin keys.
func GenesisChanges(adminKeys []string) []kvstore.StateChange {
	setting := Setting{Entries: []SettingEntry{{
		Key:   AdminSettingKey,
		Value: strings.Join(adminKeys, ","),
	}}}
	return []kvstore.StateChange{kvstore.SetChange(AdminSettingAddress, setting.Marshal())}
}
