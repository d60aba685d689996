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

package events

import (
	"encoding/json"
	"fmt"

	"ledgerStore/internal/kvstore"
)

// EventType 事件类型
type EventType string

const (
	EventSet    EventType = "Set"
	EventDelete EventType = "Delete"
)

// StateChangeEvent is the notification form of one committed state change.
type StateChangeEvent struct {
	Type  EventType
	Key   string
	Value []byte // Set only
}

// SetEvent builds a Set event
func SetEvent(key string, value []byte) StateChangeEvent {
	return StateChangeEvent{Type: EventSet, Key: key, Value: value}
}

// DeleteEvent builds a Delete event
func DeleteEvent(key string) StateChangeEvent {
	return StateChangeEvent{Type: EventDelete, Key: key}
}

// FromStateChange projects a state change into its event
func FromStateChange(change kvstore.StateChange) StateChangeEvent {
	if change.Type == kvstore.ChangeDelete {
		return DeleteEvent(change.Key)
	}
	return SetEvent(change.Key, change.Value)
}

// FromStateChanges projects a change list, one event per change in order
func FromStateChanges(changes []kvstore.StateChange) []StateChangeEvent {
	out := make([]StateChangeEvent, 0, len(changes))
	for _, change := range changes {
		out = append(out, FromStateChange(change))
	}
	return out
}

// String renders Set(key: k, payload_size: n) or Delete(key: k)
func (e StateChangeEvent) String() string {
	if e.Type == EventDelete {
		return fmt.Sprintf("Delete(key: %s)", e.Key)
	}
	return fmt.Sprintf("Set(key: %s, payload_size: %d)", e.Key, len(e.Value))
}

type setMessage struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type deleteMessage struct {
	Key string `json:"key"`
}

type eventJSON struct {
	EventType EventType       `json:"eventType"`
	Message   json.RawMessage `json:"message"`
}

// MarshalJSON encodes the event as {"eventType": ..., "message": {...}}
func (e StateChangeEvent) MarshalJSON() ([]byte, error) {
	var (
		msg []byte
		err error
	)
	switch e.Type {
	case EventSet:
		msg, err = json.Marshal(setMessage{Key: e.Key, Value: e.Value})
	case EventDelete:
		msg, err = json.Marshal(deleteMessage{Key: e.Key})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{EventType: e.Type, Message: msg})
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON
func (e *StateChangeEvent) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	switch in.EventType {
	case EventSet:
		var m setMessage
		if err := json.Unmarshal(in.Message, &m); err != nil {
			return fmt.Errorf("malformed Set event: %w", err)
		}
		*e = SetEvent(m.Key, m.Value)
	case EventDelete:
		var m deleteMessage
		if err := json.Unmarshal(in.Message, &m); err != nil {
			return fmt.Errorf("malformed Delete event: %w", err)
		}
		*e = DeleteEvent(m.Key)
	default:
		return fmt.Errorf("unknown event type %q", in.EventType)
	}
	return nil
}

// ParseEvent decodes one JSON event
func ParseEvent(data []byte) (StateChangeEvent, error) {
	var e StateChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return StateChangeEvent{}, fmt.Errorf("malformed state change event: %w", err)
	}
	return e, nil
}

// ParseEvents decodes a JSON array of events
func ParseEvents(data []byte) ([]StateChangeEvent, error) {
	var out []StateChangeEvent
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("malformed state change events: %w", err)
	}
	return out, nil
}
