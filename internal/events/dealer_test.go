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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("subscription not closed")
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	d := NewDealer(DefaultConfig(), nil, nil)
	defer d.Stop()

	sub, err := d.Subscribe(SubscribeRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())

	require.NoError(t, d.Publish([]StateChangeEvent{SetEvent("a", []byte("1")), SetEvent("b", []byte("2"))}))
	require.NoError(t, d.Publish([]StateChangeEvent{DeleteEvent("a")}))

	first := receive(t, sub)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Len(t, first.Events, 2)

	second := receive(t, sub)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, []StateChangeEvent{DeleteEvent("a")}, second.Events)
}

func TestSubscribeReplaysHistory(t *testing.T) {
	d := NewDealer(Config{HistorySize: 3}, nil, nil)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Publish([]StateChangeEvent{SetEvent("k", []byte{byte(i)})}))
	}

	// everything retained
	all, err := d.Subscribe(SubscribeRequest{})
	require.NoError(t, err)
	for _, want := range []uint64{3, 4, 5} {
		assert.Equal(t, want, receive(t, all).Sequence)
	}

	// resume after 4
	sub, err := d.Subscribe(SubscribeRequest{Since: 4})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), receive(t, sub).Sequence)

	// 1 was evicted from history
	_, err = d.Subscribe(SubscribeRequest{Since: 1})
	assert.ErrorIs(t, err, ErrHistoryGap)

	// 2 is fine: 3 is the next one and still retained
	_, err = d.Subscribe(SubscribeRequest{Since: 2})
	assert.NoError(t, err)

	// up to date, live only
	live, err := d.Subscribe(SubscribeRequest{Since: 5})
	require.NoError(t, err)
	require.NoError(t, d.Publish(nil))
	assert.Equal(t, uint64(6), receive(t, live).Sequence)

	// 6 pushed 3 out, so resuming after 2 is now a gap
	_, err = d.Subscribe(SubscribeRequest{Since: 2})
	assert.ErrorIs(t, err, ErrHistoryGap)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	d := NewDealer(Config{SubscriberBuffer: 1}, nil, nil)
	defer d.Stop()

	slow, err := d.Subscribe(SubscribeRequest{})
	require.NoError(t, err)
	fast, err := d.Subscribe(SubscribeRequest{Buffer: 10})
	require.NoError(t, err)

	require.NoError(t, d.Publish([]StateChangeEvent{DeleteEvent("a")}))
	err = d.Publish([]StateChangeEvent{DeleteEvent("b")})
	assert.ErrorIs(t, err, ErrSlowSubscriber)

	assert.Equal(t, 1, d.Subscribers())
	assert.Equal(t, uint64(1), receive(t, slow).Sequence)
	requireClosed(t, slow)

	assert.Equal(t, uint64(1), receive(t, fast).Sequence)
	assert.Equal(t, uint64(2), receive(t, fast).Sequence)
}

func TestSubscriberLimit(t *testing.T) {
	d := NewDealer(Config{MaxSubscribers: 1}, nil, nil)
	defer d.Stop()

	sub, err := d.Subscribe(SubscribeRequest{})
	require.NoError(t, err)

	_, err = d.Subscribe(SubscribeRequest{})
	assert.ErrorIs(t, err, ErrTooManySubscribers)

	sub.Cancel()
	sub.Cancel()
	requireClosed(t, sub)

	_, err = d.Subscribe(SubscribeRequest{})
	assert.NoError(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	d := NewDealer(DefaultConfig(), nil, nil)

	sub, err := d.Subscribe(SubscribeRequest{})
	require.NoError(t, err)

	d.Stop()
	d.Stop()
	requireClosed(t, sub)
	sub.Cancel()

	assert.ErrorIs(t, d.Publish(nil), ErrStopped)
	_, err = d.Subscribe(SubscribeRequest{})
	assert.ErrorIs(t, err, ErrStopped)
}
