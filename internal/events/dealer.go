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
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerStore/pkg/metrics"
	"ledgerStore/pkg/syncmap"
)

var (
	// ErrStopped is returned after the dealer has been stopped.
	ErrStopped = errors.New("events: dealer stopped")

	// ErrTooManySubscribers is returned when the subscriber limit is reached.
	ErrTooManySubscribers = errors.New("events: too many subscribers")

	// ErrHistoryGap is returned when a subscriber asks to resume from a
	// sequence older than the retained history.
	ErrHistoryGap = errors.New("events: requested sequence no longer retained")

	// ErrSlowSubscriber is returned by Publish when at least one subscriber
	// fell behind and was dropped.
	ErrSlowSubscriber = errors.New("events: slow subscriber dropped")
)

// Envelope is the unit delivered to subscribers: the events of one commit.
type Envelope struct {
	Sequence uint64             `json:"sequence"`
	Events   []StateChangeEvent `json:"events"`
}

// Config 事件分发配置
type Config struct {
	HistorySize      int // retained envelopes, 0 disables replay
	MaxSubscribers   int
	SubscriberBuffer int
}

// DefaultConfig returns the default dealer limits
func DefaultConfig() Config {
	return Config{HistorySize: 1024, MaxSubscribers: 128, SubscriberBuffer: 64}
}

// SubscribeRequest selects where a subscription starts.
// Since is the last sequence the subscriber has seen: retained envelopes
// after it are replayed before live delivery. Zero replays everything
// retained.
type SubscribeRequest struct {
	Since  uint64
	Buffer int // 0 selects Config.SubscriberBuffer
}

// Subscription receives envelopes until cancelled, dropped or the dealer stops.
type Subscription struct {
	id     string
	ch     chan Envelope
	dealer *Dealer
	closed bool // guarded by dealer.mu
}

// ID returns the subscription id
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Cancel ends the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.dealer.mu.Lock()
	defer s.dealer.mu.Unlock()
	s.dealer.closeLocked(s)
}

// Dealer fans committed state change events out to in-process subscribers
// and keeps a bounded local history for replay.
type Dealer struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// mu serializes publish, subscribe, and close so a subscription
	// channel is never sent to after it is closed.
	mu      sync.Mutex
	seq     uint64
	history []Envelope
	stopped bool

	subs *syncmap.Map[string, *Subscription]
}

// NewDealer creates a dealer. logger and m may be nil.
func NewDealer(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Dealer {
	def := DefaultConfig()
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = def.MaxSubscribers
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dealer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		subs:    syncmap.NewMap[string, *Subscription](),
	}
}

// Publish delivers one commit's events to every subscriber without
// blocking. Subscribers whose buffer is full are dropped.
func (d *Dealer) Publish(events []StateChangeEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}

	d.seq++
	env := Envelope{Sequence: d.seq, Events: events}

	if d.cfg.HistorySize > 0 {
		d.history = append(d.history, env)
		if over := len(d.history) - d.cfg.HistorySize; over > 0 {
			d.history = append(d.history[:0:0], d.history[over:]...)
		}
	}

	dropped := 0
	d.subs.Range(func(id string, sub *Subscription) bool {
		select {
		case sub.ch <- env:
		default:
			d.logger.Warn("dropping slow subscriber",
				zap.String("subscription_id", id),
				zap.Uint64("sequence", env.Sequence))
			d.closeLocked(sub)
			d.metrics.RecordSubscriberDropped()
			dropped++
		}
		return true
	})

	d.metrics.RecordEventsPublished(len(events))

	if dropped > 0 {
		return fmt.Errorf("%w: %d subscriber(s)", ErrSlowSubscriber, dropped)
	}
	return nil
}

// Subscribe registers a new subscriber
func (d *Dealer) Subscribe(req SubscribeRequest) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrStopped
	}
	if d.subs.Len() >= d.cfg.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	replay, err := d.replayLocked(req.Since)
	if err != nil {
		return nil, err
	}

	buffer := req.Buffer
	if buffer <= 0 {
		buffer = d.cfg.SubscriberBuffer
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		ch:     make(chan Envelope, buffer+len(replay)),
		dealer: d,
	}
	for _, env := range replay {
		sub.ch <- env
	}

	d.subs.LoadOrStore(sub.id, sub)
	d.metrics.SubscriptionOpened()

	d.logger.Debug("state subscription opened",
		zap.String("subscription_id", sub.id),
		zap.Uint64("since", req.Since),
		zap.Int("replayed", len(replay)))

	return sub, nil
}

// Sequence returns the sequence of the last published envelope
func (d *Dealer) Sequence() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Subscribers returns the number of open subscriptions
func (d *Dealer) Subscribers() int {
	return d.subs.Len()
}

// Stop closes every subscription and rejects further calls. Idempotent.
func (d *Dealer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true

	d.subs.Range(func(_ string, sub *Subscription) bool {
		d.closeLocked(sub)
		return true
	})
	d.history = nil
}

func (d *Dealer) replayLocked(since uint64) ([]Envelope, error) {
	if since >= d.seq {
		return nil, nil
	}

	// oldest sequence still retained, seq+1 when nothing is
	oldest := d.seq + 1
	if len(d.history) > 0 {
		oldest = d.history[0].Sequence
	}
	if since > 0 && since+1 < oldest {
		return nil, fmt.Errorf("%w: since %d, oldest retained %d", ErrHistoryGap, since, oldest)
	}

	var out []Envelope
	for _, env := range d.history {
		if env.Sequence > since {
			out = append(out, env)
		}
	}
	return out, nil
}

func (d *Dealer) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	d.subs.Delete(sub.id)
	close(sub.ch)
	d.metrics.SubscriptionClosed()
}
