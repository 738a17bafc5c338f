// Copyright 2025 Tom Barlow
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

// Package broadcast fans run events out to subscribers. Channels are
// named run:<id> for the private surface and public-run:<id> for the
// public one; a subscriber sees the events of exactly one channel, in
// publish order.
package broadcast

import (
	"sync"

	"github.com/tombee/cascade/pkg/run"
)

// ChannelPrivate and ChannelPublic build the channel name for a run.
func ChannelPrivate(runID string) string { return "run:" + runID }
func ChannelPublic(runID string) string  { return "public-run:" + runID }

// subscriberBuffer bounds how far a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 64

// Subscription is one subscriber's view of a channel.
type Subscription struct {
	ch     chan *run.Event
	cancel func()
}

// Events returns the subscriber's event stream. The channel is closed
// when the subscription is cancelled or the channel itself closes.
func (s *Subscription) Events() <-chan *run.Event { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

// Broker is the channel-to-subscribers registry.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{channels: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches a new subscriber to a channel.
func (b *Broker) Subscribe(channel string) *Subscription {
	sub := &Subscription{ch: make(chan *run.Event, subscriberBuffer)}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.channels[channel]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.channels, channel)
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	b.mu.Lock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every current subscriber of the channel.
// Delivery never blocks: a subscriber whose buffer is full loses the
// event rather than stalling the run.
func (b *Broker) Publish(channel string, ev *run.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.channels[channel]))
	for sub := range b.channels[channel] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// CloseChannel detaches every subscriber of the channel, closing their
// streams. Published after the terminal event so streams end cleanly.
func (b *Broker) CloseChannel(channel string) {
	b.mu.Lock()
	subs := b.channels[channel]
	delete(b.channels, channel)
	b.mu.Unlock()

	for sub := range subs {
		s := sub
		// cancel() re-checks the registry; the entry is already gone,
		// so this only closes the stream.
		s.cancel()
	}
}

// Subscribers reports the current subscriber count of a channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}
