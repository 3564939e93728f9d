// Copyright 2025 Kandra Authors
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

import "sync"

// Bus is an in-process pub/sub bus keyed by channel name.
//
// Each subscriber owns an unbounded queue: a slow consumer delays only its
// own delivery goroutine and never drops events or blocks publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Publish delivers env to every subscriber of channel. It never blocks.
func (b *Bus) Publish(channel string, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		sub.push(env)
	}
}

// Subscribe registers a new subscriber on channel. The caller must call
// Close on the returned subscription when done.
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		bus:     b,
		channel: channel,
		ch:      make(chan Envelope),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub
}

// SubscriberCount reports the number of subscribers on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// Subscription is one subscriber's view of a channel.
type Subscription struct {
	bus     *Bus
	channel string
	ch      chan Envelope

	mu     sync.Mutex
	queue  []Envelope
	closed bool

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// Close unregisters the subscription and releases its delivery goroutine.
// Queued but undelivered events are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
}

func (s *Subscription) push(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.ch)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, env := range batch {
			select {
			case s.ch <- env:
			case <-s.done:
				return
			}
		}

		if closed {
			return
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
