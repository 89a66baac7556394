/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package alert

import (
	"sync"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const defaultSubscriberBuffer = 64

// Transition is one alert state change as delivered to subscribers.
type Transition struct {
	Alert models.Alert
	Event models.AlertEvent
}

// Broker fans transitions out to in-process subscribers. A subscriber whose
// buffer is full misses the transition; the store keeps the full history.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Transition
	next    int
	dropped uint64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Transition)}
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	ch := make(chan Transition, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) publish(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			b.dropped++
		}
	}
}

// Dropped counts transitions lost to full subscriber buffers.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dropped
}
