// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var hubDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kbcache_notify_hub_dropped_total",
	Help: "Messages dropped because a subscriber was not keeping up",
})

// Message is one notice or event delivered to a Hub subscriber.
type Message struct {
	// Kind is "notice" or "event".
	Kind   string  `json:"kind"`
	Notice *Notice `json:"notice,omitempty"`
	Event  *Event  `json:"event,omitempty"`
}

// Hub fans notices and events out to live subscribers, such as WebSocket
// clients.
//
// Delivery never blocks the caller: a subscriber whose buffer is full
// misses the message.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Message)}
}

// Subscribe registers a subscriber. The returned cancel func unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Message, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Notify implements Notifier.
func (h *Hub) Notify(_ context.Context, n Notice) {
	n.Time = stamp(n.Time)
	h.publish(Message{Kind: "notice", Notice: &n})
}

// Emit implements Notifier.
func (h *Hub) Emit(_ context.Context, e Event) {
	e.Time = stamp(e.Time)
	h.publish(Message{Kind: "event", Event: &e})
}

func (h *Hub) publish(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- m:
		default:
			hubDropped.Inc()
		}
	}
}
