// Package hub fans signal events out to downstream subscribers and accepts
// watch-list commands from them.
package hub

import (
	"context"
	"log"
	"slices"
	"sync"

	"github.com/google/uuid"

	"ema-screener/internal/model"
)

// Subscriber receives encoded events. A Send error removes the subscriber.
type Subscriber interface {
	Send(msg []byte) error
	Close()
}

// CommandSink accepts watch-list commands from subscribers.
type CommandSink interface {
	Submit(ctx context.Context, cmd model.Command) error
}

// Hub tracks subscribers and the latest event per pair, replayed to every
// newly registered subscriber.
type Hub struct {
	commands CommandSink

	mu     sync.RWMutex
	subs   map[string]Subscriber
	latest map[model.SubscriptionKey][]byte

	// Optional hooks, used for metrics.
	OnDrop  func()
	OnCount func(n int)
}

var _ model.Broadcaster = (*Hub)(nil)

// New creates a Hub. commands may be nil, in which case inbound commands
// are rejected.
func New(commands CommandSink) *Hub {
	return &Hub{
		commands: commands,
		subs:     make(map[string]Subscriber),
		latest:   make(map[model.SubscriptionKey][]byte),
	}
}

// Register adds sub, replays the latest event of every pair to it and
// returns its id.
func (h *Hub) Register(sub Subscriber) string {
	id := uuid.NewString()

	h.mu.Lock()
	h.subs[id] = sub
	n := len(h.subs)
	replay := h.latestLocked()
	h.mu.Unlock()

	h.count(n)
	for _, msg := range replay {
		if err := sub.Send(msg); err != nil {
			h.drop(id, err)
			break
		}
	}
	return id
}

// Unregister removes and closes the subscriber. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		sub.Close()
		h.count(n)
	}
}

// Broadcast sends the event to every subscriber. Subscribers whose send
// fails are removed; the rest still receive it.
func (h *Hub) Broadcast(ev model.Event) {
	msg := ev.JSON()

	h.mu.Lock()
	h.latest[ev.Key()] = msg
	targets := make(map[string]Subscriber, len(h.subs))
	for id, s := range h.subs {
		targets[id] = s
	}
	h.mu.Unlock()

	for id, s := range targets {
		if err := s.Send(msg); err != nil {
			h.drop(id, err)
		}
	}
}

// Forget drops the replay entry of key, e.g. after an unsubscribe.
func (h *Hub) Forget(key model.SubscriptionKey) {
	h.mu.Lock()
	delete(h.latest, key)
	h.mu.Unlock()
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) drop(id string, err error) {
	log.Printf("[hub] dropping subscriber %s: %v", id, err)
	if h.OnDrop != nil {
		h.OnDrop()
	}
	h.Unregister(id)
}

func (h *Hub) count(n int) {
	if h.OnCount != nil {
		h.OnCount(n)
	}
}

// latestLocked returns the replay set ordered by pair.
func (h *Hub) latestLocked() [][]byte {
	keys := make([]model.SubscriptionKey, 0, len(h.latest))
	for k := range h.latest {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b model.SubscriptionKey) int {
		if a.String() < b.String() {
			return -1
		}
		if a.String() > b.String() {
			return 1
		}
		return 0
	})
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = h.latest[k]
	}
	return out
}
