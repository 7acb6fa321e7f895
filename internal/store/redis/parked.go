package redis

import (
	"sync"

	"ema-screener/internal/model"
)

const defaultParkedLimit = 10000

type parkedWrite struct {
	series []byte // nil when only the state was parked
	state  []byte
}

// parkedWrites holds the latest snapshot per key while the breaker is open.
// Older snapshots for the same key are superseded, never replayed.
type parkedWrites struct {
	mu    sync.Mutex
	byKey map[model.SubscriptionKey]parkedWrite
	limit int
}

func newParkedWrites(limit int) *parkedWrites {
	return &parkedWrites{byKey: make(map[model.SubscriptionKey]parkedWrite), limit: limit}
}

func (p *parkedWrites) put(key model.SubscriptionKey, series, state []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byKey[key]; !ok && len(p.byKey) >= p.limit {
		return
	}
	p.byKey[key] = parkedWrite{series: series, state: state}
}

// updateState refreshes the state of an already parked snapshot so a later
// flush does not regress it. Reports whether the key was parked.
func (p *parkedWrites) updateState(key model.SubscriptionKey, state []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byKey[key]
	if !ok {
		return false
	}
	w.state = state
	p.byKey[key] = w
	return true
}

// remove forgets key after a newer snapshot was written directly.
func (p *parkedWrites) remove(key model.SubscriptionKey) {
	p.mu.Lock()
	delete(p.byKey, key)
	p.mu.Unlock()
}

func (p *parkedWrites) drain() map[model.SubscriptionKey]parkedWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.byKey
	p.byKey = make(map[model.SubscriptionKey]parkedWrite)
	return out
}

func (p *parkedWrites) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}
