// Package registry holds the live series managers keyed by (symbol,
// timeframe) and the ordered queue of watch-list commands.
package registry

import (
	"fmt"
	"slices"
	"sync"

	"ema-screener/internal/manager"
	"ema-screener/internal/model"
)

// Factory builds the manager for a newly subscribed pair.
type Factory func(key model.SubscriptionKey) (*manager.Manager, error)

// Registry maps each subscription key to exactly one manager. Reads are
// concurrent (the feed read loop looks up managers per tick); mutation
// happens only from the command consumer and the session rebuild.
type Registry struct {
	mu       sync.RWMutex
	managers map[model.SubscriptionKey]*manager.Manager

	// OnChange is called with the new size after every mutation.
	OnChange func(n int)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{managers: make(map[model.SubscriptionKey]*manager.Manager)}
}

// Lookup returns the manager for key.
func (r *Registry) Lookup(key model.SubscriptionKey) (*manager.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[key]
	return m, ok
}

// Ensure returns the manager for key, building it with f when absent.
// created reports whether f was called.
func (r *Registry) Ensure(key model.SubscriptionKey, f Factory) (m *manager.Manager, created bool, err error) {
	r.mu.Lock()
	if existing, ok := r.managers[key]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	m, err = f(key)
	if err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("creating manager %s: %w", key, err)
	}
	r.managers[key] = m
	n := len(r.managers)
	r.mu.Unlock()

	r.changed(n)
	return m, true, nil
}

// Remove drops and closes every manager of symbol and returns the removed
// keys. Once Remove returns none of them emits events any more.
func (r *Registry) Remove(symbol string) []model.SubscriptionKey {
	r.mu.Lock()
	var removed []model.SubscriptionKey
	var closing []*manager.Manager
	for k, m := range r.managers {
		if k.Symbol == symbol {
			delete(r.managers, k)
			removed = append(removed, k)
			closing = append(closing, m)
		}
	}
	n := len(r.managers)
	r.mu.Unlock()

	for _, m := range closing {
		m.Close()
	}
	if len(removed) > 0 {
		sortKeys(removed)
		r.changed(n)
	}
	return removed
}

// Clear drops and closes every manager.
func (r *Registry) Clear() {
	r.mu.Lock()
	closing := make([]*manager.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		closing = append(closing, m)
	}
	clear(r.managers)
	r.mu.Unlock()

	for _, m := range closing {
		m.Close()
	}
	r.changed(0)
}

// Symbols returns the distinct subscribed symbols, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.managers))
	for k := range r.managers {
		seen[k.Symbol] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Keys returns every subscribed key, sorted by symbol then timeframe.
func (r *Registry) Keys() []model.SubscriptionKey {
	r.mu.RLock()
	out := make([]model.SubscriptionKey, 0, len(r.managers))
	for k := range r.managers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sortKeys(out)
	return out
}

// Managers returns a snapshot of every manager in key order.
func (r *Registry) Managers() []*manager.Manager {
	keys := r.Keys()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*manager.Manager, 0, len(keys))
	for _, k := range keys {
		if m, ok := r.managers[k]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of managers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

func (r *Registry) changed(n int) {
	if r.OnChange != nil {
		r.OnChange(n)
	}
}

func sortKeys(keys []model.SubscriptionKey) {
	slices.SortFunc(keys, func(a, b model.SubscriptionKey) int {
		if a.Symbol != b.Symbol {
			if a.Symbol < b.Symbol {
				return -1
			}
			return 1
		}
		return int(a.Timeframe.Seconds() - b.Timeframe.Seconds())
	})
}
