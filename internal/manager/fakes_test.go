package manager

import (
	"context"
	"sync"
	"time"

	"ema-screener/internal/model"
)

type fetchCall struct {
	start, end time.Time
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	candles []model.Candle
	err     error
	block   chan struct{} // when set, Fetch waits for it to close
	deaf    bool          // wait for block even after ctx is cancelled
}

func (f *fakeFetcher) Fetch(ctx context.Context, key model.SubscriptionKey, start, end time.Time) ([]model.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{start: start, end: end})
	block, deaf := f.block, f.deaf
	f.mu.Unlock()
	if block != nil && deaf {
		<-block
	} else if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Candle
	for _, c := range f.candles {
		if !c.Time.Before(start) && !c.Time.After(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

type fakeCache struct {
	mu         sync.Mutex
	candles    []model.Candle
	state      model.SignalState
	found      bool
	loadErr    error
	saves      int
	stateSaves int
	lastSaved  []model.Candle
}

func (c *fakeCache) Save(_ context.Context, _ model.SubscriptionKey, candles []model.Candle, state model.SignalState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.lastSaved = candles
	c.state = state
	return nil
}

func (c *fakeCache) SaveState(_ context.Context, _ model.SubscriptionKey, state model.SignalState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSaves++
	c.state = state
	return nil
}

func (c *fakeCache) Load(context.Context, model.SubscriptionKey) ([]model.Candle, model.SignalState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, model.SignalState{}, false, c.loadErr
	}
	return c.candles, c.state, c.found, nil
}

func (c *fakeCache) Close() error { return nil }

func (c *fakeCache) counts() (saves, stateSaves int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves, c.stateSaves
}

type fakeSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *fakeSink) SendAlert(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *fakeSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *fakeBroadcaster) Broadcast(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBroadcaster) count(typ model.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
