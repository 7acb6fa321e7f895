package hub

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"ema-screener/internal/model"
)

type fakeSub struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (f *fakeSub) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSub) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func event(sym string, typ model.EventType) model.Event {
	return model.Event{Type: typ, Symbol: sym, Timeframe: "15m", Signal: model.UnavailableState(), Status: "live"}
}

func TestHub_FailedSendRemovesOnlyThatSubscriber(t *testing.T) {
	h := New(nil)
	drops := 0
	h.OnDrop = func() { drops++ }

	good1, bad, good2 := &fakeSub{}, &fakeSub{fail: true}, &fakeSub{}
	h.Register(good1)
	h.Register(bad)
	h.Register(good2)
	require.Equal(t, 3, h.Len())

	h.Broadcast(event("BTCUSD", model.EventLiveUpdate))

	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 1, good1.received())
	assert.Equal(t, 1, good2.received())
	assert.True(t, bad.closed)
	assert.Equal(t, 1, drops)

	h.Broadcast(event("BTCUSD", model.EventCrossoverAlert))
	assert.Equal(t, 2, good1.received())
}

func TestHub_ReplaysLatestPerPair(t *testing.T) {
	h := New(nil)
	h.Broadcast(event("ETHUSD", model.EventLiveUpdate))
	h.Broadcast(event("BTCUSD", model.EventLiveUpdate))
	h.Broadcast(event("BTCUSD", model.EventCrossoverAlert))

	sub := &fakeSub{}
	h.Register(sub)

	require.Equal(t, 2, sub.received())
	assert.Equal(t, "BTCUSD", gjson.GetBytes(sub.msgs[0], "symbol").String())
	assert.Equal(t, "crossover_alert", gjson.GetBytes(sub.msgs[0], "type").String())
	assert.Equal(t, "ETHUSD", gjson.GetBytes(sub.msgs[1], "symbol").String())

	h.Forget(model.SubscriptionKey{Symbol: "ETHUSD", Timeframe: "15m"})
	late := &fakeSub{}
	h.Register(late)
	assert.Equal(t, 1, late.received())
}

func TestHub_UnregisterClosesAndCounts(t *testing.T) {
	h := New(nil)
	var counts []int
	h.OnCount = func(n int) { counts = append(counts, n) }

	sub := &fakeSub{}
	id := h.Register(sub)
	h.Unregister(id)
	h.Unregister(id)
	h.Unregister("unknown")

	assert.True(t, sub.closed)
	assert.Zero(t, h.Len())
	assert.Equal(t, []int{1, 0}, counts)
}

type recordingSink struct {
	mu   sync.Mutex
	cmds []model.Command
}

func (r *recordingSink) Submit(_ context.Context, cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingSink) commands() []model.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Command(nil), r.cmds...)
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvents reads one frame and splits coalesced messages.
func readEvents(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	return strings.Split(string(raw), "\n")
}

func TestHandler_StreamsEventsAndAcceptsCommands(t *testing.T) {
	sink := &recordingSink{}
	h := New(sink)
	h.Broadcast(event("BTCUSD", model.EventLiveUpdate))

	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	replay := readEvents(t, conn)
	require.Len(t, replay, 1)
	assert.Equal(t, "BTCUSD", gjson.Get(replay[0], "symbol").String())

	h.Broadcast(event("ETHUSD", model.EventCrossoverAlert))
	got := readEvents(t, conn)
	assert.Equal(t, "crossover_alert", gjson.Get(got[0], "type").String())

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "symbol": "SOLUSD"}))
	ack := readEvents(t, conn)
	assert.Equal(t, "ack", gjson.Get(ack[0], "type").String())
	assert.Equal(t, []model.Command{{Action: model.ActionSubscribe, Symbol: "SOLUSD"}}, sink.commands())

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "explode", "symbol": "SOLUSD"}))
	nack := readEvents(t, conn)
	assert.Equal(t, "error", gjson.Get(nack[0], "type").String())
	assert.Len(t, sink.commands(), 1)
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	h := New(nil)
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Broadcasting after the peer left is harmless.
	h.Broadcast(event("BTCUSD", model.EventLiveUpdate))
}
