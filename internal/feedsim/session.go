package feedsim

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ema-screener/internal/model"
)

// session is one authenticated upstream connection and its channel
// subscriptions (channel name → symbols).
type session struct {
	conn *websocket.Conn
	out  chan []byte

	mu   sync.Mutex
	subs map[string]map[string]struct{}
	once sync.Once
	done chan struct{}
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn: conn,
		out:  make(chan []byte, 256),
		subs: make(map[string]map[string]struct{}),
		done: make(chan struct{}),
	}
}

func (s *session) add(channel, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[string]struct{})
	}
	s.subs[channel][symbol] = struct{}{}
}

func (s *session) remove(channel, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[channel], symbol)
	if len(s.subs[channel]) == 0 {
		delete(s.subs, channel)
	}
}

func (s *session) subscribed(key model.SubscriptionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key.Timeframe.Channel()][key.Symbol]
	return ok
}

func (s *session) timeframesFor(symbol string) map[model.Timeframe]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Timeframe]struct{})
	for ch, syms := range s.subs {
		if _, ok := syms[symbol]; ok {
			out[model.Timeframe(strings.TrimPrefix(ch, model.ChannelPrefix))] = struct{}{}
		}
	}
	return out
}

func (s *session) channels() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.subs))
	for ch, syms := range s.subs {
		list := make([]string, 0, len(syms))
		for sym := range syms {
			list = append(list, sym)
		}
		out = append(out, map[string]any{"name": ch, "symbols": list})
	}
	return out
}

// send drops the frame when the client is slow.
func (s *session) send(b []byte) {
	select {
	case s.out <- b:
	case <-s.done:
	default:
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
