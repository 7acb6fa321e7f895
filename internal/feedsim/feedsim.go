// Package feedsim is a simulated upstream exchange: signed WebSocket auth,
// candlestick channel subscriptions, a random-walk live stream and a
// deterministic REST candle history. Used by cmd/feedsim and by tests.
package feedsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"ema-screener/internal/feed"
	"ema-screener/internal/model"
)

// Config holds simulator settings.
type Config struct {
	APIKey    string
	APISecret string

	// Prices maps each known symbol to its starting price.
	Prices map[string]float64

	// Interval is the live broadcast period. Defaults to 1s.
	Interval time.Duration

	// MaxHistoryBars caps one REST response. Defaults to 2000.
	MaxHistoryBars int
}

func (c *Config) defaults() {
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.MaxHistoryBars == 0 {
		c.MaxHistoryBars = 2000
	}
	if len(c.Prices) == 0 {
		c.Prices = map[string]float64{"BTCUSD": 65000, "ETHUSD": 3200}
	}
}

// Server is the simulated upstream.
type Server struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[*session]struct{}
	prices   map[string]float64
	bars     map[model.SubscriptionKey]model.Candle // forming bar per pair

	historyRequests int
}

// New creates a Server.
func New(cfg Config) *Server {
	cfg.defaults()
	prices := make(map[string]float64, len(cfg.Prices))
	for s, p := range cfg.Prices {
		prices[s] = p
	}
	return &Server{
		cfg:      cfg,
		sessions: make(map[*session]struct{}),
		prices:   prices,
		bars:     make(map[model.SubscriptionKey]model.Candle),
	}
}

// Handler serves /live (WebSocket), /history/candles (REST) and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", s.serveLive)
	mux.HandleFunc("/history/candles", s.serveHistory)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})
	return mux
}

// Run drives the random-walk generator until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.step(now.UTC(), rng)
		}
	}
}

// step walks every price and pushes the forming bar of each subscribed pair.
func (s *Server) step(now time.Time, rng *rand.Rand) {
	s.mu.Lock()
	var ticks []model.Tick
	for sym, p := range s.prices {
		p = walkPrice(p, rng)
		s.prices[sym] = p
		for _, tf := range s.subscribedTimeframesLocked(sym) {
			key := model.SubscriptionKey{Symbol: sym, Timeframe: tf}
			ticks = append(ticks, model.Tick{Key: key, Candle: s.updateBarLocked(key, now, p, rng)})
		}
	}
	s.mu.Unlock()

	for _, t := range ticks {
		s.Emit(t)
	}
}

// walkPrice applies a tiny random walk (±0.1%).
func walkPrice(price float64, rng *rand.Rand) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	return math.Max(price*(1+pct), 0.01)
}

func (s *Server) updateBarLocked(key model.SubscriptionKey, now time.Time, price float64, rng *rand.Rand) model.Candle {
	start := key.Timeframe.Align(now)
	p := decimal.NewFromFloat(price).Round(2)
	vol := decimal.NewFromInt(int64(rng.Intn(100) + 1))

	bar, ok := s.bars[key]
	if !ok || !bar.Time.Equal(start) {
		bar = model.Candle{Time: start, Open: p, High: p, Low: p, Close: p, Volume: vol}
	} else {
		bar.High = decimal.Max(bar.High, p)
		bar.Low = decimal.Min(bar.Low, p)
		bar.Close = p
		bar.Volume = bar.Volume.Add(vol)
	}
	s.bars[key] = bar
	return bar
}

func (s *Server) subscribedTimeframesLocked(symbol string) []model.Timeframe {
	seen := make(map[model.Timeframe]struct{})
	var out []model.Timeframe
	for sess := range s.sessions {
		for tf := range sess.timeframesFor(symbol) {
			if _, dup := seen[tf]; !dup {
				seen[tf] = struct{}{}
				out = append(out, tf)
			}
		}
	}
	return out
}

// Emit sends one candlestick message to every session subscribed to the pair.
func (s *Server) Emit(t model.Tick) {
	msg := CandlestickMessage(t)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		if sess.subscribed(t.Key) {
			sess.send(msg)
		}
	}
}

// EmitRaw sends an arbitrary frame to every authenticated session.
func (s *Server) EmitRaw(b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		sess.send(b)
	}
}

// DisconnectAll drops every session.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// Sessions returns the number of authenticated sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Subscribed reports whether any session is subscribed to key.
func (s *Server) Subscribed(key model.SubscriptionKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		if sess.subscribed(key) {
			return true
		}
	}
	return false
}

// HistoryRequests returns how many REST history calls were served.
func (s *Server) HistoryRequests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.historyRequests
}

// CandlestickMessage renders a tick as the upstream candlestick frame.
func CandlestickMessage(t model.Tick) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":              t.Key.Timeframe.Channel(),
		"symbol":            t.Key.Symbol,
		"resolution":        string(t.Key.Timeframe),
		"candle_start_time": t.Candle.Time.Unix() * 1_000_000,
		"open":              t.Candle.Open.String(),
		"high":              t.Candle.High.String(),
		"low":               t.Candle.Low.String(),
		"close":             t.Candle.Close.String(),
		"volume":            t.Candle.Volume.String(),
	})
	return b
}

// ─── REST history ────────────────────────────────────────────────────────────

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	tf, err := model.ParseTimeframe(q.Get("resolution"))
	start, errS := strconv.ParseInt(q.Get("start"), 10, 64)
	end, errE := strconv.ParseInt(q.Get("end"), 10, 64)

	s.mu.Lock()
	s.historyRequests++
	base, known := s.cfg.Prices[symbol]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err != nil || errS != nil || errE != nil || !known {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"code": "bad_request"},
		})
		return
	}

	bars := History(model.SubscriptionKey{Symbol: symbol, Timeframe: tf}, base,
		time.Unix(start, 0), time.Unix(end, 0), s.cfg.MaxHistoryBars)
	rows := make([]map[string]any, 0, len(bars))
	for _, c := range bars {
		rows = append(rows, map[string]any{
			"time":   c.Time.Unix(),
			"open":   c.Open.InexactFloat64(),
			"high":   c.High.InexactFloat64(),
			"low":    c.Low.InexactFloat64(),
			"close":  c.Close.InexactFloat64(),
			"volume": c.Volume.InexactFloat64(),
		})
	}
	json.NewEncoder(w).Encode(map[string]any{"success": true, "result": rows})
}

// History returns the deterministic closed bars of key in [start, end],
// keeping at most the latest limit. Prices oscillate around base so the
// series contains EMA crossovers.
func History(key model.SubscriptionKey, base float64, start, end time.Time, limit int) []model.Candle {
	tf := key.Timeframe.Duration()
	if tf <= 0 {
		return nil
	}
	first := key.Timeframe.Align(start)
	if first.Before(start) {
		first = first.Add(tf)
	}
	// Only bars that closed by end.
	last := key.Timeframe.Align(end).Add(-tf)
	if last.Before(first) {
		return nil
	}
	if n := int(last.Sub(first)/tf) + 1; limit > 0 && n > limit {
		first = last.Add(-time.Duration(limit-1) * tf)
	}

	out := make([]model.Candle, 0, int(last.Sub(first)/tf)+1)
	for t := first; !t.After(last); t = t.Add(tf) {
		out = append(out, syntheticBar(t, tf, base))
	}
	return out
}

func syntheticBar(t time.Time, tf time.Duration, base float64) model.Candle {
	idx := float64(t.Unix() / int64(tf/time.Second))
	price := func(x float64) float64 {
		return base * (1 + 0.02*math.Sin(x/11) + 0.006*math.Sin(x/3))
	}
	open, cls := price(idx-0.5), price(idx)
	hi, lo := math.Max(open, cls)*1.001, math.Min(open, cls)*0.999
	return model.Candle{
		Time:   t.UTC(),
		Open:   decimal.NewFromFloat(open).Round(2),
		High:   decimal.NewFromFloat(hi).Round(2),
		Low:    decimal.NewFromFloat(lo).Round(2),
		Close:  decimal.NewFromFloat(cls).Round(2),
		Volume: decimal.NewFromInt(100 + int64(idx)%50),
	}
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feedsim] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		log.Printf("[feedsim] %s: %v", r.RemoteAddr, err)
		return
	}

	sess := newSession(conn)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	log.Printf("[feedsim] session opened: %s", r.RemoteAddr)

	go sess.writePump()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.close()
		log.Printf("[feedsim] session closed: %s", r.RemoteAddr)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(sess, raw)
	}
}

func (s *Server) authenticate(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("auth read: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg := gjson.ParseBytes(raw)
	ts := msg.Get("payload.timestamp").String()
	ok := msg.Get("type").String() == feed.TypeAuth &&
		msg.Get("payload.api-key").String() == s.cfg.APIKey &&
		msg.Get("payload.signature").String() == feed.Sign(s.cfg.APISecret, ts)

	if !ok {
		conn.WriteJSON(map[string]any{"type": feed.TypeError, "success": false, "message": "Unauthorized"})
		return fmt.Errorf("auth rejected")
	}
	return conn.WriteJSON(map[string]any{"type": feed.TypeSuccess, "message": "Authenticated"})
}

func (s *Server) handleFrame(sess *session, raw []byte) {
	msg := gjson.ParseBytes(raw)
	typ := msg.Get("type").String()
	if typ != feed.TypeSubscribe && typ != feed.TypeUnsubscribe {
		return
	}
	for _, ch := range msg.Get("payload.channels").Array() {
		name := ch.Get("name").String()
		for _, sym := range ch.Get("symbols").Array() {
			if typ == feed.TypeSubscribe {
				sess.add(name, sym.String())
			} else {
				sess.remove(name, sym.String())
			}
		}
	}
	reply, _ := json.Marshal(map[string]any{"type": feed.TypeSubscriptions, "channels": sess.channels()})
	sess.send(reply)
}
