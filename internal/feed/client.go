// Package feed is the upstream live candle client. One Client owns one
// authenticated WebSocket session at a time: a read loop that decodes
// candlestick messages and a single writer goroutine for every outbound
// frame. Lost sessions are retried after a fixed delay.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"ema-screener/internal/model"
)

// State is the connection state of the Client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives session and tick callbacks. Both run on the read loop
// goroutine and must not block on network I/O.
type Handler interface {
	// OnSession is called once per authenticated session, before the first
	// tick is read. It typically rebuilds subscriptions with Subscribe.
	OnSession(ctx context.Context)

	// OnTick is called for every decoded candlestick message.
	OnTick(tick model.Tick)
}

// Config holds configuration for the live feed client.
type Config struct {
	// URL of the upstream socket, e.g. "wss://socket.example.com"
	URL       string
	APIKey    string
	APISecret string

	// ReconnectDelay is the fixed wait between sessions. Defaults to 30s.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds dial and auth reply. Defaults to 10s.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period. Defaults to 30s.
	PingInterval time.Duration

	// ReadTimeout fails a session that received nothing, pongs included.
	// Defaults to 2 × PingInterval.
	ReadTimeout time.Duration

	// WriteQueue is the outbound frame buffer. Defaults to 64.
	WriteQueue int
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 64
	}
}

const writeWait = 10 * time.Second

// Client is the live feed connection.
type Client struct {
	cfg     Config
	handler Handler
	state   atomic.Int32

	mu  sync.Mutex
	out chan []byte // current session's writer queue, nil between sessions

	// Optional hooks, used for metrics.
	OnStateChange func(State)
	OnReconnect   func()
	OnMalformed   func()
}

// New creates a Client. Returns an error if the URL is unparseable.
func New(cfg Config, h Handler) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed url %q: scheme must be ws or wss", cfg.URL)
	}
	if h == nil {
		return nil, errors.New("feed: handler is required")
	}
	return &Client{cfg: cfg, handler: h}, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Run connects and streams until ctx is cancelled, reconnecting after
// every lost session. Returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateIdle)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.runOnce(ctx)
		if err == nil {
			return nil
		}
		err = fmt.Errorf("%w: %w", model.ErrUpstreamDisconnected, err)

		c.setState(StateReconnecting)
		log.Printf("[feed] %v, reconnecting in %s...", err, c.cfg.ReconnectDelay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Subscribe queues one subscribe frame for symbols on every timeframe.
func (c *Client) Subscribe(symbols []string, tfs []model.Timeframe) error {
	if len(symbols) == 0 || len(tfs) == 0 {
		return nil
	}
	return c.send(ChannelFrame(TypeSubscribe, symbols, tfs))
}

// Unsubscribe queues one unsubscribe frame for symbols on every timeframe.
func (c *Client) Unsubscribe(symbols []string, tfs []model.Timeframe) error {
	if len(symbols) == 0 || len(tfs) == 0 {
		return nil
	}
	return c.send(ChannelFrame(TypeUnsubscribe, symbols, tfs))
}

// send hands a frame to the writer goroutine. Without a session the frame
// is dropped: the next session resubscribes from the registry.
func (c *Client) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return model.ErrUpstreamDisconnected
	}
	select {
	case c.out <- b:
		return nil
	default:
		return errors.New("feed: write queue full")
	}
}

func (c *Client) setOut(ch chan []byte) {
	c.mu.Lock()
	c.out = ch
	c.mu.Unlock()
}

// runOnce runs a single session. Returns nil only when ctx is cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	log.Printf("[feed] connected to %s", c.cfg.URL)

	done := make(chan struct{})
	defer close(done)

	// Closes the connection when ctx is cancelled, unblocking the reader.
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	out := make(chan []byte, c.cfg.WriteQueue)
	c.setOut(out)
	defer c.setOut(nil)
	go c.writeLoop(conn, out, done)

	c.setState(StateSubscribed)
	c.handler.OnSession(ctx)

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})
	c.setState(StateStreaming)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handle(raw)
	}
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	c.setState(StateAuthenticating)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, AuthFrame(c.cfg.APIKey, c.cfg.APISecret, time.Now())); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("auth read: %w", err)
	}
	if err := checkAuthReply(reply); err != nil {
		return err
	}
	log.Printf("[feed] authenticated")
	return nil
}

// writeLoop is the only writer after authentication. A failed write closes
// the connection, which ends the read loop.
func (c *Client) writeLoop(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case b := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("[feed] write error: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[feed] ping error: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	typ := gjson.GetBytes(raw, "type").String()
	switch {
	case strings.HasPrefix(typ, model.ChannelPrefix):
		tick, err := DecodeTick(raw)
		if err != nil {
			if c.OnMalformed != nil {
				c.OnMalformed()
			}
			log.Printf("[feed] dropping message: %v", err)
			return
		}
		c.handler.OnTick(tick)
	case typ == TypeSubscriptions:
		log.Printf("[feed] subscriptions: %s", gjson.GetBytes(raw, "channels").Raw)
	case typ == TypeError:
		log.Printf("[feed] upstream error: %s", raw)
	}
}
