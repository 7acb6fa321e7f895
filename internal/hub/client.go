package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ema-screener/internal/model"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxMessage    = 4096
	sendBuffer    = 1024
	submitTimeout = 5 * time.Second
)

var (
	errBufferFull = errors.New("send buffer full")
	errClosed     = errors.New("subscriber closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades the request to a WebSocket subscriber.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[hub] ws upgrade error: %v", err)
			return
		}
		c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
		c.id = h.Register(c)
		log.Printf("[hub] subscriber %s connected from %s (%d total)", c.id, r.RemoteAddr, h.Len())

		go c.writePump()
		go c.readPump()
	})
}

// wsClient is a WebSocket Subscriber. A full send buffer counts as a failed
// send, so a slow peer is dropped instead of stalling the broadcast.
type wsClient struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsClient) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errBufferFull
	}
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump coalesces queued messages into one frame, newline separated.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type commandMsg struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

type replyMsg struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message,omitempty"`
}

// readPump forwards {"action","symbol"} frames to the command sink.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unregister(c.id)
		c.conn.Close()
		log.Printf("[hub] subscriber %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleCommand(raw)
	}
}

func (c *wsClient) handleCommand(raw []byte) {
	var msg commandMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(replyMsg{Type: "error", Message: "invalid json"})
		return
	}
	if c.hub.commands == nil {
		c.reply(replyMsg{Type: "error", Message: "commands are disabled"})
		return
	}

	cmd := model.Command{Action: model.Action(msg.Action), Symbol: msg.Symbol}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := c.hub.commands.Submit(ctx, cmd); err != nil {
		c.reply(replyMsg{Type: "error", Action: msg.Action, Symbol: msg.Symbol, Message: err.Error()})
		return
	}
	c.reply(replyMsg{Type: "ack", Action: msg.Action, Symbol: msg.Symbol})
}

func (c *wsClient) reply(r replyMsg) {
	b, _ := json.Marshal(r)
	if err := c.Send(b); err != nil {
		log.Printf("[hub] reply to %s: %v", c.id, err)
	}
}
