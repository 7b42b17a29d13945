package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	maxTopics      = 50
	messagesPerSec = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection. Outbound frames go through a bounded
// send queue; the hub disconnects clients that cannot keep up.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	address string // set after auth; empty for anonymous connections

	mu           sync.Mutex
	closed       bool // set by the hub before c.send is closed
	topics       map[string]bool
	messageCount int
	lastReset    time.Time
}

// clientMessage is an inbound frame from the client.
type clientMessage struct {
	Action string `json:"action"` // subscribe, unsubscribe, auth, ping
	Topic  string `json:"topic,omitempty"`
	Token  string `json:"token,omitempty"`
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		topics:    make(map[string]bool),
		lastReset: time.Now(),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.withinRateLimit() {
			c.sendError("rate_limit_exceeded", "too many messages")
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid_message", "failed to parse message")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Drain whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.handleSubscribe(msg.Topic)
	case "unsubscribe":
		c.mu.Lock()
		delete(c.topics, msg.Topic)
		c.mu.Unlock()
		c.hub.unsubscribe <- &subRequest{client: c, topic: msg.Topic}
	case "auth":
		c.handleAuth(msg.Token)
	case "ping":
		c.sendJSON(&wireMessage{Type: "pong", Data: map[string]any{
			"timestamp": time.Now().UnixMilli(),
		}})
	default:
		c.sendError("unknown_action", "unknown action: "+msg.Action)
	}
}

func (c *Client) handleSubscribe(topic string) {
	if topic == "" {
		c.sendError("invalid_topic", "topic cannot be empty")
		return
	}
	if !c.canAccess(topic) {
		c.sendError("unauthorized", "not authorized for topic: "+topic)
		return
	}
	c.mu.Lock()
	if len(c.topics) >= maxTopics {
		c.mu.Unlock()
		c.sendError("subscription_limit", "too many subscriptions")
		return
	}
	c.topics[topic] = true
	c.mu.Unlock()

	c.hub.subscribe <- &subRequest{client: c, topic: topic}
}

func (c *Client) handleAuth(token string) {
	if c.hub.verifier == nil || token == "" {
		c.sendError("invalid_auth", "authentication unavailable")
		return
	}
	address, err := c.hub.verifier.VerifyToken(token)
	if err != nil {
		c.sendError("invalid_auth", "token rejected")
		return
	}
	c.mu.Lock()
	c.address = address
	c.mu.Unlock()
	c.sendJSON(&wireMessage{Type: "authenticated", Data: map[string]any{
		"address": address,
	}})
}

// canAccess gates topics: market data is public, user:ADDR requires auth as
// that address.
func (c *Client) canAccess(topic string) bool {
	for _, prefix := range []string{"price:", "orderbook:", "trades:", "candles:"} {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	if strings.HasPrefix(topic, "user:") {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.address != "" && topic == "user:"+c.address
	}
	return false
}

func (c *Client) withinRateLimit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastReset) >= time.Second {
		c.messageCount = 0
		c.lastReset = now
	}
	c.messageCount++
	return c.messageCount <= messagesPerSec
}

// enqueue queues an outbound frame without blocking. Returns false when the
// queue is full; a client already being dropped swallows the frame and
// reports true, so producers racing the disconnect never hit a closed
// channel.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// markClosed must be called before c.send is closed. Holding c.mu here
// orders the close after any in-flight enqueue.
func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) sendJSON(msg *wireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(code, message string) {
	c.sendJSON(&wireMessage{Type: "error", Data: map[string]string{
		"code":    code,
		"message": message,
	}})
}
