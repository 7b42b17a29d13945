// Package websocket is the pub/sub transport. The hub implements
// events.Publisher; everything the engine broadcasts flows through here to
// topic subscribers.
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"cosmossdk.io/log"

	clobtypes "github.com/openalpha/simperp/clob/types"
	"github.com/openalpha/simperp/events"
)

// SnapshotProvider supplies the full book snapshot sent on orderbook
// subscription, before deltas start flowing.
type SnapshotProvider interface {
	Depth(symbol string, maxLevels int) *clobtypes.DepthSnapshot
}

// TokenVerifier resolves a bearer token to an address. Used to gate user:*
// topics.
type TokenVerifier interface {
	VerifyToken(token string) (address string, err error)
}

const snapshotLevels = 50

// Hub tracks clients and their topic subscriptions and fans events out.
type Hub struct {
	logger    log.Logger
	snapshots SnapshotProvider
	verifier  TokenVerifier

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subRequest
	unsubscribe chan *subRequest

	mu     sync.RWMutex
	topics map[string]map[*Client]bool
	conns  map[*Client]bool
}

type subRequest struct {
	client *Client
	topic  string
}

// wireMessage is the envelope every outbound frame uses.
type wireMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// NewHub creates a hub. snapshots and verifier may be nil in tests.
func NewHub(logger log.Logger, snapshots SnapshotProvider, verifier TokenVerifier) *Hub {
	return &Hub{
		logger:      logger.With("module", "ws"),
		snapshots:   snapshots,
		verifier:    verifier,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *subRequest, 256),
		unsubscribe: make(chan *subRequest, 256),
		topics:      make(map[string]map[*Client]bool),
		conns:       make(map[*Client]bool),
	}
}

// SetSnapshotProvider attaches the book snapshot source. The engine is
// built after the hub, so this is called once during startup wiring.
func (h *Hub) SetSnapshotProvider(p SnapshotProvider) {
	h.snapshots = p
}

// Run drives registration and subscription bookkeeping. Start it once, in
// its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.dropClient(c)

		case req := <-h.subscribe:
			h.addSubscription(req)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if subs, ok := h.topics[req.topic]; ok {
				delete(subs, req.client)
				if len(subs) == 0 {
					delete(h.topics, req.topic)
				}
			}
			h.mu.Unlock()
			req.client.sendJSON(&wireMessage{Type: "unsubscribed", Topic: req.topic})
		}
	}
}

func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	c.markClosed()
	close(c.send)
}

func (h *Hub) addSubscription(req *subRequest) {
	h.mu.Lock()
	subs, ok := h.topics[req.topic]
	if !ok {
		subs = make(map[*Client]bool)
		h.topics[req.topic] = subs
	}
	subs[req.client] = true
	h.mu.Unlock()

	req.client.sendJSON(&wireMessage{Type: "subscribed", Topic: req.topic})

	// Orderbook subscribers get the full book first so deltas have a base.
	if h.snapshots != nil && strings.HasPrefix(req.topic, "orderbook:") {
		symbol := strings.TrimPrefix(req.topic, "orderbook:")
		if snap := h.snapshots.Depth(symbol, snapshotLevels); snap != nil {
			req.client.sendJSON(&wireMessage{
				Type:  events.TypeOrderbookSnapshot,
				Topic: req.topic,
				Data:  depthPayload(snap),
			})
		}
	}
}

// Publish implements events.Publisher. Marshals once and fans out without
// blocking; a subscriber whose queue is full is disconnected.
func (h *Hub) Publish(topic, eventType string, data any) {
	h.mu.RLock()
	subs, ok := h.topics[topic]
	if !ok {
		h.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(subs))
	for c := range subs {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	raw, err := json.Marshal(&wireMessage{Type: eventType, Topic: topic, Data: data})
	if err != nil {
		h.logger.Error("marshal event", "type", eventType, "err", err)
		return
	}
	for _, c := range clients {
		if !c.enqueue(raw) {
			h.logger.Warn("dropping slow websocket client", "topic", topic)
			go func(c *Client) { h.unregister <- c }(c)
		}
	}
}

// ClientCount returns connected client count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// TopicCount returns how many topics have at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// ServeWS upgrades an HTTP request and starts the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(h, conn)
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func depthPayload(snap *clobtypes.DepthSnapshot) map[string]any {
	levels := func(in []clobtypes.DepthLevel) [][2]string {
		out := make([][2]string, len(in))
		for i, l := range in {
			out[i] = [2]string{l.Price.String(), l.Quantity.String()}
		}
		return out
	}
	return map[string]any{
		"symbol":    snap.MarketSymbol,
		"bids":      levels(snap.Bids),
		"asks":      levels(snap.Asks),
		"timestamp": snap.Timestamp.UnixMilli(),
	}
}

var _ events.Publisher = (*Hub)(nil)
