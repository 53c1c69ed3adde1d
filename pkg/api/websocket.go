package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
)

// Channels clients may subscribe to.
const (
	ChannelBook   = "book"
	ChannelTrades = "trades"
	accountPrefix = "account:"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	recordBacklog  = 1024
	bookDepthLevel = 20
)

var ErrHubBacklogFull = errors.New("websocket hub backlog full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// AccountChannel names the per-address channel.
func AccountChannel(addr common.Address) string {
	return accountPrefix + strings.ToLower(addr.Hex())
}

// DepthSource supplies aggregated book levels for book channel updates.
type DepthSource interface {
	Depth(levels int) (bids, asks []engine.PriceLevel)
}

// Hub maintains active WebSocket connections and fans committed engine
// records out to subscribers. It implements engine.Recorder without blocking
// the engine: records are queued and dispatched from Run.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	records    chan engine.Record
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	book DepthSource
	log  *zap.Logger
}

// NewHub creates a new WebSocket hub. book may be nil, which disables book
// channel snapshots.
func NewHub(book DepthSource, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		records:    make(chan engine.Record, recordBacklog),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		book:       book,
		log:        log.Named("ws"),
	}
}

// Record queues a committed record for delivery. It never blocks; when the
// queue is full the record is dropped for websocket subscribers only.
func (h *Hub) Record(rec engine.Record) error {
	select {
	case h.records <- rec:
		return nil
	default:
		return ErrHubBacklogFull
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			metrics.WSClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WSClients.Set(float64(n))
			h.log.Debug("client connected", zap.String("client_id", client.id), zap.Int("total", n))

		case client := <-h.unregister:
			h.remove(client)

		case rec := <-h.records:
			h.dispatch(rec)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.log.Debug("client disconnected", zap.String("client_id", client.id), zap.Int("total", n))
}

// dispatch routes each event to the trades channel and to the accounts it
// concerns, then publishes a fresh book snapshot.
func (h *Hub) dispatch(rec engine.Record) {
	var lastSeq uint64
	for _, ev := range rec.Events {
		lastSeq = ev.Seq
		msg := WSMessage{Type: "event", Data: ev}

		if ev.Type == engine.EventTrade {
			h.BroadcastToChannel(ChannelTrades, msg)
			h.BroadcastToChannel(AccountChannel(ev.Buyer), msg)
			if ev.Seller != ev.Buyer {
				h.BroadcastToChannel(AccountChannel(ev.Seller), msg)
			}
			continue
		}
		if ev.Owner != (common.Address{}) {
			h.BroadcastToChannel(AccountChannel(ev.Owner), msg)
		}
	}

	if h.book != nil {
		bids, asks := h.book.Depth(bookDepthLevel)
		h.BroadcastToChannel(ChannelBook, WSMessage{Type: "book", Data: BookUpdate{
			Seq:  lastSeq,
			Bids: newPriceLevels(bids),
			Asks: newPriceLevels(asks),
		}})
	}
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel string, msg WSMessage) {
	msg.Channel = channel
	message, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("marshal error", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client
				h.log.Debug("client buffer full", zap.String("client_id", client.id))
			}
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// Subscribed channels
	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe adds a channel subscription. Account channels are matched
// case-insensitively.
func (c *Client) Subscribe(channel string) {
	channel = normalizeChannel(channel)
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
	c.hub.log.Debug("subscribed", zap.String("client_id", c.id), zap.String("channel", channel))
}

// Unsubscribe removes a channel subscription
func (c *Client) Unsubscribe(channel string) {
	channel = normalizeChannel(channel)
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
	c.hub.log.Debug("unsubscribed", zap.String("client_id", c.id), zap.String("channel", channel))
}

func normalizeChannel(channel string) string {
	if strings.HasPrefix(channel, accountPrefix) {
		return strings.ToLower(channel)
	}
	return channel
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}

		// Handle subscription requests
		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debug("invalid message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.Subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.hub.log.Debug("unknown op", zap.String("op", req.Op))
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON message per frame.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}

	// Channels requested in the query string are subscribed before the
	// first event can arrive.
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			client.Subscribe(ch)
		}
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
