// Package realtime pushes trust events to connected account holders over WebSocket.
//
// Each connection belongs to exactly one authenticated account and only ever
// receives that account's events. Clients may narrow the stream by sending a
// Subscription message naming the event types they want.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/trustgate/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	EventAnalysisCompleted = "analysis_completed"
	EventTierPromoted      = "tier_promoted"
)

// Event is one message delivered to a client.
type Event struct {
	Type      string      `json:"type"`
	AccountID string      `json:"accountId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription narrows a client's stream. An empty EventTypes means all.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	accountID string
	send      chan []byte
	mu        sync.RWMutex
	sub       Subscription
}

// MaxClients is the default cap on concurrent connections.
const MaxClients = 10000

// Hub fans events out to the connections of the account they belong to.
type Hub struct {
	clients    map[string]map[*Client]struct{} // accountID → connections
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	now        func() time.Time

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
	}
}

// WithMaxClients overrides the connection cap.
func (h *Hub) WithMaxClients(n int) *Hub {
	h.maxClients = n
	return h
}

// Run processes registrations and events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for acct, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, acct)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.accountID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.accountID] = set
			}
			set[client] = struct{}{}
			n := h.countLocked()
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "account_id", client.accountID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.countLocked()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "account_id", client.accountID, "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients[event.AccountID] {
		client.mu.RLock()
		wanted := client.sub.wants(event.Type)
		client.mu.RUnlock()
		if !wanted {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.removeLocked(client)
		}
		h.mu.Unlock()
	}
}

// removeLocked drops client and closes its send channel once. Caller holds h.mu.
func (h *Hub) removeLocked(client *Client) {
	set, ok := h.clients[client.accountID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.accountID)
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Publish queues an event for accountID's connections. It never blocks; when
// the queue is full the event is dropped.
func (h *Hub) Publish(accountID, eventType string, data interface{}) {
	event := &Event{
		Type:      eventType,
		AccountID: accountID,
		Timestamp: h.now(),
		Data:      data,
	}
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients":  h.countLocked(),
		"connectedAccounts": len(h.clients),
		"totalEvents":       h.totalEvents.Load(),
		"droppedEvents":     h.droppedEvents.Load(),
		"totalClients":      h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades the request and binds the connection to accountID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, accountID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := h.countLocked()
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		accountID: accountID,
		send:      make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump forwards queued events and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
