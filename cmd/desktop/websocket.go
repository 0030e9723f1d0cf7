// Package main provides WebSocket server for real-time events.
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psconsult/offline/internal/logging"
	syncpkg "github.com/psconsult/offline/internal/sync"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     loopbackOrigin,
}

// loopbackOrigin accepts requests without an Origin header and pages served
// from a loopback host.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// WSHub maintains active client connections and broadcasts messages.
// It implements connectivity.Notifier and sync.SyncEventHandler.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	stopCh     chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	log        *logging.Logger
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type wsMessage struct {
	eventType string
	payload   []byte
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventConnectivityChanged = "connectivity.changed"

	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventSyncResult    = "sync.result"
)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, sendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopCh:     make(chan struct{}),
		log:        logging.For("websocket"),
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.subscribed(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// send buffer full, drop the client
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.stopCh:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *WSHub) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients. It never blocks the
// caller; messages are dropped once the hub is stopped or its buffer is full.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.Error("Failed to marshal message", err, map[string]interface{}{"type": messageType})
		return
	}

	select {
	case <-h.stopCh:
	case h.broadcast <- wsMessage{eventType: messageType, payload: bytes}:
	default:
		h.log.Warn("Broadcast buffer full, message dropped", map[string]interface{}{"type": messageType})
	}
}

// =====================================================
// Event Broadcasters
// =====================================================

// OnConnectivity notifies clients of an online/offline transition.
func (h *WSHub) OnConnectivity(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{
		"online": online,
	})
}

// OnSyncResult notifies clients of the counts of a finished dispatcher pass.
func (h *WSHub) OnSyncResult(result *syncpkg.SyncResult) {
	h.Broadcast(EventSyncResult, resultData(result))
}

// OnSyncEvent forwards reconciler lifecycle events.
func (h *WSHub) OnSyncEvent(event syncpkg.SyncEvent) {
	switch event.Type {
	case syncpkg.SyncEventStarted:
		h.Broadcast(EventSyncStarted, map[string]interface{}{
			"status": "started",
		})
	case syncpkg.SyncEventCompleted:
		data := resultData(event.Result)
		data["status"] = "completed"
		h.Broadcast(EventSyncCompleted, data)
	case syncpkg.SyncEventFailed:
		data := resultData(event.Result)
		data["status"] = "failed"
		data["error"] = event.Message
		h.Broadcast(EventSyncFailed, data)
	}
}

func resultData(result *syncpkg.SyncResult) map[string]interface{} {
	if result == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"synced":   result.Synced,
		"failed":   result.Failed,
		"parked":   result.Parked,
		"skipped":  result.Skipped,
		"swept":    result.Swept,
		"duration": result.Duration.Milliseconds(),
	}
}

// =====================================================
// Client Pumps
// =====================================================

// subscribed reports whether the client wants eventType. A client without
// subscriptions receives every event.
func (c *WSClient) subscribed(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
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
				c.hub.log.Warn("Read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("Invalid message format", map[string]interface{}{"client": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

// reply queues a direct response to this client through the hub, which owns
// the send channel.
func (c *WSClient) reply(envelope map[string]interface{}) {
	envelope["timestamp"] = time.Now().Unix()
	bytes, _ := json.Marshal(envelope)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("Failed to upgrade", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            time.Now().Format("20060102150405.000000") + "-" + r.RemoteAddr,
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.stopCh:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
