// Package ws streams bus events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// EventSource yields JSON-encoded bus events.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// StatusSource provides the snapshot sent to a client on connect.
type StatusSource interface {
	Status(ctx context.Context) domain.TradingStatus
	Jobs() []domain.ScheduledJob
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub owns the connected clients and forwards every bus event to them as
// a text frame. Clients may send the text "ping" and receive "pong".
type Hub struct {
	events   EventSource
	status   StatusSource
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub. allowedOrigins restricts browser origins; empty
// allows all.
func NewHub(events EventSource, status StatusSource, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		events:  events,
		status:  status,
		logger:  logger.With(slog.String("component", "ws-hub")),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run forwards bus events to clients until ctx ends, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.events.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("ws: subscribe: %w", err)
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ws: event subscription closed")
			}
			h.broadcast(data)
		}
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WSClients.Set(0)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WSClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	metrics.WSClients.Set(float64(len(h.clients)))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and sends connection_established,
// trading_status and scheduled_jobs before any bus event.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	for _, msg := range h.greeting(r.Context()) {
		c.send <- msg
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Info("ws: client connected", slog.Int("total_clients", h.ClientCount()))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) greeting(ctx context.Context) [][]byte {
	jobs := h.status.Jobs()
	if jobs == nil {
		jobs = []domain.ScheduledJob{}
	}
	events := []domain.Event{
		domain.NewEvent(domain.EventConnectionEstablished, map[string]string{"message": "connected"}),
		domain.NewEvent(domain.EventTradingStatus, h.status.Status(ctx)),
		domain.NewEvent(domain.EventScheduledJobs, jobs),
	}
	out := make([][]byte, 0, len(events))
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("ws: encode greeting", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
			continue
		}
		out = append(out, raw)
	}
	return out
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.logger.Info("ws: client disconnected", slog.Int("total_clients", c.hub.ClientCount()))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if strings.EqualFold(strings.TrimSpace(string(message)), "ping") {
			c.reply([]byte("pong"))
		}
	}
}

// reply queues msg unless the client is already gone.
func (c *client) reply(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
