package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

const writeTimeout = 5 * time.Second

// Conn is the subset of a websocket connection the hub uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	conn Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks live dashboard connections per user.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uint]map[*client]struct{})}
}

func (h *Hub) register(userID uint, conn Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	return c
}

func (h *Hub) unregister(userID uint, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
	_ = c.conn.Close()
}

// Serve keeps conn registered for userID until the peer disconnects.
func (h *Hub) Serve(userID uint, conn Conn) {
	c := h.register(userID, conn)
	defer h.unregister(userID, c)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish writes evt to every connection of evt.UserID. Connections that
// fail to accept the write are dropped.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	if evt.UserID == 0 {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[evt.UserID]))
	for c := range h.clients[evt.UserID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.unregister(evt.UserID, c)
		}
	}
	return nil
}

// ActiveConnections returns the number of open connections for userID.
func (h *Hub) ActiveConnections(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
