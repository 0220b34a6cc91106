// internal/realtime/hub.go
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Client is one websocket subscription to a lobby topic.
type Client struct {
	ID       string
	LobbyID  uuid.UUID
	PlayerID uuid.UUID // uuid.Nil for spectators
	OutChan  chan []byte
}

// NewClient allocates a client with a buffered outbound queue.
func NewClient(lobbyID, playerID uuid.UUID, buffer int) *Client {
	return &Client{
		ID:       uuid.NewString(),
		LobbyID:  lobbyID,
		PlayerID: playerID,
		OutChan:  make(chan []byte, buffer),
	}
}

// Write queues data without blocking. A full queue drops the message.
func (c *Client) Write(data []byte) bool {
	select {
	case c.OutChan <- data:
		return true
	default:
		metrics.RealtimeDropped.Inc()
		return false
	}
}

// WriteEvent marshals and queues ev for this client only.
func (c *Client) WriteEvent(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return c.Write(data)
}

// WriteError sends an error event to this client only.
func (c *Client) WriteError(msg string) bool {
	return c.WriteEvent(NewEvent(EventError, c.LobbyID, map[string]string{"message": msg}))
}

// Hub tracks the clients attached to each lobby on this instance.
type Hub struct {
	mu      sync.RWMutex
	lobbies map[uuid.UUID]map[string]*Client
	logger  *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		lobbies: make(map[uuid.UUID]map[string]*Client),
		logger:  logger,
	}
}

// Register attaches c to its lobby.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.lobbies[c.LobbyID]
	if !ok {
		clients = make(map[string]*Client)
		h.lobbies[c.LobbyID] = clients
	}
	clients[c.ID] = c
	metrics.RealtimeConnections.Inc()
}

// Unregister detaches c. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.lobbies[c.LobbyID]
	if !ok {
		return
	}
	if _, ok := clients[c.ID]; !ok {
		return
	}
	delete(clients, c.ID)
	metrics.RealtimeConnections.Dec()
	if len(clients) == 0 {
		delete(h.lobbies, c.LobbyID)
	}
}

// Count returns how many clients are attached to a lobby.
func (h *Hub) Count(lobbyID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lobbies[lobbyID])
}

// Publish delivers ev to every client of its lobby on this instance.
func (h *Hub) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).WithField("type", ev.Type).Error("failed to marshal event")
		return
	}
	h.Deliver(ev.LobbyID, data)
}

// Deliver hands pre-encoded data to every client of lobbyID. Slow clients miss it.
func (h *Hub) Deliver(lobbyID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.lobbies[lobbyID] {
		if !c.Write(data) {
			h.logger.WithFields(logrus.Fields{
				"lobby_id":  lobbyID,
				"client_id": c.ID,
				"player_id": c.PlayerID,
			}).Warn("client outbound buffer full, dropped event")
		}
	}
}
