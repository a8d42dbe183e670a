package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/guild-monitor/internal/domain"
)

// Message types
const (
	MessageTypeDeath        = "death"
	MessageTypePlayerOnline = "player_online"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	World     string      `json:"world,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PresenceUpdate is the payload for a went-online notification
type PresenceUpdate struct {
	PlayerName string    `json:"player_name"`
	World      string    `json:"world"`
	GuildID    string    `json:"guild_id"`
	Level      int       `json:"level"`
	At         time.Time `json:"at"`
}

// Hub maintains the set of connected dashboard clients and fans engine
// events out to them. Clients subscribe per world; messages without a
// world go to everyone.
type Hub struct {
	// Registered clients by world
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu sync.RWMutex

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	world  string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("event hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("event hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for world, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, world)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.world]; !ok {
				h.clients[req.world] = make(map[*Client]bool)
			}
			h.clients[req.world][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "world", req.world)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.world]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.world)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "world", req.world)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to all subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// If the message carries a world, only world subscribers see it
	if message.World != "" {
		if clients, ok := h.clients[message.World]; ok {
			for client := range clients {
				select {
				case client.send <- data:
				default:
					h.logger.Warn("client buffer full, skipping", "client_id", client.id)
				}
			}
		}
		return
	}

	for client := range h.allClients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// BroadcastDeath pushes a newly persisted death event to world subscribers
func (h *Hub) BroadcastDeath(event domain.DeathEvent) {
	message := &Message{
		Type:      MessageTypeDeath,
		World:     event.World,
		Data:      event,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastPresence pushes a went-online flip to world subscribers
func (h *Hub) BroadcastPresence(player domain.TrackedPlayer, level int, at time.Time) {
	message := &Message{
		Type:  MessageTypePlayerOnline,
		World: player.World,
		Data: PresenceUpdate{
			PlayerName: player.Name,
			World:      player.World,
			GuildID:    player.GuildID,
			Level:      level,
			At:         at,
		},
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a world subscription
func (h *Hub) Subscribe(client *Client, world string) {
	h.subscribe <- &subscriptionRequest{client: client, world: world}
}

// Unsubscribe removes a client from a world subscription
func (h *Hub) Unsubscribe(client *Client, world string) {
	h.unsubscribe <- &subscriptionRequest{client: client, world: world}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// SubscriberCount returns the number of subscribers for a world
func (h *Hub) SubscriberCount(world string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[world]; ok {
		return len(clients)
	}
	return 0
}
