package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Message is the envelope pushed to connected clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type BalanceUpdate struct {
	AccountType string `json:"account_type"`
	AccountID   string `json:"account_id"`
	Balance     string `json:"balance"`
	Currency    string `json:"currency"`
}

// Hub fans messages out to every open connection of a user. Slow clients drop
// messages instead of blocking the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Send queues msg for every connection of userID and reports how many took it.
func (h *Hub) Send(userID string, msg Message) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("websocket message encode failed")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) BroadcastBalance(userID string, update BalanceUpdate) int {
	return h.Send(userID, Message{Type: "balance", Data: update})
}
