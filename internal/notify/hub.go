package notify

import (
	"context"
	"fmt"

	"brokerage/internal/websocket"
)

type Broadcaster interface {
	Send(userID string, msg websocket.Message) int
	BroadcastBalance(userID string, update websocket.BalanceUpdate) int
}

// HubSink pushes user-facing events to the owner's open websocket connections.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Send(_ context.Context, event Event) error {
	if !event.UserFacing() {
		return nil
	}
	if !event.IsBalance() {
		s.hub.Send(event.UserID, websocket.Message{Type: event.Type, Data: event})
		return nil
	}
	accountType := "wallet"
	if event.Type == EventTradingBalance {
		accountType = "trading_account"
	}
	s.hub.BroadcastBalance(event.UserID, websocket.BalanceUpdate{
		AccountType: accountType,
		AccountID:   field(event.Data, "account_id"),
		Balance:     field(event.Data, "balance"),
		Currency:    field(event.Data, "currency"),
	})
	return nil
}

func field(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
