package notify

import "time"

const (
	EventWalletBalance     = "wallet.balance_changed"
	EventTradingBalance    = "trading_account.balance_changed"
	EventRequestApproved   = "funding_request.approved"
	EventRequestRejected   = "funding_request.rejected"
	EventRequestStuck      = "funding_request.stuck"
	EventTransferCompleted = "transfer.completed"
	EventTransferReversed  = "transfer.reversed"
	EventTransferStuck     = "transfer.stuck"
	EventLegResolved       = "reconciliation.resolved"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	SubjectID  string         `json:"subject_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// UserFacing reports whether the owner of the subject should see the event.
// Stuck and reconciliation events are for operators only.
func (e Event) UserFacing() bool {
	switch e.Type {
	case EventRequestStuck, EventTransferStuck, EventLegResolved:
		return false
	}
	return e.UserID != ""
}

func (e Event) IsBalance() bool {
	return e.Type == EventWalletBalance || e.Type == EventTradingBalance
}
