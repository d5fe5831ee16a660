package handlers

import (
	"encoding/json"
	"time"

	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/store"
)

// Amounts leave the API as fixed two-decimal strings, never floats.

type walletView struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

func newWalletView(w models.Wallet) walletView {
	return walletView{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Currency:  w.Currency,
		Balance:   money.FormatMinor(w.Balance),
		CreatedAt: w.CreatedAt,
	}
}

type entryView struct {
	ID           string           `json:"id"`
	WalletID     string           `json:"wallet_id"`
	Amount       string           `json:"amount"`
	Currency     string           `json:"currency"`
	Kind         models.EntryKind `json:"kind"`
	Counterparty string           `json:"counterparty,omitempty"`
	Reference    string           `json:"reference,omitempty"`
	Token        string           `json:"idempotency_token"`
	CreatedAt    time.Time        `json:"created_at"`
}

func newEntryView(e models.WalletEntry) entryView {
	return entryView{
		ID:           e.ID,
		WalletID:     e.WalletID,
		Amount:       money.FormatMinor(e.Amount),
		Currency:     e.Currency,
		Kind:         e.Kind,
		Counterparty: e.Counterparty,
		Reference:    e.Reference,
		Token:        e.IdempotencyToken,
		CreatedAt:    e.CreatedAt,
	}
}

type requestView struct {
	ID              string               `json:"id"`
	Kind            models.RequestKind   `json:"kind"`
	OwnerID         string               `json:"owner_id"`
	Amount          string               `json:"amount"`
	Currency        string               `json:"currency"`
	Account         models.Endpoint      `json:"account"`
	Status          models.RequestStatus `json:"status"`
	AdminNotes      *string              `json:"admin_notes,omitempty"`
	ConfirmationRef *string              `json:"confirmation_ref,omitempty"`
	ApproverID      *string              `json:"approver_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	DecidedAt       *time.Time           `json:"decided_at,omitempty"`
}

func newRequestView(r models.FundingRequest) requestView {
	return requestView{
		ID:              r.ID,
		Kind:            r.Kind,
		OwnerID:         r.OwnerID,
		Amount:          money.FormatMinor(r.Amount),
		Currency:        r.Currency,
		Account:         r.Endpoint(),
		Status:          r.Status,
		AdminNotes:      r.AdminNotes,
		ConfirmationRef: r.ConfirmationRef,
		ApproverID:      r.ApproverID,
		CreatedAt:       r.CreatedAt,
		DecidedAt:       r.DecidedAt,
	}
}

type transferView struct {
	TransferID  string                `json:"transfer_id"`
	Family      models.TransferFamily `json:"family"`
	Source      models.Endpoint       `json:"source"`
	Destination models.Endpoint       `json:"destination"`
	Amount      string                `json:"amount"`
	Currency    string                `json:"currency"`
	Comment     string                `json:"comment,omitempty"`
	InitiatorID string                `json:"initiator_id"`
	Status      models.TransferStatus `json:"status"`
	Resolution  *string               `json:"resolution,omitempty"`
	ResolvedAt  *time.Time            `json:"resolved_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

func newTransferView(t models.Transfer) transferView {
	return transferView{
		TransferID:  t.ID,
		Family:      t.Family,
		Source:      t.Source(),
		Destination: t.Destination(),
		Amount:      money.FormatMinor(t.Amount),
		Currency:    t.Currency,
		Comment:     t.Comment,
		InitiatorID: t.InitiatorID,
		Status:      t.Status,
		Resolution:  t.Resolution,
		ResolvedAt:  t.ResolvedAt,
		CreatedAt:   t.CreatedAt,
	}
}

type reconciliationView struct {
	ID          int64              `json:"id"`
	Token       string             `json:"token"`
	SubjectType models.SubjectType `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	Leg         models.Leg         `json:"leg"`
	Attempt     int                `json:"attempt"`
	Outcome     models.Outcome     `json:"outcome"`
	Endpoint    models.Endpoint    `json:"endpoint"`
	Amount      string             `json:"amount"`
	Currency    string             `json:"currency"`
	RawResponse *string            `json:"raw_response,omitempty"`
	Error       *string            `json:"error,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	OperatorID  *string            `json:"operator_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func newReconciliationView(e models.ReconciliationEntry) reconciliationView {
	return reconciliationView{
		ID:          e.ID,
		Token:       e.Token,
		SubjectType: e.SubjectType,
		SubjectID:   e.SubjectID,
		Leg:         e.Leg,
		Attempt:     e.Attempt,
		Outcome:     e.Outcome,
		Endpoint:    models.Endpoint{Type: e.EndpointType, Ref: e.EndpointRef},
		Amount:      money.FormatMinor(e.Amount),
		Currency:    e.Currency,
		RawResponse: e.RawResponse,
		Error:       e.Error,
		Payload:     e.Payload,
		OperatorID:  e.OperatorID,
		CreatedAt:   e.CreatedAt,
	}
}

func reconciliationViews(entries []models.ReconciliationEntry) []reconciliationView {
	views := make([]reconciliationView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newReconciliationView(e))
	}
	return views
}

type tradingAccountView struct {
	Login       string    `json:"login"`
	OwnerID     string    `json:"owner_id"`
	Currency    string    `json:"currency"`
	Balance     string    `json:"balance"`
	Equity      string    `json:"equity"`
	Credit      string    `json:"credit"`
	FreeMargin  string    `json:"free_margin"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Stale       bool      `json:"stale"`
}

func newTradingAccountView(a models.TradingAccount, stale bool) tradingAccountView {
	return tradingAccountView{
		Login:       a.Login,
		OwnerID:     a.OwnerID,
		Currency:    a.Currency,
		Balance:     money.FormatMinor(a.Balance),
		Equity:      money.FormatMinor(a.Equity),
		Credit:      money.FormatMinor(a.Credit),
		FreeMargin:  money.FormatMinor(a.FreeMargin),
		RefreshedAt: a.RefreshedAt,
		Stale:       stale,
	}
}

type driftView struct {
	WalletID          string `json:"wallet_id"`
	OwnerID           string `json:"owner_id"`
	Currency          string `json:"currency"`
	StoredBalance     string `json:"stored_balance"`
	CalculatedBalance string `json:"calculated_balance"`
	Difference        string `json:"difference"`
}

func newDriftView(d store.WalletDrift) driftView {
	return driftView{
		WalletID:          d.ID,
		OwnerID:           d.OwnerID,
		Currency:          d.Currency,
		StoredBalance:     money.FormatMinor(d.StoredBalance),
		CalculatedBalance: money.FormatMinor(d.CalculatedBalance),
		Difference:        money.FormatMinor(d.Difference),
	}
}
