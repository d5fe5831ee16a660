package models

import (
	"encoding/json"
	"time"
)

type EntryKind string

const (
	EntryDeposit     EntryKind = "deposit"
	EntryWithdrawal  EntryKind = "withdrawal"
	EntryTransferIn  EntryKind = "transfer_in"
	EntryTransferOut EntryKind = "transfer_out"
	EntryReversal    EntryKind = "reversal"
)

type RequestKind string

const (
	RequestDeposit    RequestKind = "deposit"
	RequestWithdrawal RequestKind = "withdrawal"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// AccountType names where money sits: the local ledger or the remote trading platform.
type AccountType string

const (
	AccountWallet  AccountType = "wallet"
	AccountTrading AccountType = "trading_account"
)

type TransferFamily string

const (
	FamilyInternal TransferFamily = "internal"
	FamilyAdmin    TransferFamily = "admin"
)

type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferReversed  TransferStatus = "reversed"
	TransferStuck     TransferStatus = "stuck"
)

type SubjectType string

const (
	SubjectTransfer   SubjectType = "transfer"
	SubjectDeposit    SubjectType = "deposit"
	SubjectWithdrawal SubjectType = "withdrawal"
)

type Leg string

const (
	LegCredit   Leg = "credit"
	LegDebit    Leg = "debit"
	LegReversal Leg = "reversal"
	// LegRefund returns a debit that was confirmed only after its credit had
	// already been reversed.
	LegRefund Leg = "refund"
)

type Outcome string

const (
	OutcomeStarted            Outcome = "started"
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeFailed             Outcome = "failed"
	OutcomeUnknown            Outcome = "unknown"
	OutcomeNeedsManual        Outcome = "needs_manual_reconciliation"
	OutcomeResolvedApplied    Outcome = "resolved_applied"
	OutcomeResolvedNotApplied Outcome = "resolved_not_applied"
)

// Applied reports whether the leg's effect is known to have happened.
func (o Outcome) Applied() bool {
	return o == OutcomeSucceeded || o == OutcomeResolvedApplied
}

// NotApplied reports whether the leg is known to have had no effect.
func (o Outcome) NotApplied() bool {
	return o == OutcomeFailed || o == OutcomeResolvedNotApplied
}

// Uncertain reports whether the leg may or may not have applied.
func (o Outcome) Uncertain() bool {
	return o == OutcomeUnknown || o == OutcomeNeedsManual
}

type Endpoint struct {
	Type AccountType `json:"type"`
	Ref  string      `json:"ref"`
}

func (e Endpoint) IsWallet() bool {
	return e.Type == AccountWallet
}

type Wallet struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	Currency    string    `db:"currency" json:"currency"`
	Balance     int64     `db:"balance" json:"balance"`
	ExternalRef *string   `db:"external_ref" json:"external_ref,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type WalletEntry struct {
	ID               string    `db:"id" json:"id"`
	WalletID         string    `db:"wallet_id" json:"wallet_id"`
	Amount           int64     `db:"amount" json:"amount"`
	Currency         string    `db:"currency" json:"currency"`
	Kind             EntryKind `db:"kind" json:"kind"`
	Counterparty     string    `db:"counterparty" json:"counterparty"`
	Reference        string    `db:"reference" json:"reference"`
	IdempotencyToken string    `db:"idempotency_token" json:"idempotency_token"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type TradingAccount struct {
	Login       string    `db:"login" json:"login"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	Currency    string    `db:"currency" json:"currency"`
	Balance     int64     `db:"balance" json:"balance"`
	Equity      int64     `db:"equity" json:"equity"`
	Credit      int64     `db:"credit" json:"credit"`
	FreeMargin  int64     `db:"free_margin" json:"free_margin"`
	RefreshedAt time.Time `db:"refreshed_at" json:"refreshed_at"`
}

type FundingRequest struct {
	ID              string        `db:"id" json:"id"`
	Kind            RequestKind   `db:"kind" json:"kind"`
	OwnerID         string        `db:"owner_id" json:"owner_id"`
	Amount          int64         `db:"amount" json:"amount"`
	Currency        string        `db:"currency" json:"currency"`
	AccountType     AccountType   `db:"account_type" json:"account_type"`
	AccountRef      string        `db:"account_ref" json:"account_ref"`
	Status          RequestStatus `db:"status" json:"status"`
	AdminNotes      *string       `db:"admin_notes" json:"admin_notes,omitempty"`
	ConfirmationRef *string       `db:"confirmation_ref" json:"confirmation_ref,omitempty"`
	ApproverID      *string       `db:"approver_id" json:"approver_id,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
	DecidedAt       *time.Time    `db:"decided_at" json:"decided_at,omitempty"`
}

func (r FundingRequest) Endpoint() Endpoint {
	return Endpoint{Type: r.AccountType, Ref: r.AccountRef}
}

func (r FundingRequest) SubjectType() SubjectType {
	if r.Kind == RequestWithdrawal {
		return SubjectWithdrawal
	}
	return SubjectDeposit
}

type Transfer struct {
	ID          string         `db:"id" json:"id"`
	Family      TransferFamily `db:"family" json:"family"`
	SourceType  AccountType    `db:"source_type" json:"source_type"`
	SourceRef   string         `db:"source_ref" json:"source_ref"`
	DestType    AccountType    `db:"dest_type" json:"dest_type"`
	DestRef     string         `db:"dest_ref" json:"dest_ref"`
	Amount      int64          `db:"amount" json:"amount"`
	Currency    string         `db:"currency" json:"currency"`
	Comment     string         `db:"comment" json:"comment"`
	InitiatorID string         `db:"initiator_id" json:"initiator_id"`
	Status      TransferStatus `db:"status" json:"status"`
	Resolution  *string        `db:"resolution" json:"resolution,omitempty"`
	ResolvedAt  *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

func (t Transfer) Source() Endpoint {
	return Endpoint{Type: t.SourceType, Ref: t.SourceRef}
}

func (t Transfer) Destination() Endpoint {
	return Endpoint{Type: t.DestType, Ref: t.DestRef}
}

type ReconciliationEntry struct {
	ID           int64           `db:"id" json:"id"`
	Token        string          `db:"token" json:"token"`
	SubjectType  SubjectType     `db:"subject_type" json:"subject_type"`
	SubjectID    string          `db:"subject_id" json:"subject_id"`
	Leg          Leg             `db:"leg" json:"leg"`
	Attempt      int             `db:"attempt" json:"attempt"`
	Outcome      Outcome         `db:"outcome" json:"outcome"`
	EndpointType AccountType     `db:"endpoint_type" json:"endpoint_type"`
	EndpointRef  string          `db:"endpoint_ref" json:"endpoint_ref"`
	Amount       int64           `db:"amount" json:"amount"`
	Currency     string          `db:"currency" json:"currency"`
	RawResponse  *string         `db:"raw_response" json:"raw_response,omitempty"`
	Error        *string         `db:"error" json:"error,omitempty"`
	Payload      json.RawMessage `db:"payload" json:"payload,omitempty"`
	OperatorID   *string         `db:"operator_id" json:"operator_id,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

type AuditLog struct {
	ID          string    `db:"id" json:"id"`
	ActorUserID *string   `db:"actor_user_id" json:"actor_user_id,omitempty"`
	Action      string    `db:"action" json:"action"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    string    `db:"entity_id" json:"entity_id"`
	Data        string    `db:"data" json:"data"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
