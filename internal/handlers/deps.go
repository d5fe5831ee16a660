package handlers

import (
	"context"

	"brokerage/internal/models"
	"brokerage/internal/services"
	"brokerage/internal/store"
)

type Orchestrator interface {
	SubmitRequest(ctx context.Context, in services.SubmitRequestInput) (models.FundingRequest, error)
	ApproveDeposit(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error)
	ApproveWithdrawal(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error)
	RejectRequest(ctx context.Context, in services.RejectInput) (models.FundingRequest, error)
	Transfer(ctx context.Context, in services.TransferInput) (models.Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (models.Transfer, error)
	Resolve(ctx context.Context, in services.ResolveInput) (models.ReconciliationEntry, error)
	TradingAccount(ctx context.Context, ownerID, login string) (models.TradingAccount, bool, error)
	LinkTradingAccount(ctx context.Context, operatorID, ownerID, login string) (models.TradingAccount, error)
}

type Ledger interface {
	OpenWallet(ctx context.Context, ownerID, currency string) (models.Wallet, error)
	Balance(ctx context.Context, walletID string) (int64, error)
	Reconcile(ctx context.Context) ([]store.WalletDrift, error)
}

type WalletStore interface {
	GetByID(ctx context.Context, walletID string) (models.Wallet, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Wallet, error)
}

type EntryStore interface {
	ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]models.WalletEntry, error)
}

type RequestStore interface {
	GetByID(ctx context.Context, requestID string) (models.FundingRequest, error)
	List(ctx context.Context, filter store.RequestFilter) ([]models.FundingRequest, error)
}

type TransferStore interface {
	List(ctx context.Context, filter store.TransferFilter) ([]models.Transfer, error)
}

type ReconciliationStore interface {
	History(ctx context.Context, subjectID string) ([]models.ReconciliationEntry, error)
	ListByOutcome(ctx context.Context, outcome models.Outcome, limit, offset int) ([]models.ReconciliationEntry, error)
}

type TradingAccountStore interface {
	ListByOwner(ctx context.Context, ownerID string) ([]models.TradingAccount, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	Roles(ctx context.Context, userID string) ([]string, error)
	CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	List(ctx context.Context, entityID string, limit, offset int) ([]models.AuditLog, error)
}
