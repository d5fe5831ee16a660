package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"brokerage/internal/db"
	"brokerage/internal/models"
	"brokerage/internal/store"
)

type WalletStore interface {
	Create(ctx context.Context, tx store.Execer, id, ownerID, currency string) error
	GetByID(ctx context.Context, walletID string) (models.Wallet, error)
	GetForUpdate(ctx context.Context, tx store.Getter, walletID string) (models.Wallet, error)
	AdjustBalance(ctx context.Context, tx store.Execer, walletID string, delta int64) error
	ListDrift(ctx context.Context) ([]store.WalletDrift, error)
}

type EntryStore interface {
	Insert(ctx context.Context, tx store.Execer, entry models.WalletEntry) error
	GetByToken(ctx context.Context, q store.Getter, token string) (models.WalletEntry, error)
	SumByWallet(ctx context.Context, q store.Getter, walletID string) (int64, error)
}

// Posting is a single ledger movement. Amount is always positive; the
// direction comes from Credit or Debit.
type Posting struct {
	WalletID     string
	Amount       int64
	Kind         models.EntryKind
	Counterparty string
	Reference    string
	Token        string
}

// LedgerService is the only writer of wallet balances.
type LedgerService struct {
	txRunner db.TxRunner
	wallets  WalletStore
	entries  EntryStore
}

func NewLedgerService(txRunner db.TxRunner, wallets WalletStore, entries EntryStore) *LedgerService {
	return &LedgerService{txRunner: txRunner, wallets: wallets, entries: entries}
}

func (s *LedgerService) OpenWallet(ctx context.Context, ownerID, currency string) (models.Wallet, error) {
	if ownerID == "" || len(currency) != 3 {
		return models.Wallet{}, validationError("owner and three letter currency required")
	}
	id := uuid.NewString()
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.wallets.Create(ctx, tx, id, ownerID, currency)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateToken) {
			return models.Wallet{}, validationError("wallet for %s already exists", currency)
		}
		return models.Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	return s.wallets.GetByID(ctx, id)
}

func (s *LedgerService) Credit(ctx context.Context, p Posting) (models.WalletEntry, error) {
	var entry models.WalletEntry
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, p)
		return err
	})
	return entry, err
}

func (s *LedgerService) Debit(ctx context.Context, p Posting) (models.WalletEntry, error) {
	var entry models.WalletEntry
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = s.DebitTx(ctx, tx, p)
		return err
	})
	return entry, err
}

func (s *LedgerService) CreditTx(ctx context.Context, tx *sqlx.Tx, p Posting) (models.WalletEntry, error) {
	return s.post(ctx, tx, p, 1)
}

func (s *LedgerService) DebitTx(ctx context.Context, tx *sqlx.Tx, p Posting) (models.WalletEntry, error) {
	return s.post(ctx, tx, p, -1)
}

// post locks the wallet row, then either returns the entry already written
// under p.Token or appends a new one and moves the stored balance with it.
func (s *LedgerService) post(ctx context.Context, tx *sqlx.Tx, p Posting, sign int64) (models.WalletEntry, error) {
	if p.Amount <= 0 {
		return models.WalletEntry{}, validationError("amount must be positive")
	}
	if p.Token == "" {
		return models.WalletEntry{}, validationError("idempotency token required")
	}
	wallet, err := s.wallets.GetForUpdate(ctx, tx, p.WalletID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.WalletEntry{}, fmt.Errorf("wallet %s: %w", p.WalletID, ErrNotFound)
		}
		return models.WalletEntry{}, fmt.Errorf("lock wallet: %w", err)
	}
	existing, err := s.entries.GetByToken(ctx, tx, p.Token)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.WalletEntry{}, fmt.Errorf("lookup entry: %w", err)
	}
	if sign < 0 && wallet.Balance < p.Amount {
		return models.WalletEntry{}, ErrInsufficientFunds
	}

	entry := models.WalletEntry{
		ID:               uuid.NewString(),
		WalletID:         wallet.ID,
		Amount:           sign * p.Amount,
		Currency:         wallet.Currency,
		Kind:             p.Kind,
		Counterparty:     p.Counterparty,
		Reference:        p.Reference,
		IdempotencyToken: p.Token,
	}
	if err := s.entries.Insert(ctx, tx, entry); err != nil {
		return models.WalletEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	if err := s.wallets.AdjustBalance(ctx, tx, wallet.ID, entry.Amount); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return models.WalletEntry{}, ErrInsufficientFunds
		}
		return models.WalletEntry{}, fmt.Errorf("adjust balance: %w", err)
	}
	return entry, nil
}

// Balance is reconstructed from the entries, not read from the stored column.
func (s *LedgerService) Balance(ctx context.Context, walletID string) (int64, error) {
	if _, err := s.wallets.GetByID(ctx, walletID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	var sum int64
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		sum, err = s.entries.SumByWallet(ctx, tx, walletID)
		return err
	})
	return sum, err
}

func (s *LedgerService) Reconcile(ctx context.Context) ([]store.WalletDrift, error) {
	return s.wallets.ListDrift(ctx)
}
