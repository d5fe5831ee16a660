package store

import (
	"context"

	"brokerage/internal/models"
)

// TradingAccountStore caches trading platform profiles. The platform stays the
// source of truth; rows here are advisory and link a login to its owner.
type TradingAccountStore struct {
	db DB
}

func NewTradingAccountStore(db DB) *TradingAccountStore {
	return &TradingAccountStore{db: db}
}

const tradingAccountColumns = `login, owner_id, currency, balance, equity, credit, free_margin, refreshed_at`

func (s *TradingAccountStore) Link(ctx context.Context, tx Execer, account models.TradingAccount) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trading_accounts (login, owner_id, currency, balance, equity, credit, free_margin, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, account.Login, account.OwnerID, account.Currency, account.Balance, account.Equity, account.Credit, account.FreeMargin)
	if code, _ := pqCode(err); code == "23505" {
		return ErrDuplicateToken
	}
	return err
}

func (s *TradingAccountStore) GetByLogin(ctx context.Context, login string) (models.TradingAccount, error) {
	var row models.TradingAccount
	err := s.db.GetContext(ctx, &row, `SELECT `+tradingAccountColumns+` FROM trading_accounts WHERE login = $1`, login)
	if err != nil {
		return models.TradingAccount{}, notFound(err)
	}
	return row, nil
}

// UpdateSnapshot refreshes the cached figures. Ownership is never changed here.
func (s *TradingAccountStore) UpdateSnapshot(ctx context.Context, account models.TradingAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trading_accounts
		SET currency = $2, balance = $3, equity = $4, credit = $5, free_margin = $6, refreshed_at = NOW()
		WHERE login = $1
	`, account.Login, account.Currency, account.Balance, account.Equity, account.Credit, account.FreeMargin)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *TradingAccountStore) ListByOwner(ctx context.Context, ownerID string) ([]models.TradingAccount, error) {
	var rows []models.TradingAccount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+tradingAccountColumns+`
		FROM trading_accounts
		WHERE owner_id = $1
		ORDER BY login
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
