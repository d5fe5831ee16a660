package store

import (
	"context"

	"brokerage/internal/models"
)

type WalletStore struct {
	db DB
}

// WalletDrift is a wallet whose stored balance differs from its entry sum.
type WalletDrift struct {
	ID                string `db:"id" json:"id"`
	OwnerID           string `db:"owner_id" json:"owner_id"`
	Currency          string `db:"currency" json:"currency"`
	StoredBalance     int64  `db:"stored_balance" json:"stored_balance"`
	CalculatedBalance int64  `db:"calculated_balance" json:"calculated_balance"`
	Difference        int64  `db:"difference" json:"difference"`
}

func NewWalletStore(db DB) *WalletStore {
	return &WalletStore{db: db}
}

const walletColumns = `id, owner_id, currency, balance, external_ref, created_at, updated_at`

func (s *WalletStore) Create(ctx context.Context, tx Execer, id, ownerID, currency string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, currency, balance)
		VALUES ($1, $2, $3, 0)
	`, id, ownerID, currency)
	if code, _ := pqCode(err); code == "23505" {
		return ErrDuplicateToken
	}
	return err
}

func (s *WalletStore) GetByID(ctx context.Context, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

func (s *WalletStore) GetForUpdate(ctx context.Context, tx Getter, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := tx.GetContext(ctx, &row, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE id = $1
		FOR UPDATE
	`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

// AdjustBalance applies delta to the stored balance. The balance CHECK
// constraint surfaces as ErrInsufficientBalance.
func (s *WalletStore) AdjustBalance(ctx context.Context, tx Execer, walletID string, delta int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
	`, delta, walletID)
	if err != nil {
		if code, _ := pqCode(err); code == "23514" {
			return ErrInsufficientBalance
		}
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

func (s *WalletStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	var rows []models.Wallet
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE owner_id = $1
		ORDER BY currency, created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *WalletStore) ListDrift(ctx context.Context) ([]WalletDrift, error) {
	var rows []WalletDrift
	err := s.db.SelectContext(ctx, &rows, `
		SELECT w.id,
		       w.owner_id,
		       w.currency,
		       w.balance AS stored_balance,
		       COALESCE(SUM(e.amount), 0) AS calculated_balance,
		       (w.balance - COALESCE(SUM(e.amount), 0)) AS difference
		FROM wallets w
		LEFT JOIN wallet_entries e ON e.wallet_id = w.id
		GROUP BY w.id, w.owner_id, w.currency, w.balance
		HAVING w.balance <> COALESCE(SUM(e.amount), 0)
		ORDER BY w.id
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
