package store

import (
	"context"

	"brokerage/internal/models"
)

// LedgerStore holds wallet entries. Entries are insert-only; there is no
// update or delete path.
type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const entryColumns = `id, wallet_id, amount, currency, kind, counterparty, reference, idempotency_token, created_at`

func (s *LedgerStore) Insert(ctx context.Context, tx Execer, entry models.WalletEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, wallet_id, amount, currency, kind, counterparty, reference, idempotency_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.WalletID, entry.Amount, entry.Currency, entry.Kind, entry.Counterparty, entry.Reference, entry.IdempotencyToken)
	if code, _ := pqCode(err); code == "23505" {
		return ErrDuplicateToken
	}
	return err
}

func (s *LedgerStore) GetByToken(ctx context.Context, q Getter, token string) (models.WalletEntry, error) {
	var row models.WalletEntry
	err := q.GetContext(ctx, &row, `
		SELECT `+entryColumns+`
		FROM wallet_entries
		WHERE idempotency_token = $1
	`, token)
	if err != nil {
		return models.WalletEntry{}, notFound(err)
	}
	return row, nil
}

func (s *LedgerStore) SumByWallet(ctx context.Context, q Getter, walletID string) (int64, error) {
	var sum int64
	err := q.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_entries
		WHERE wallet_id = $1
	`, walletID)
	return sum, err
}

func (s *LedgerStore) ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]models.WalletEntry, error) {
	var rows []models.WalletEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+`
		FROM wallet_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
