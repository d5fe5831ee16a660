package store

import (
	"context"
	"fmt"
	"strings"

	"brokerage/internal/models"
)

type TransferStore struct {
	db DB
}

type TransferFilter struct {
	Family      models.TransferFamily
	Status      models.TransferStatus
	InitiatorID string
	Limit       int
	Offset      int
}

func NewTransferStore(db DB) *TransferStore {
	return &TransferStore{db: db}
}

const transferColumns = `id, family, source_type, source_ref, dest_type, dest_ref, amount, currency,
	comment, initiator_id, status, resolution, resolved_at, created_at`

// Create records a finished saga. A record with the same id is left untouched
// and reported through the boolean.
func (s *TransferStore) Create(ctx context.Context, tx Execer, t models.Transfer) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transfers (id, family, source_type, source_ref, dest_type, dest_ref, amount, currency, comment, initiator_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Family, t.SourceType, t.SourceRef, t.DestType, t.DestRef, t.Amount, t.Currency, t.Comment, t.InitiatorID, t.Status)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *TransferStore) GetByID(ctx context.Context, q Getter, transferID string) (models.Transfer, error) {
	var row models.Transfer
	err := q.GetContext(ctx, &row, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, transferID)
	if err != nil {
		return models.Transfer{}, notFound(err)
	}
	return row, nil
}

// Resolve appends the resolution of a stuck transfer. It can be set once.
func (s *TransferStore) Resolve(ctx context.Context, tx Execer, transferID, resolution string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transfers
		SET resolution = $2, resolved_at = NOW()
		WHERE id = $1 AND resolution IS NULL
	`, transferID, resolution)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *TransferStore) List(ctx context.Context, filter TransferFilter) ([]models.Transfer, error) {
	var (
		where []string
		args  []any
	)
	if filter.Family != "" {
		args = append(args, filter.Family)
		where = append(where, fmt.Sprintf("family = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.InitiatorID != "" {
		args = append(args, filter.InitiatorID)
		where = append(where, fmt.Sprintf("initiator_id = $%d", len(args)))
	}
	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows []models.Transfer
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
