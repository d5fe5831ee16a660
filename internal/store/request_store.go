package store

import (
	"context"
	"fmt"
	"strings"

	"brokerage/internal/models"
)

type RequestStore struct {
	db DB
}

type FundingRequestInput struct {
	ID          string
	Kind        models.RequestKind
	OwnerID     string
	Amount      int64
	Currency    string
	AccountType models.AccountType
	AccountRef  string
}

type TransitionInput struct {
	ID              string
	From            models.RequestStatus
	To              models.RequestStatus
	ApproverID      string
	Notes           string
	ConfirmationRef string
}

type RequestFilter struct {
	Kind    models.RequestKind
	Status  models.RequestStatus
	OwnerID string
	Limit   int
	Offset  int
}

func NewRequestStore(db DB) *RequestStore {
	return &RequestStore{db: db}
}

const requestColumns = `id, kind, owner_id, amount, currency, account_type, account_ref, status,
	admin_notes, confirmation_ref, approver_id, created_at, updated_at, decided_at`

func (s *RequestStore) Create(ctx context.Context, tx Execer, input FundingRequestInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO funding_requests (id, kind, owner_id, amount, currency, account_type, account_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
	`, input.ID, input.Kind, input.OwnerID, input.Amount, input.Currency, input.AccountType, input.AccountRef)
	return err
}

func (s *RequestStore) GetByID(ctx context.Context, requestID string) (models.FundingRequest, error) {
	var row models.FundingRequest
	err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM funding_requests WHERE id = $1`, requestID)
	if err != nil {
		return models.FundingRequest{}, notFound(err)
	}
	return row, nil
}

func (s *RequestStore) GetForUpdate(ctx context.Context, tx Getter, requestID string) (models.FundingRequest, error) {
	var row models.FundingRequest
	err := tx.GetContext(ctx, &row, `
		SELECT `+requestColumns+`
		FROM funding_requests
		WHERE id = $1
		FOR UPDATE
	`, requestID)
	if err != nil {
		return models.FundingRequest{}, notFound(err)
	}
	return row, nil
}

// Transition moves a request from one status to another only if it is still
// in the expected status. Zero affected rows means another actor got there first.
func (s *RequestStore) Transition(ctx context.Context, tx Execer, input TransitionInput) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE funding_requests
		SET status = $3,
		    approver_id = $4,
		    admin_notes = COALESCE($5, admin_notes),
		    confirmation_ref = COALESCE($6, confirmation_ref),
		    decided_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, input.ID, input.From, input.To, input.ApproverID, stringPtr(input.Notes), stringPtr(input.ConfirmationRef))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *RequestStore) List(ctx context.Context, filter RequestFilter) ([]models.FundingRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	query := `SELECT ` + requestColumns + ` FROM funding_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows []models.FundingRequest
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
