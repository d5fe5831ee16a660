package store

import (
	"context"
	"encoding/json"
	"time"

	"brokerage/internal/models"
)

// ReconciliationStore is the append-only log of every leg attempt and its
// outcome. The latest row per token is the current state of that leg.
type ReconciliationStore struct {
	db DB
}

type EntryInput struct {
	Token       string
	SubjectType models.SubjectType
	SubjectID   string
	Leg         models.Leg
	Attempt     int
	Outcome     models.Outcome
	Endpoint    models.Endpoint
	Amount      int64
	Currency    string
	RawResponse string
	Error       string
	Payload     json.RawMessage
	OperatorID  string
}

func NewReconciliationStore(db DB) *ReconciliationStore {
	return &ReconciliationStore{db: db}
}

const reconciliationColumns = `id, token, subject_type, subject_id, leg, attempt, outcome, endpoint_type,
	endpoint_ref, amount, currency, raw_response, error, payload, operator_id, created_at`

// Record appends an entry. A duplicate (token, attempt, outcome) means a
// concurrent actor already claimed or settled this attempt.
func (s *ReconciliationStore) Record(ctx context.Context, tx Getter, input EntryInput) (models.ReconciliationEntry, error) {
	payload := input.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var row models.ReconciliationEntry
	err := tx.GetContext(ctx, &row, `
		INSERT INTO reconciliation_log (token, subject_type, subject_id, leg, attempt, outcome, endpoint_type,
		                                endpoint_ref, amount, currency, raw_response, error, payload, operator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+reconciliationColumns,
		input.Token, input.SubjectType, input.SubjectID, input.Leg, input.Attempt, input.Outcome,
		input.Endpoint.Type, input.Endpoint.Ref, input.Amount, input.Currency,
		stringPtr(input.RawResponse), stringPtr(input.Error), string(payload), stringPtr(input.OperatorID),
	)
	if err != nil {
		if code, _ := pqCode(err); code == "23505" {
			return models.ReconciliationEntry{}, ErrLegClaimed
		}
		return models.ReconciliationEntry{}, err
	}
	return row, nil
}

func (s *ReconciliationStore) Latest(ctx context.Context, q Getter, token string) (models.ReconciliationEntry, error) {
	var row models.ReconciliationEntry
	err := q.GetContext(ctx, &row, `
		SELECT `+reconciliationColumns+`
		FROM reconciliation_log
		WHERE token = $1
		ORDER BY id DESC
		LIMIT 1
	`, token)
	if err != nil {
		return models.ReconciliationEntry{}, notFound(err)
	}
	return row, nil
}

func (s *ReconciliationStore) History(ctx context.Context, subjectID string) ([]models.ReconciliationEntry, error) {
	var rows []models.ReconciliationEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reconciliationColumns+`
		FROM reconciliation_log
		WHERE subject_id = $1
		ORDER BY id
	`, subjectID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListOpen returns legs whose latest entry is started or unknown and older
// than the cutoff.
func (s *ReconciliationStore) ListOpen(ctx context.Context, olderThan time.Time) ([]models.ReconciliationEntry, error) {
	var rows []models.ReconciliationEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reconciliationColumns+`
		FROM (
			SELECT DISTINCT ON (token) `+reconciliationColumns+`
			FROM reconciliation_log
			ORDER BY token, id DESC
		) latest
		WHERE outcome IN ('started', 'unknown') AND created_at < $1
		ORDER BY id
	`, olderThan)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListUnsettled returns applied legs, older than the cutoff, whose subject was
// never finished: a transfer credit with no transfer record, or a funding leg
// whose request is still pending.
func (s *ReconciliationStore) ListUnsettled(ctx context.Context, olderThan time.Time) ([]models.ReconciliationEntry, error) {
	var rows []models.ReconciliationEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reconciliationColumns+`
		FROM (
			SELECT DISTINCT ON (token) `+reconciliationColumns+`
			FROM reconciliation_log
			ORDER BY token, id DESC
		) latest
		WHERE outcome IN ('succeeded', 'resolved_applied') AND created_at < $1
		  AND (
			(subject_type = 'transfer' AND leg = 'credit'
			 AND NOT EXISTS (SELECT 1 FROM transfers t WHERE t.id = latest.subject_id))
			OR
			(subject_type IN ('deposit', 'withdrawal')
			 AND EXISTS (SELECT 1 FROM funding_requests r WHERE r.id = latest.subject_id AND r.status = 'pending'))
		  )
		ORDER BY id
	`, olderThan)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ReconciliationStore) ListByOutcome(ctx context.Context, outcome models.Outcome, limit, offset int) ([]models.ReconciliationEntry, error) {
	var rows []models.ReconciliationEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reconciliationColumns+`
		FROM (
			SELECT DISTINCT ON (token) `+reconciliationColumns+`
			FROM reconciliation_log
			ORDER BY token, id DESC
		) latest
		WHERE outcome = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, outcome, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
