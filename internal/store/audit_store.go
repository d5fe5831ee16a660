package store

import (
	"context"

	"brokerage/internal/models"
)

type AuditStore struct {
	db DB
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log appends an audit row. data must be a JSON document.
func (s *AuditStore) Log(ctx context.Context, tx Execer, actorID, action, entityType, entityID, data string) error {
	if data == "" {
		data = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_user_id, action, entity_type, entity_id, data)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
	`, stringPtr(actorID), action, entityType, entityID, data)
	return err
}

func (s *AuditStore) List(ctx context.Context, entityID string, limit, offset int) ([]models.AuditLog, error) {
	var rows []models.AuditLog
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_user_id, action, entity_type, entity_id, data::text AS data, created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, entityID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
