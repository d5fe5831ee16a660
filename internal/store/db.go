package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateToken      = errors.New("idempotency token already used")
	ErrInsufficientBalance = errors.New("balance would become negative")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrLegClaimed          = errors.New("leg attempt already recorded")
	ErrAlreadyResolved     = errors.New("resolution already recorded")
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type Selecter interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type DB interface {
	Execer
	Getter
	Selecter
}

type Tx interface {
	Execer
	Getter
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func pqCode(err error) (string, string) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", ""
	}
	return string(pqErr.Code), pqErr.Constraint
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
