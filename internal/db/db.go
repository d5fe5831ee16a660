package db

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const maxTxAttempts = 5

var ErrRetryLimit = errors.New("transaction retry limit exceeded")

// TxRunner runs fn inside a serializable transaction, retrying on
// serialization failures and deadlocks.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

type SQLXTxRunner struct {
	db *sqlx.DB
}

func NewTxRunner(db *sqlx.DB) SQLXTxRunner {
	return SQLXTxRunner{db: db}
}

func (r SQLXTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return WithTx(ctx, r.db, fn)
}

func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if IsRetryable(err) && attempt < maxTxAttempts {
				log.Debug().Err(err).Int("attempt", attempt).Msg("retrying transaction")
				if err := sleepWithBackoff(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if IsRetryable(err) && attempt < maxTxAttempts {
				log.Debug().Err(err).Int("attempt", attempt).Msg("retrying commit")
				if err := sleepWithBackoff(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return err
		}
		return nil
	}
	return ErrRetryLimit
}

// IsRetryable reports serialization failures (40001) and deadlocks (40P01).
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// IsUniqueViolation reports a 23505 error, optionally restricted to a constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func sleepWithBackoff(ctx context.Context, attempt int) error {
	base := 20 * time.Millisecond
	backoff := time.Duration(attempt*attempt) * base
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
