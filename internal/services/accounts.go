package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"brokerage/internal/models"
	"brokerage/internal/store"
	"brokerage/internal/tradingapi"
)

// checkEndpoint verifies the endpoint exists, is in the given currency and,
// when owned is set, belongs to userID. Trading accounts are checked against
// the local link table only.
func (o *Orchestrator) checkEndpoint(ctx context.Context, userID string, e models.Endpoint, currency string, owned bool) error {
	if e.Ref == "" {
		return validationError("account reference required")
	}
	switch e.Type {
	case models.AccountWallet:
		wallet, err := o.wallets.GetByID(ctx, e.Ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validationError("wallet %s not found", e.Ref)
			}
			return err
		}
		if owned && wallet.OwnerID != userID {
			return ErrUnauthorizedAccount
		}
		if wallet.Currency != currency {
			return validationError("wallet %s holds %s, not %s", e.Ref, wallet.Currency, currency)
		}
	case models.AccountTrading:
		account, err := o.tradingAccounts.GetByLogin(ctx, e.Ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validationError("trading account %s is not linked", e.Ref)
			}
			return err
		}
		if owned && account.OwnerID != userID {
			return ErrUnauthorizedAccount
		}
		if account.Currency != "" && account.Currency != currency {
			return validationError("trading account %s holds %s, not %s", e.Ref, account.Currency, currency)
		}
	default:
		return validationError("unknown account type %q", e.Type)
	}
	return nil
}

// TradingAccount returns the live profile of a linked account and refreshes
// the cache with it. When the platform is unreachable the cached snapshot is
// returned with stale set.
func (o *Orchestrator) TradingAccount(ctx context.Context, ownerID, login string) (models.TradingAccount, bool, error) {
	cached, err := o.tradingAccounts.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.TradingAccount{}, false, ErrNotFound
		}
		return models.TradingAccount{}, false, err
	}
	if cached.OwnerID != ownerID {
		return models.TradingAccount{}, false, ErrUnauthorizedAccount
	}
	profile, err := o.platform.GetProfile(ctx, login)
	if err != nil {
		if errors.Is(err, tradingapi.ErrRejected) {
			return models.TradingAccount{}, false, fmt.Errorf("%w: %w", ErrExternalRejected, err)
		}
		log.Warn().Err(err).Str("login", login).Msg("serving cached trading account")
		return cached, true, nil
	}
	fresh := snapshotFromProfile(profile)
	fresh.OwnerID = cached.OwnerID
	fresh.RefreshedAt = o.now().UTC()
	if err := o.tradingAccounts.UpdateSnapshot(ctx, fresh); err != nil {
		log.Warn().Err(err).Str("login", login).Msg("trading account cache update failed")
	}
	return fresh, false, nil
}

// LinkTradingAccount attaches a platform login to a user after confirming the
// platform knows it.
func (o *Orchestrator) LinkTradingAccount(ctx context.Context, operatorID, ownerID, login string) (models.TradingAccount, error) {
	login = strings.TrimSpace(login)
	if ownerID == "" || login == "" {
		return models.TradingAccount{}, validationError("owner and login required")
	}
	profile, err := o.platform.GetProfile(ctx, login)
	if err != nil {
		if errors.Is(err, tradingapi.ErrRejected) {
			return models.TradingAccount{}, validationError("trading platform does not know login %s", login)
		}
		return models.TradingAccount{}, fmt.Errorf("%w: %w", ErrExternalUnavailable, err)
	}
	account := snapshotFromProfile(profile)
	account.Login = login
	account.OwnerID = ownerID
	err = o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := o.tradingAccounts.Link(ctx, tx, account); err != nil {
			if errors.Is(err, store.ErrDuplicateToken) {
				return validationError("login %s is already linked", login)
			}
			return err
		}
		return o.audit.Log(ctx, tx, operatorID, "trading_account.linked", "trading_account", login, auditData(map[string]any{
			"owner_id": ownerID,
			"currency": account.Currency,
		}))
	})
	if err != nil {
		return models.TradingAccount{}, err
	}
	return o.tradingAccounts.GetByLogin(ctx, login)
}
