package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"brokerage/internal/db"
	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/notify"
	"brokerage/internal/store"
	"brokerage/internal/tradingapi"
)

type RequestStore interface {
	Create(ctx context.Context, tx store.Execer, input store.FundingRequestInput) error
	GetByID(ctx context.Context, requestID string) (models.FundingRequest, error)
	GetForUpdate(ctx context.Context, tx store.Getter, requestID string) (models.FundingRequest, error)
	Transition(ctx context.Context, tx store.Execer, input store.TransitionInput) error
}

type TransferStore interface {
	Create(ctx context.Context, tx store.Execer, transfer models.Transfer) (bool, error)
	GetByID(ctx context.Context, q store.Getter, transferID string) (models.Transfer, error)
	Resolve(ctx context.Context, tx store.Execer, transferID, resolution string) error
}

type ReconciliationStore interface {
	Record(ctx context.Context, tx store.Getter, input store.EntryInput) (models.ReconciliationEntry, error)
	Latest(ctx context.Context, q store.Getter, token string) (models.ReconciliationEntry, error)
	ListOpen(ctx context.Context, olderThan time.Time) ([]models.ReconciliationEntry, error)
	ListUnsettled(ctx context.Context, olderThan time.Time) ([]models.ReconciliationEntry, error)
}

type TradingAccountStore interface {
	GetByLogin(ctx context.Context, login string) (models.TradingAccount, error)
	UpdateSnapshot(ctx context.Context, account models.TradingAccount) error
	Link(ctx context.Context, tx store.Execer, account models.TradingAccount) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

// TradingPlatform is the remote, non-transactional balance service.
type TradingPlatform interface {
	AddBalance(ctx context.Context, login string, amount decimal.Decimal, comment string) (tradingapi.Result, error)
	DeductBalance(ctx context.Context, login string, amount decimal.Decimal, comment string) (tradingapi.Result, error)
	GetProfile(ctx context.Context, login string) (tradingapi.Profile, error)
}

type Notifier interface {
	Notify(ctx context.Context, event notify.Event)
}

type OrchestratorConfig struct {
	// CreditMaxAttempts bounds how many times a credit leg with an unknown
	// outcome is issued before it is escalated.
	CreditMaxAttempts  int
	CreditRetryBackoff time.Duration
	// StaleLegAfter is how long a started leg may stay unanswered before it
	// is treated as an unknown outcome.
	StaleLegAfter time.Duration
}

type OrchestratorDeps struct {
	TxRunner        db.TxRunner
	Ledger          *LedgerService
	Wallets         WalletStore
	Requests        RequestStore
	Transfers       TransferStore
	Reconciliation  ReconciliationStore
	TradingAccounts TradingAccountStore
	Audit           AuditStore
	Platform        TradingPlatform
	Notifier        Notifier
	Metrics         *Metrics
	Now             func() time.Time
}

// Orchestrator coordinates ledger writes and trading platform calls for
// deposits, withdrawals and transfers. Every platform call is preceded by a
// persisted claim in the reconciliation log and followed by its outcome.
type Orchestrator struct {
	cfg             OrchestratorConfig
	txRunner        db.TxRunner
	ledger          *LedgerService
	wallets         WalletStore
	requests        RequestStore
	transfers       TransferStore
	recon           ReconciliationStore
	tradingAccounts TradingAccountStore
	audit           AuditStore
	platform        TradingPlatform
	notifier        Notifier
	metrics         *Metrics
	now             func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	if cfg.CreditMaxAttempts < 1 {
		cfg.CreditMaxAttempts = 1
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:             cfg,
		txRunner:        deps.TxRunner,
		ledger:          deps.Ledger,
		wallets:         deps.Wallets,
		requests:        deps.Requests,
		transfers:       deps.Transfers,
		recon:           deps.Reconciliation,
		tradingAccounts: deps.TradingAccounts,
		audit:           deps.Audit,
		platform:        deps.Platform,
		notifier:        deps.Notifier,
		metrics:         deps.Metrics,
		now:             now,
	}
}

// leg is one balance mutation of a saga on one endpoint.
type leg struct {
	subjectType  models.SubjectType
	subjectID    string
	name         models.Leg
	endpoint     models.Endpoint
	amount       int64
	currency     string
	entryKind    models.EntryKind
	counterparty string
	comment      string
	payload      json.RawMessage
}

func legToken(subjectID string, name models.Leg) string {
	return subjectID + ":" + string(name)
}

func (l leg) token() string {
	return legToken(l.subjectID, l.name)
}

// adds reports whether the leg moves value into its endpoint.
func (l leg) adds() bool {
	return l.name == models.LegCredit || l.name == models.LegRefund
}

func (l leg) entryInput(attempt int, outcome models.Outcome) store.EntryInput {
	return store.EntryInput{
		Token:       l.token(),
		SubjectType: l.subjectType,
		SubjectID:   l.subjectID,
		Leg:         l.name,
		Attempt:     attempt,
		Outcome:     outcome,
		Endpoint:    l.endpoint,
		Amount:      l.amount,
		Currency:    l.currency,
		Payload:     l.payload,
	}
}

type legPolicy struct {
	// maxAttempts > 1 allows re-issuing a leg whose previous outcome is unknown.
	maxAttempts int
	// retryFailed allows a new attempt after a confirmed failure.
	retryFailed bool
}

type legState int

const (
	legApplied legState = iota + 1
	legNotApplied
	legUncertain
)

type legResult struct {
	state   legState
	cause   error
	attempt int
}

type txFunc func(ctx context.Context, tx *sqlx.Tx) error

var errLegFailedEarlier = errors.New("leg failed on an earlier attempt")

func (o *Orchestrator) runLeg(ctx context.Context, l leg, guard, finalize txFunc, policy legPolicy) (legResult, error) {
	if l.endpoint.IsWallet() {
		return o.runWalletLeg(ctx, l, guard, finalize, policy)
	}
	return o.runExternalLeg(ctx, l, guard, finalize, policy)
}

// runWalletLeg writes the ledger entry, the succeeded row and finalize in one
// local transaction, so a wallet leg never has an unknown outcome.
func (o *Orchestrator) runWalletLeg(ctx context.Context, l leg, guard, finalize txFunc, policy legPolicy) (legResult, error) {
	var res legResult
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		res = legResult{}
		if guard != nil {
			if err := guard(ctx, tx); err != nil {
				return err
			}
		}
		attempt := 1
		latest, err := o.recon.Latest(ctx, tx, l.token())
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("read leg state: %w", err)
		case latest.Outcome.Applied():
			res = legResult{state: legApplied, attempt: latest.Attempt}
			if finalize != nil {
				return finalize(ctx, tx)
			}
			return nil
		case latest.Outcome.Uncertain():
			res = legResult{state: legUncertain, attempt: latest.Attempt}
			return nil
		case latest.Outcome.NotApplied() && !policy.retryFailed:
			res = legResult{state: legNotApplied, cause: errLegFailedEarlier, attempt: latest.Attempt}
			return nil
		default:
			attempt = latest.Attempt + 1
		}

		posting := Posting{
			WalletID:     l.endpoint.Ref,
			Amount:       l.amount,
			Kind:         l.entryKind,
			Counterparty: l.counterparty,
			Reference:    l.comment,
			Token:        l.token(),
		}
		var entry models.WalletEntry
		if l.adds() {
			entry, err = o.ledger.CreditTx(ctx, tx, posting)
		} else {
			entry, err = o.ledger.DebitTx(ctx, tx, posting)
		}
		if err != nil {
			return err
		}
		in := l.entryInput(attempt, models.OutcomeSucceeded)
		in.RawResponse = entry.ID
		if _, err := o.recon.Record(ctx, tx, in); err != nil {
			return fmt.Errorf("record wallet leg: %w", err)
		}
		res = legResult{state: legApplied, attempt: attempt}
		if finalize != nil {
			return finalize(ctx, tx)
		}
		return nil
	})
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		return legResult{}, err
	}

	cause := err
	var attempt int
	recordErr := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		attempt = 1
		if latest, err := o.recon.Latest(ctx, tx, l.token()); err == nil {
			attempt = latest.Attempt + 1
		}
		in := l.entryInput(attempt, models.OutcomeFailed)
		in.Error = cause.Error()
		_, recordErr := o.recon.Record(ctx, tx, in)
		return recordErr
	})
	if recordErr != nil {
		return legResult{}, fmt.Errorf("record failed wallet leg: %w", recordErr)
	}
	o.logLeg(l, attempt, models.OutcomeFailed).Err(cause).Msg("wallet leg failed")
	return legResult{state: legNotApplied, cause: cause, attempt: attempt}, nil
}

type claimAction int

const (
	claimCall claimAction = iota + 1
	claimDone
)

func (o *Orchestrator) runExternalLeg(ctx context.Context, l leg, guard, finalize txFunc, policy legPolicy) (legResult, error) {
	// Once a claim is persisted the saga runs to a decision even if the
	// caller goes away.
	detached := context.WithoutCancel(ctx)
	for {
		action, res, attempt, err := o.claim(ctx, l, guard, finalize, policy)
		if err != nil {
			return legResult{}, err
		}
		if action == claimDone {
			return res, nil
		}
		ctx = detached

		result, callErr := o.callPlatform(ctx, l)
		switch {
		case callErr == nil:
			in := l.entryInput(attempt, models.OutcomeSucceeded)
			in.RawResponse = result.Raw
			if err := o.settle(ctx, l, in, finalize); err != nil {
				return legResult{}, err
			}
			o.logLeg(l, attempt, models.OutcomeSucceeded).Bool("parsed", result.Parsed).Msg("trading platform leg applied")
			o.refreshTradingAccount(ctx, l.endpoint.Ref)
			return legResult{state: legApplied, attempt: attempt}, nil

		case errors.Is(callErr, tradingapi.ErrRejected):
			in := l.entryInput(attempt, models.OutcomeFailed)
			in.RawResponse = result.Raw
			in.Error = callErr.Error()
			if err := o.record(ctx, in); err != nil {
				return legResult{}, err
			}
			o.logLeg(l, attempt, models.OutcomeFailed).Err(callErr).Msg("trading platform rejected leg")
			return legResult{state: legNotApplied, cause: callErr, attempt: attempt}, nil

		default:
			in := l.entryInput(attempt, models.OutcomeUnknown)
			in.RawResponse = result.Raw
			in.Error = callErr.Error()
			if err := o.record(ctx, in); err != nil {
				return legResult{}, err
			}
			o.logLeg(l, attempt, models.OutcomeUnknown).Err(callErr).Msg("trading platform outcome unknown")
			if attempt < policy.maxAttempts {
				o.backoff(attempt)
			}
		}
	}
}

// claim decides the next step for a leg from its latest logged outcome and,
// when a platform call is due, persists the started row for it.
func (o *Orchestrator) claim(ctx context.Context, l leg, guard, finalize txFunc, policy legPolicy) (claimAction, legResult, int, error) {
	var (
		action  claimAction
		res     legResult
		attempt int
	)
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		action, res, attempt = 0, legResult{}, 1
		if guard != nil {
			if err := guard(ctx, tx); err != nil {
				return err
			}
		}
		latest, err := o.recon.Latest(ctx, tx, l.token())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("read leg state: %w", err)
		}
		if err == nil {
			outcome := latest.Outcome
			if outcome == models.OutcomeStarted {
				if o.now().Sub(latest.CreatedAt) < o.cfg.StaleLegAfter {
					return ErrInProgress
				}
				in := l.entryInput(latest.Attempt, models.OutcomeUnknown)
				in.Error = "no outcome recorded before claim went stale"
				if _, err := o.recon.Record(ctx, tx, in); err != nil {
					return fmt.Errorf("record stale leg: %w", err)
				}
				o.logLeg(l, latest.Attempt, models.OutcomeUnknown).Msg("stale leg treated as unknown outcome")
				outcome = models.OutcomeUnknown
			}
			switch {
			case outcome.Applied():
				action, res = claimDone, legResult{state: legApplied, attempt: latest.Attempt}
				if finalize != nil {
					return finalize(ctx, tx)
				}
				return nil
			case outcome == models.OutcomeNeedsManual:
				action, res = claimDone, legResult{state: legUncertain, attempt: latest.Attempt}
				return nil
			case outcome == models.OutcomeUnknown && latest.Attempt >= policy.maxAttempts:
				in := l.entryInput(latest.Attempt, models.OutcomeNeedsManual)
				in.Error = "outcome unknown after final attempt"
				if latest.Error != nil {
					in.Error = *latest.Error
				}
				if _, err := o.recon.Record(ctx, tx, in); err != nil {
					return fmt.Errorf("escalate leg: %w", err)
				}
				o.logLeg(l, latest.Attempt, models.OutcomeNeedsManual).Msg("leg escalated to manual reconciliation")
				action, res = claimDone, legResult{state: legUncertain, attempt: latest.Attempt}
				return nil
			case outcome.NotApplied() && !policy.retryFailed:
				action, res = claimDone, legResult{state: legNotApplied, cause: errLegFailedEarlier, attempt: latest.Attempt}
				return nil
			}
			attempt = latest.Attempt + 1
		}
		if _, err := o.recon.Record(ctx, tx, l.entryInput(attempt, models.OutcomeStarted)); err != nil {
			if errors.Is(err, store.ErrLegClaimed) {
				return ErrInProgress
			}
			return fmt.Errorf("claim leg: %w", err)
		}
		action = claimCall
		return nil
	})
	if err != nil {
		return 0, legResult{}, 0, err
	}
	if action == claimCall {
		o.logLeg(l, attempt, models.OutcomeStarted).Msg("leg claimed")
	}
	return action, res, attempt, nil
}

func (o *Orchestrator) callPlatform(ctx context.Context, l leg) (tradingapi.Result, error) {
	amount := money.ToDecimal(l.amount)
	comment := tradingapi.Comment(l.comment, l.token())
	op := "deduct"
	var (
		result tradingapi.Result
		err    error
	)
	if l.adds() {
		op = "add"
		result, err = o.platform.AddBalance(ctx, l.endpoint.Ref, amount, comment)
	} else {
		result, err = o.platform.DeductBalance(ctx, l.endpoint.Ref, amount, comment)
	}
	outcome := "applied"
	switch {
	case err == nil:
	case errors.Is(err, tradingapi.ErrRejected):
		outcome = "rejected"
	default:
		outcome = "unknown"
	}
	o.metrics.externalCall(op, outcome)
	return result, err
}

// settle records an applied outcome together with finalize. When that
// transaction cannot commit the outcome is still recorded on its own, so
// recovery can finish the subject later.
func (o *Orchestrator) settle(ctx context.Context, l leg, in store.EntryInput, finalize txFunc) error {
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := o.recon.Record(ctx, tx, in); err != nil {
			return fmt.Errorf("record leg outcome: %w", err)
		}
		if finalize != nil {
			return finalize(ctx, tx)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if recordErr := o.record(ctx, in); recordErr != nil && !errors.Is(recordErr, store.ErrLegClaimed) {
		log.Error().Err(recordErr).Str("token", in.Token).Msg("applied leg outcome not recorded")
		return errors.Join(err, recordErr)
	}
	o.logLeg(l, in.Attempt, models.OutcomeSucceeded).Err(err).Msg("leg applied but not finalized")
	return err
}

// escalate marks a leg for manual reconciliation after a definitive failure
// that leaves the saga without a safe automatic next step.
func (o *Orchestrator) escalate(ctx context.Context, l leg, attempt int, cause error) error {
	in := l.entryInput(attempt, models.OutcomeNeedsManual)
	if cause != nil {
		in.Error = cause.Error()
	}
	err := o.record(ctx, in)
	if errors.Is(err, store.ErrLegClaimed) {
		return nil
	}
	if err == nil {
		o.logLeg(l, attempt, models.OutcomeNeedsManual).Msg("leg escalated to manual reconciliation")
	}
	return err
}

func (o *Orchestrator) record(ctx context.Context, in store.EntryInput) error {
	return o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := o.recon.Record(ctx, tx, in)
		return err
	})
}

func (o *Orchestrator) backoff(attempt int) {
	if o.cfg.CreditRetryBackoff <= 0 {
		return
	}
	time.Sleep(time.Duration(attempt) * o.cfg.CreditRetryBackoff)
}

// refreshTradingAccount updates the advisory cache; failures only log.
func (o *Orchestrator) refreshTradingAccount(ctx context.Context, login string) {
	if o.tradingAccounts == nil {
		return
	}
	if _, err := o.tradingAccounts.GetByLogin(ctx, login); err != nil {
		return
	}
	profile, err := o.platform.GetProfile(ctx, login)
	if err != nil {
		log.Debug().Err(err).Str("login", login).Msg("trading account refresh failed")
		return
	}
	snapshot := snapshotFromProfile(profile)
	snapshot.Login = login
	if err := o.tradingAccounts.UpdateSnapshot(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("login", login).Msg("trading account cache update failed")
	}
}

// announceBalances pushes the balances an operation touched once it has
// finished successfully. Intermediate legs of a saga are never announced.
func (o *Orchestrator) announceBalances(ctx context.Context, endpoints ...models.Endpoint) {
	for _, e := range endpoints {
		if e.IsWallet() {
			o.walletChanged(ctx, e.Ref)
			continue
		}
		o.tradingAccountChanged(ctx, e.Ref)
	}
}

func (o *Orchestrator) tradingAccountChanged(ctx context.Context, login string) {
	if o.tradingAccounts == nil {
		return
	}
	account, err := o.tradingAccounts.GetByLogin(ctx, login)
	if err != nil {
		log.Debug().Err(err).Str("login", login).Msg("trading account reload failed")
		return
	}
	o.emit(ctx, notify.Event{
		Type:      notify.EventTradingBalance,
		UserID:    account.OwnerID,
		SubjectID: login,
		Data: map[string]any{
			"account_id": login,
			"balance":    money.FormatMinor(account.Balance),
			"currency":   account.Currency,
		},
	})
}

func (o *Orchestrator) walletChanged(ctx context.Context, walletID string) {
	wallet, err := o.wallets.GetByID(ctx, walletID)
	if err != nil {
		log.Warn().Err(err).Str("wallet_id", walletID).Msg("wallet reload failed")
		return
	}
	o.emit(ctx, notify.Event{
		Type:      notify.EventWalletBalance,
		UserID:    wallet.OwnerID,
		SubjectID: wallet.ID,
		Data: map[string]any{
			"account_id": wallet.ID,
			"balance":    money.FormatMinor(wallet.Balance),
			"currency":   wallet.Currency,
		},
	})
}

func (o *Orchestrator) emit(ctx context.Context, event notify.Event) {
	if o.notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = o.now().UTC()
	}
	o.notifier.Notify(ctx, event)
}

func (o *Orchestrator) logLeg(l leg, attempt int, outcome models.Outcome) *zerolog.Event {
	return log.Info().
		Str("subject_type", string(l.subjectType)).
		Str("subject_id", l.subjectID).
		Str("token", l.token()).
		Str("leg", string(l.name)).
		Int("attempt", attempt).
		Str("outcome", string(outcome))
}

func snapshotFromProfile(p tradingapi.Profile) models.TradingAccount {
	return models.TradingAccount{
		Login:      p.Login,
		Currency:   p.Currency,
		Balance:    money.FromDecimalRounded(p.Balance),
		Equity:     money.FromDecimalRounded(p.Equity),
		Credit:     money.FromDecimalRounded(p.Credit),
		FreeMargin: money.FromDecimalRounded(p.FreeMargin),
	}
}

func auditData(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}
