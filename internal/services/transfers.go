package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/notify"
	"brokerage/internal/store"
	"brokerage/internal/tradingapi"
)

var transferNamespace = uuid.MustParse("6f1d3a52-9c1e-4b7a-8d8e-2f4b1c7e9a10")

type TransferInput struct {
	Family         models.TransferFamily `json:"family"`
	InitiatorID    string                `json:"initiator_id"`
	Source         models.Endpoint       `json:"source"`
	Destination    models.Endpoint       `json:"destination"`
	Amount         int64                 `json:"amount"`
	Currency       string                `json:"currency"`
	Comment        string                `json:"comment,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

// transferPlan is what every leg of a transfer carries in its payload, so the
// saga can be resumed from the reconciliation log alone.
type transferPlan struct {
	ID          string                `json:"id"`
	Family      models.TransferFamily `json:"family"`
	InitiatorID string                `json:"initiator_id"`
	Source      models.Endpoint       `json:"source"`
	Destination models.Endpoint       `json:"destination"`
	Amount      int64                 `json:"amount"`
	Currency    string                `json:"currency"`
	Comment     string                `json:"comment,omitempty"`
}

// TransferID derives the transfer id. The same initiator and idempotency key
// always map to the same transfer.
func TransferID(initiatorID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(transferNamespace, []byte(initiatorID+":"+idempotencyKey)).String()
}

// Transfer moves value between two endpoints: credit the destination, then
// debit the source, reversing the credit when the debit does not apply.
func (o *Orchestrator) Transfer(ctx context.Context, in TransferInput) (models.Transfer, error) {
	if err := o.validateTransfer(ctx, in); err != nil {
		return models.Transfer{}, err
	}
	plan := transferPlan{
		ID:          TransferID(in.InitiatorID, in.IdempotencyKey),
		Family:      in.Family,
		InitiatorID: in.InitiatorID,
		Source:      in.Source,
		Destination: in.Destination,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Comment:     in.Comment,
	}

	existing, err := o.readTransfer(ctx, plan.ID)
	switch {
	case err == nil:
		if !plan.matches(planFromTransfer(existing)) {
			return models.Transfer{}, ErrIdempotencyMismatch
		}
		if existing.Status == models.TransferStuck && existing.Resolution == nil {
			return existing, &StuckError{SubjectType: models.SubjectTransfer, SubjectID: existing.ID}
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return models.Transfer{}, err
	}

	// A saga already under way carries its plan on the credit leg.
	credit, seen, err := o.latestEntry(ctx, legToken(plan.ID, models.LegCredit))
	if err != nil {
		return models.Transfer{}, err
	}
	if seen {
		var stored transferPlan
		if err := json.Unmarshal(credit.Payload, &stored); err != nil {
			return models.Transfer{}, fmt.Errorf("decode transfer payload: %w", err)
		}
		if !plan.matches(stored) {
			return models.Transfer{}, ErrIdempotencyMismatch
		}
		return o.advanceTransfer(ctx, stored)
	}
	if err := o.checkFunds(ctx, plan.Source, plan.Amount); err != nil {
		return models.Transfer{}, err
	}
	return o.advanceTransfer(ctx, plan)
}

// matches reports whether two plans move the same value between the same
// endpoints. The comment is not compared.
func (p transferPlan) matches(other transferPlan) bool {
	return p.Family == other.Family &&
		p.Source == other.Source &&
		p.Destination == other.Destination &&
		p.Amount == other.Amount &&
		p.Currency == other.Currency
}

func planFromTransfer(t models.Transfer) transferPlan {
	return transferPlan{
		ID:          t.ID,
		Family:      t.Family,
		InitiatorID: t.InitiatorID,
		Source:      models.Endpoint{Type: t.SourceType, Ref: t.SourceRef},
		Destination: models.Endpoint{Type: t.DestType, Ref: t.DestRef},
		Amount:      t.Amount,
		Currency:    t.Currency,
		Comment:     t.Comment,
	}
}

func (o *Orchestrator) validateTransfer(ctx context.Context, in TransferInput) error {
	if in.Amount <= 0 {
		return validationError("amount must be positive")
	}
	if in.Source == in.Destination {
		return validationError("source and destination must differ")
	}
	switch in.Family {
	case models.FamilyInternal:
		if !in.Source.IsWallet() && !in.Destination.IsWallet() {
			return validationError("internal transfers need a wallet on one side")
		}
	case models.FamilyAdmin:
	default:
		return validationError("unknown transfer family %q", in.Family)
	}
	owned := in.Family == models.FamilyInternal
	if err := o.checkEndpoint(ctx, in.InitiatorID, in.Source, in.Currency, owned); err != nil {
		return err
	}
	return o.checkEndpoint(ctx, in.InitiatorID, in.Destination, in.Currency, owned)
}

func (o *Orchestrator) checkFunds(ctx context.Context, source models.Endpoint, amount int64) error {
	if source.IsWallet() {
		balance, err := o.ledger.Balance(ctx, source.Ref)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientFunds
		}
		return nil
	}
	profile, err := o.platform.GetProfile(ctx, source.Ref)
	if err != nil {
		if errors.Is(err, tradingapi.ErrRejected) {
			return fmt.Errorf("%w: %w", ErrExternalRejected, err)
		}
		return fmt.Errorf("%w: %w", ErrExternalUnavailable, err)
	}
	if money.FromDecimalRounded(profile.Balance) < amount {
		return ErrInsufficientFunds
	}
	return nil
}

func (p transferPlan) legs() (credit, debit, reversal, refund leg) {
	payload, _ := json.Marshal(p)
	base := leg{
		subjectType: models.SubjectTransfer,
		subjectID:   p.ID,
		amount:      p.Amount,
		currency:    p.Currency,
		comment:     p.Comment,
		payload:     payload,
	}
	if base.comment == "" {
		base.comment = "transfer " + p.ID
	}
	credit, debit, reversal, refund = base, base, base, base

	credit.name = models.LegCredit
	credit.endpoint = p.Destination
	credit.entryKind = models.EntryTransferIn
	credit.counterparty = p.Source.Ref

	debit.name = models.LegDebit
	debit.endpoint = p.Source
	debit.entryKind = models.EntryTransferOut
	debit.counterparty = p.Destination.Ref

	reversal.name = models.LegReversal
	reversal.endpoint = p.Destination
	reversal.entryKind = models.EntryReversal
	reversal.counterparty = p.Source.Ref

	refund.name = models.LegRefund
	refund.endpoint = p.Source
	refund.entryKind = models.EntryReversal
	refund.counterparty = p.Destination.Ref
	return credit, debit, reversal, refund
}

// advanceTransfer drives a transfer from whatever its legs have logged to a
// terminal status. Every leg is idempotent on its token, so this is safe to
// call again for a transfer that is partly done.
func (o *Orchestrator) advanceTransfer(ctx context.Context, plan transferPlan) (models.Transfer, error) {
	credit, debit, reversal, refund := plan.legs()
	creditPolicy := legPolicy{maxAttempts: o.cfg.CreditMaxAttempts, retryFailed: true}

	res, err := o.runLeg(ctx, credit, nil, nil, creditPolicy)
	if err != nil {
		return models.Transfer{}, err
	}
	ctx = context.WithoutCancel(ctx)
	switch res.state {
	case legNotApplied:
		o.metrics.saga(string(plan.Family), "rejected")
		return models.Transfer{}, rejectionError(res.cause)
	case legUncertain:
		return o.finishTransfer(ctx, plan, models.TransferStuck, credit.token())
	}

	res, err = o.runLeg(ctx, debit, nil, nil, legPolicy{maxAttempts: 1})
	if err != nil {
		return models.Transfer{}, err
	}
	if res.state == legApplied {
		reversed, _, err := o.legOutcome(ctx, reversal.token())
		if err != nil {
			return models.Transfer{}, err
		}
		if !reversed.Applied() {
			return o.finishTransfer(ctx, plan, models.TransferCompleted, "")
		}
		// The debit was confirmed after the credit had been taken back.
		res, err = o.runLeg(ctx, refund, nil, nil, creditPolicy)
		if err != nil {
			return models.Transfer{}, err
		}
		switch res.state {
		case legApplied:
			return o.finishTransfer(ctx, plan, models.TransferReversed, "")
		case legNotApplied:
			if err := o.escalate(ctx, refund, res.attempt, res.cause); err != nil {
				return models.Transfer{}, err
			}
		}
		return o.finishTransfer(ctx, plan, models.TransferStuck, refund.token())
	}
	if res.state == legUncertain {
		log.Warn().Str("transfer_id", plan.ID).Str("token", debit.token()).Msg("debit outcome unknown, reversing credit")
	}

	res, err = o.runLeg(ctx, reversal, nil, nil, legPolicy{maxAttempts: 1, retryFailed: true})
	if err != nil {
		return models.Transfer{}, err
	}
	switch res.state {
	case legApplied:
		return o.finishTransfer(ctx, plan, models.TransferReversed, "")
	case legNotApplied:
		if err := o.escalate(ctx, reversal, res.attempt, res.cause); err != nil {
			return models.Transfer{}, err
		}
	}
	return o.finishTransfer(ctx, plan, models.TransferStuck, reversal.token())
}

// finishTransfer writes the transfer record once the saga reaches a status.
// A stuck record that later settles keeps its status and gains a resolution.
func (o *Orchestrator) finishTransfer(ctx context.Context, plan transferPlan, status models.TransferStatus, stuckToken string) (models.Transfer, error) {
	var transfer models.Transfer
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		created, err := o.transfers.Create(ctx, tx, models.Transfer{
			ID:          plan.ID,
			Family:      plan.Family,
			SourceType:  plan.Source.Type,
			SourceRef:   plan.Source.Ref,
			DestType:    plan.Destination.Type,
			DestRef:     plan.Destination.Ref,
			Amount:      plan.Amount,
			Currency:    plan.Currency,
			Comment:     plan.Comment,
			InitiatorID: plan.InitiatorID,
			Status:      status,
		})
		if err != nil {
			return fmt.Errorf("record transfer: %w", err)
		}
		if created {
			if err := o.audit.Log(ctx, tx, plan.InitiatorID, "transfer."+string(status), "transfer", plan.ID, auditData(map[string]any{
				"family":      plan.Family,
				"source":      plan.Source,
				"destination": plan.Destination,
				"amount":      money.FormatMinor(plan.Amount),
				"currency":    plan.Currency,
				"stuck_token": stuckToken,
			})); err != nil {
				return err
			}
		}
		transfer, err = o.transfers.GetByID(ctx, tx, plan.ID)
		if err != nil {
			return err
		}
		if created || transfer.Status != models.TransferStuck || status == models.TransferStuck || transfer.Resolution != nil {
			return nil
		}
		if err := o.transfers.Resolve(ctx, tx, plan.ID, string(status)); err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
			return err
		}
		if err := o.audit.Log(ctx, tx, "", "transfer.resolved", "transfer", plan.ID, auditData(map[string]any{
			"resolution": status,
		})); err != nil {
			return err
		}
		transfer, err = o.transfers.GetByID(ctx, tx, plan.ID)
		return err
	})
	if err != nil {
		return models.Transfer{}, err
	}

	o.metrics.saga(string(plan.Family), string(status))
	data := map[string]any{
		"source":      plan.Source,
		"destination": plan.Destination,
		"amount":      money.FormatMinor(plan.Amount),
		"currency":    plan.Currency,
	}
	switch status {
	case models.TransferCompleted:
		o.announceBalances(ctx, plan.Source, plan.Destination)
		o.emit(ctx, notify.Event{Type: notify.EventTransferCompleted, UserID: plan.InitiatorID, SubjectID: plan.ID, Data: data})
	case models.TransferReversed:
		o.emit(ctx, notify.Event{Type: notify.EventTransferReversed, UserID: plan.InitiatorID, SubjectID: plan.ID, Data: data})
	case models.TransferStuck:
		data["token"] = stuckToken
		o.emit(ctx, notify.Event{Type: notify.EventTransferStuck, UserID: plan.InitiatorID, SubjectID: plan.ID, Data: data})
		log.Error().Str("transfer_id", plan.ID).Str("token", stuckToken).Msg("transfer needs manual reconciliation")
		if transfer.Resolution == nil {
			return transfer, &StuckError{SubjectType: models.SubjectTransfer, SubjectID: plan.ID, Token: stuckToken}
		}
	}
	return transfer, nil
}

func (o *Orchestrator) GetTransfer(ctx context.Context, transferID string) (models.Transfer, error) {
	return o.readTransfer(ctx, transferID)
}

func (o *Orchestrator) readTransfer(ctx context.Context, transferID string) (models.Transfer, error) {
	var transfer models.Transfer
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		transfer, err = o.transfers.GetByID(ctx, tx, transferID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Transfer{}, ErrNotFound
	}
	return transfer, err
}

// latestEntry returns the latest logged row of a leg and whether it has any history.
func (o *Orchestrator) latestEntry(ctx context.Context, token string) (models.ReconciliationEntry, bool, error) {
	var latest models.ReconciliationEntry
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		latest, err = o.recon.Latest(ctx, tx, token)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.ReconciliationEntry{}, false, nil
	}
	if err != nil {
		return models.ReconciliationEntry{}, false, err
	}
	return latest, true, nil
}

func (o *Orchestrator) legOutcome(ctx context.Context, token string) (models.Outcome, bool, error) {
	latest, seen, err := o.latestEntry(ctx, token)
	return latest.Outcome, seen, err
}

// resolveNotApplied closes a stuck transfer whose credit never landed.
func (o *Orchestrator) resolveNotApplied(ctx context.Context, transferID string) error {
	return o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := o.transfers.Resolve(ctx, tx, transferID, "not_applied"); err != nil {
			if errors.Is(err, store.ErrAlreadyResolved) {
				return nil
			}
			return err
		}
		return o.audit.Log(ctx, tx, "", "transfer.resolved", "transfer", transferID, auditData(map[string]any{
			"resolution": "not_applied",
		}))
	})
}
