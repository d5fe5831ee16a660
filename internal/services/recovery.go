package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"brokerage/internal/models"
	"brokerage/internal/notify"
	"brokerage/internal/store"
)

type ResolveInput struct {
	Token      string
	Applied    bool
	OperatorID string
	Note       string
}

// Resolve records an operator's finding for a leg whose outcome is unknown and
// resumes the saga that owns it.
func (o *Orchestrator) Resolve(ctx context.Context, in ResolveInput) (models.ReconciliationEntry, error) {
	if in.Token == "" || in.OperatorID == "" {
		return models.ReconciliationEntry{}, validationError("token and operator required")
	}
	outcome := models.OutcomeResolvedNotApplied
	if in.Applied {
		outcome = models.OutcomeResolvedApplied
	}

	var entry models.ReconciliationEntry
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		latest, err := o.recon.Latest(ctx, tx, in.Token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !latest.Outcome.Uncertain() {
			return fmt.Errorf("leg is %s: %w", latest.Outcome, ErrInvalidTransition)
		}
		entry, err = o.recon.Record(ctx, tx, store.EntryInput{
			Token:       latest.Token,
			SubjectType: latest.SubjectType,
			SubjectID:   latest.SubjectID,
			Leg:         latest.Leg,
			Attempt:     latest.Attempt,
			Outcome:     outcome,
			Endpoint:    models.Endpoint{Type: latest.EndpointType, Ref: latest.EndpointRef},
			Amount:      latest.Amount,
			Currency:    latest.Currency,
			Error:       in.Note,
			Payload:     latest.Payload,
			OperatorID:  in.OperatorID,
		})
		if err != nil {
			if errors.Is(err, store.ErrLegClaimed) {
				return fmt.Errorf("leg already resolved: %w", ErrInvalidTransition)
			}
			return err
		}
		return o.audit.Log(ctx, tx, in.OperatorID, "reconciliation.resolved", string(latest.SubjectType), latest.SubjectID, auditData(map[string]any{
			"token":   in.Token,
			"outcome": outcome,
			"note":    in.Note,
		}))
	})
	if err != nil {
		return models.ReconciliationEntry{}, err
	}

	log.Info().
		Str("token", entry.Token).
		Str("outcome", string(entry.Outcome)).
		Str("operator_id", in.OperatorID).
		Msg("leg resolved manually")
	o.emit(ctx, notify.Event{
		Type:      notify.EventLegResolved,
		ActorID:   in.OperatorID,
		SubjectID: entry.SubjectID,
		Data:      map[string]any{"token": entry.Token, "outcome": entry.Outcome},
	})
	return entry, o.resume(context.WithoutCancel(ctx), entry)
}

// Recover resumes sagas left behind by a crash or a failed commit: legs whose
// latest row has been started or unknown for longer than the stale threshold,
// and applied legs whose subject was never finished. It returns how many
// subjects it resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.cfg.StaleLegAfter)
	open, err := o.recon.ListOpen(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list open legs: %w", err)
	}
	unsettled, err := o.recon.ListUnsettled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list unsettled legs: %w", err)
	}
	pending := append(open, unsettled...)
	seen := make(map[string]bool, len(pending))
	resumed := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		if seen[entry.SubjectID] {
			continue
		}
		seen[entry.SubjectID] = true
		resumed++
		err := o.resume(ctx, entry)
		switch {
		case err == nil:
			log.Info().Str("subject_id", entry.SubjectID).Str("token", entry.Token).Msg("saga recovered")
		case errors.Is(err, ErrStuck), errors.Is(err, ErrInProgress), errors.Is(err, ErrInvalidTransition):
			log.Warn().Err(err).Str("subject_id", entry.SubjectID).Str("token", entry.Token).Msg("saga not recovered")
		default:
			log.Error().Err(err).Str("subject_id", entry.SubjectID).Str("token", entry.Token).Msg("saga recovery failed")
		}
	}
	return resumed, nil
}

// RunRecovery calls Recover once at startup and then every interval until
// ctx is done.
func (o *Orchestrator) RunRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	pass := func() {
		if _, err := o.Recover(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("recovery pass failed")
		}
	}
	pass()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		}
	}
}

func (o *Orchestrator) resume(ctx context.Context, entry models.ReconciliationEntry) error {
	switch entry.SubjectType {
	case models.SubjectDeposit, models.SubjectWithdrawal:
		if entry.Outcome.NotApplied() {
			return nil
		}
		req, err := o.requests.GetByID(ctx, entry.SubjectID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return nil
		}
		var in ApproveInput
		if err := json.Unmarshal(entry.Payload, &in); err != nil {
			return fmt.Errorf("decode approval payload: %w", err)
		}
		_, err = o.approve(ctx, req, in)
		return err
	case models.SubjectTransfer:
		var plan transferPlan
		if err := json.Unmarshal(entry.Payload, &plan); err != nil {
			return fmt.Errorf("decode transfer payload: %w", err)
		}
		if entry.Leg == models.LegCredit && entry.Outcome.NotApplied() {
			return o.resolveNotApplied(ctx, plan.ID)
		}
		_, err := o.advanceTransfer(ctx, plan)
		return err
	default:
		return fmt.Errorf("unknown subject type %q", entry.SubjectType)
	}
}
