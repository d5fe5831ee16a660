package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/notify"
	"brokerage/internal/store"
	"brokerage/internal/tradingapi"
)

type SubmitRequestInput struct {
	OwnerID  string
	Kind     models.RequestKind
	Amount   int64
	Currency string
	Endpoint models.Endpoint
}

type ApproveInput struct {
	RequestID       string `json:"request_id"`
	ApproverID      string `json:"approver_id"`
	Notes           string `json:"notes,omitempty"`
	ConfirmationRef string `json:"confirmation_ref,omitempty"`
}

type RejectInput struct {
	RequestID  string
	ApproverID string
	Notes      string
}

// SubmitRequest records a pending deposit or withdrawal. Nothing moves until
// an approver acts on it.
func (o *Orchestrator) SubmitRequest(ctx context.Context, in SubmitRequestInput) (models.FundingRequest, error) {
	if in.Kind != models.RequestDeposit && in.Kind != models.RequestWithdrawal {
		return models.FundingRequest{}, validationError("unknown request kind %q", in.Kind)
	}
	if in.Amount <= 0 {
		return models.FundingRequest{}, validationError("amount must be positive")
	}
	if err := o.checkEndpoint(ctx, in.OwnerID, in.Endpoint, in.Currency, true); err != nil {
		return models.FundingRequest{}, err
	}

	id := uuid.NewString()
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := o.requests.Create(ctx, tx, store.FundingRequestInput{
			ID:          id,
			Kind:        in.Kind,
			OwnerID:     in.OwnerID,
			Amount:      in.Amount,
			Currency:    in.Currency,
			AccountType: in.Endpoint.Type,
			AccountRef:  in.Endpoint.Ref,
		}); err != nil {
			return err
		}
		return o.audit.Log(ctx, tx, in.OwnerID, "funding_request.submitted", "funding_request", id, auditData(map[string]any{
			"kind":     in.Kind,
			"amount":   money.FormatMinor(in.Amount),
			"currency": in.Currency,
			"endpoint": in.Endpoint,
		}))
	})
	if err != nil {
		return models.FundingRequest{}, fmt.Errorf("create request: %w", err)
	}
	return o.requests.GetByID(ctx, id)
}

func (o *Orchestrator) ApproveDeposit(ctx context.Context, in ApproveInput) (models.FundingRequest, error) {
	req, err := o.pendingRequest(ctx, in.RequestID, models.RequestDeposit)
	if err != nil {
		return models.FundingRequest{}, err
	}
	return o.approve(ctx, req, in)
}

func (o *Orchestrator) ApproveWithdrawal(ctx context.Context, in ApproveInput) (models.FundingRequest, error) {
	if strings.TrimSpace(in.ConfirmationRef) == "" {
		return models.FundingRequest{}, validationError("confirmation reference required for withdrawals")
	}
	req, err := o.pendingRequest(ctx, in.RequestID, models.RequestWithdrawal)
	if err != nil {
		return models.FundingRequest{}, err
	}
	return o.approve(ctx, req, in)
}

func (o *Orchestrator) pendingRequest(ctx context.Context, requestID string, kind models.RequestKind) (models.FundingRequest, error) {
	req, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.FundingRequest{}, ErrNotFound
		}
		return models.FundingRequest{}, err
	}
	if req.Kind != kind {
		return models.FundingRequest{}, validationError("request %s is a %s", req.ID, req.Kind)
	}
	if req.Status != models.RequestPending {
		return models.FundingRequest{}, fmt.Errorf("request is %s: %w", req.Status, ErrInvalidTransition)
	}
	return req, nil
}

func requestLeg(req models.FundingRequest, payload json.RawMessage) (leg, legPolicy) {
	l := leg{
		subjectType: req.SubjectType(),
		subjectID:   req.ID,
		endpoint:    req.Endpoint(),
		amount:      req.Amount,
		currency:    req.Currency,
		comment:     string(req.Kind) + " " + req.ID,
		payload:     payload,
	}
	if req.Kind == models.RequestWithdrawal {
		l.name = models.LegDebit
		l.entryKind = models.EntryWithdrawal
		return l, legPolicy{maxAttempts: 1, retryFailed: true}
	}
	l.name = models.LegCredit
	l.entryKind = models.EntryDeposit
	return l, legPolicy{retryFailed: true}
}

// approve runs the single leg of a funding request. The request row is locked
// and must still be pending whenever the leg is claimed or finalized, so only
// one approver ever reaches the platform.
func (o *Orchestrator) approve(ctx context.Context, req models.FundingRequest, in ApproveInput) (models.FundingRequest, error) {
	in.RequestID = req.ID
	payload, err := json.Marshal(in)
	if err != nil {
		return models.FundingRequest{}, err
	}
	l, policy := requestLeg(req, payload)
	if l.name == models.LegCredit {
		policy.maxAttempts = o.cfg.CreditMaxAttempts
	}

	guard := func(ctx context.Context, tx *sqlx.Tx) error {
		locked, err := o.requests.GetForUpdate(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.RequestPending {
			return fmt.Errorf("request is %s: %w", locked.Status, ErrInvalidTransition)
		}
		return nil
	}
	finalize := func(ctx context.Context, tx *sqlx.Tx) error {
		if err := o.requests.Transition(ctx, tx, store.TransitionInput{
			ID:              req.ID,
			From:            models.RequestPending,
			To:              models.RequestApproved,
			ApproverID:      in.ApproverID,
			Notes:           in.Notes,
			ConfirmationRef: in.ConfirmationRef,
		}); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return ErrInvalidTransition
			}
			return err
		}
		return o.audit.Log(ctx, tx, in.ApproverID, "funding_request.approved", "funding_request", req.ID, auditData(map[string]any{
			"kind":             req.Kind,
			"amount":           money.FormatMinor(req.Amount),
			"currency":         req.Currency,
			"confirmation_ref": in.ConfirmationRef,
		}))
	}

	res, err := o.runLeg(ctx, l, guard, finalize, policy)
	if err != nil {
		return models.FundingRequest{}, err
	}
	ctx = context.WithoutCancel(ctx)
	switch res.state {
	case legApplied:
		o.metrics.saga(string(req.Kind), "approved")
		approved, err := o.requests.GetByID(ctx, req.ID)
		if err != nil {
			return models.FundingRequest{}, err
		}
		o.announceBalances(ctx, approved.Endpoint())
		o.emit(ctx, notify.Event{
			Type:      notify.EventRequestApproved,
			UserID:    approved.OwnerID,
			ActorID:   in.ApproverID,
			SubjectID: approved.ID,
			Data: map[string]any{
				"kind":     approved.Kind,
				"amount":   money.FormatMinor(approved.Amount),
				"currency": approved.Currency,
			},
		})
		return approved, nil
	case legNotApplied:
		o.metrics.saga(string(req.Kind), "rejected_by_platform")
		return req, rejectionError(res.cause)
	default:
		o.metrics.saga(string(req.Kind), "stuck")
		log.Error().Str("request_id", req.ID).Str("token", l.token()).Msg("funding request needs manual reconciliation")
		o.emit(ctx, notify.Event{
			Type:      notify.EventRequestStuck,
			UserID:    req.OwnerID,
			ActorID:   in.ApproverID,
			SubjectID: req.ID,
			Data:      map[string]any{"token": l.token()},
		})
		return req, &StuckError{SubjectType: l.subjectType, SubjectID: req.ID, Token: l.token()}
	}
}

// RejectRequest closes a pending request without moving money. A request whose
// leg may have reached the platform cannot be rejected.
func (o *Orchestrator) RejectRequest(ctx context.Context, in RejectInput) (models.FundingRequest, error) {
	err := o.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		req, err := o.requests.GetForUpdate(ctx, tx, in.RequestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("request is %s: %w", req.Status, ErrInvalidTransition)
		}
		l, _ := requestLeg(req, nil)
		latest, err := o.recon.Latest(ctx, tx, l.token())
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case !latest.Outcome.NotApplied():
			return fmt.Errorf("leg is %s: %w", latest.Outcome, ErrInvalidTransition)
		}
		if err := o.requests.Transition(ctx, tx, store.TransitionInput{
			ID:         req.ID,
			From:       models.RequestPending,
			To:         models.RequestRejected,
			ApproverID: in.ApproverID,
			Notes:      in.Notes,
		}); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return ErrInvalidTransition
			}
			return err
		}
		return o.audit.Log(ctx, tx, in.ApproverID, "funding_request.rejected", "funding_request", req.ID, auditData(map[string]any{
			"notes": in.Notes,
		}))
	})
	if err != nil {
		return models.FundingRequest{}, err
	}
	req, err := o.requests.GetByID(ctx, in.RequestID)
	if err != nil {
		return models.FundingRequest{}, err
	}
	o.metrics.saga(string(req.Kind), "rejected")
	o.emit(ctx, notify.Event{
		Type:      notify.EventRequestRejected,
		UserID:    req.OwnerID,
		ActorID:   in.ApproverID,
		SubjectID: req.ID,
		Data:      map[string]any{"kind": req.Kind, "notes": in.Notes},
	})
	return req, nil
}

// rejectionError maps a confirmed failure to what the caller sees.
func rejectionError(cause error) error {
	if errors.Is(cause, ErrInsufficientFunds) {
		return ErrInsufficientFunds
	}
	var rejected *tradingapi.RejectedError
	if errors.As(cause, &rejected) && rejected.Code == tradingapi.CodeInsufficientBalance {
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, cause)
	}
	return fmt.Errorf("%w: %w", ErrExternalRejected, cause)
}
