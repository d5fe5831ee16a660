package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/services"
	"brokerage/internal/store"
	"brokerage/internal/validator"
)

type fundingRequest struct {
	Amount      string `json:"amount" validate:"required,amount"`
	Currency    string `json:"currency" validate:"required,currency"`
	AccountType string `json:"account_type" validate:"required,account_type"`
	AccountRef  string `json:"account_ref" validate:"required,max=64"`
}

func (h *Handler) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	h.submitRequest(w, r, models.RequestDeposit)
}

func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.submitRequest(w, r, models.RequestWithdrawal)
}

func (h *Handler) submitRequest(w http.ResponseWriter, r *http.Request, kind models.RequestKind) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req fundingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	amount, err := money.ParseMinor(req.Amount)
	if err != nil {
		respondValidation(w, map[string]string{"amount": err.Error()})
		return
	}
	request, err := h.orchestrator.SubmitRequest(r.Context(), services.SubmitRequestInput{
		OwnerID:  userID,
		Kind:     kind,
		Amount:   amount,
		Currency: req.Currency,
		Endpoint: models.Endpoint{Type: models.AccountType(req.AccountType), Ref: req.AccountRef},
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newRequestView(request))
}

func (h *Handler) ListOwnRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	h.listRequests(w, r, store.RequestFilter{
		OwnerID: userID,
		Kind:    models.RequestKind(r.URL.Query().Get("kind")),
		Status:  models.RequestStatus(r.URL.Query().Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
}

func (h *Handler) GetOwnRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	request, err := h.requests.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil || request.OwnerID != userID {
		if err == nil || errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "request not found")
			return
		}
		log.Error().Err(err).Msg("load funding request failed")
		respondError(w, http.StatusInternalServerError, "unable to load request")
		return
	}
	respondJSON(w, http.StatusOK, newRequestView(request))
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request, filter store.RequestFilter) {
	requests, err := h.requests.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("list funding requests failed")
		respondError(w, http.StatusInternalServerError, "unable to load requests")
		return
	}
	views := make([]requestView, 0, len(requests))
	for _, request := range requests {
		views = append(views, newRequestView(request))
	}
	respondJSON(w, http.StatusOK, views)
}

type approveRequest struct {
	Notes           string `json:"notes" validate:"max=500"`
	ConfirmationRef string `json:"confirmation_ref" validate:"max=128"`
}

type rejectRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	h.approve(w, r, h.orchestrator.ApproveDeposit)
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.approve(w, r, h.orchestrator.ApproveWithdrawal)
}

type approveFunc func(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error)

func (h *Handler) approve(w http.ResponseWriter, r *http.Request, fn approveFunc) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	request, err := fn(r.Context(), services.ApproveInput{
		RequestID:       chi.URLParam(r, "id"),
		ApproverID:      userID,
		Notes:           req.Notes,
		ConfirmationRef: req.ConfirmationRef,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRequestView(request))
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	request, err := h.orchestrator.RejectRequest(r.Context(), services.RejectInput{
		RequestID:  chi.URLParam(r, "id"),
		ApproverID: userID,
		Notes:      req.Notes,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRequestView(request))
}

func (h *Handler) AdminListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := models.RequestStatus(query.Get("status"))
	if !query.Has("status") {
		status = models.RequestPending
	}
	limit, offset := pagination(r)
	h.listRequests(w, r, store.RequestFilter{
		OwnerID: query.Get("owner_id"),
		Kind:    models.RequestKind(query.Get("kind")),
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	})
}
