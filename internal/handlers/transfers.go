package handlers

import (
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

type endpointRequest struct {
	Type string `json:"type" validate:"required,account_type"`
	Ref  string `json:"ref" validate:"required,max=64"`
}

type transferRequest struct {
	Source         endpointRequest `json:"source" validate:"required"`
	Destination    endpointRequest `json:"destination" validate:"required"`
	Amount         string          `json:"amount" validate:"required,amount"`
	Currency       string          `json:"currency" validate:"required,currency"`
	Comment        string          `json:"comment" validate:"max=255"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, models.FamilyInternal)
}

func (h *Handler) AdminTransfer(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, models.FamilyAdmin)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request, family models.TransferFamily) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	amount, err := money.ParseMinor(req.Amount)
	if err != nil {
		respondValidation(w, map[string]string{"amount": err.Error()})
		return
	}
	transfer, err := h.orchestrator.Transfer(r.Context(), services.TransferInput{
		Family:         family,
		InitiatorID:    userID,
		Source:         models.Endpoint{Type: models.AccountType(req.Source.Type), Ref: req.Source.Ref},
		Destination:    models.Endpoint{Type: models.AccountType(req.Destination.Type), Ref: req.Destination.Ref},
		Amount:         amount,
		Currency:       req.Currency,
		Comment:        req.Comment,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newTransferView(transfer))
}

func (h *Handler) GetOwnTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	transfer, err := h.orchestrator.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if transfer.InitiatorID != userID {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	respondJSON(w, http.StatusOK, newTransferView(transfer))
}

func (h *Handler) AdminListTransfers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pagination(r)
	transfers, err := h.transfers.List(r.Context(), store.TransferFilter{
		Family:      models.TransferFamily(query.Get("family")),
		Status:      models.TransferStatus(query.Get("status")),
		InitiatorID: query.Get("initiator_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		log.Error().Err(err).Msg("list transfers failed")
		respondError(w, http.StatusInternalServerError, "unable to load transfers")
		return
	}
	views := make([]transferView, 0, len(transfers))
	for _, transfer := range transfers {
		views = append(views, newTransferView(transfer))
	}
	respondJSON(w, http.StatusOK, views)
}

// AdminGetTransfer returns the record with its leg history. A saga that has
// not finished yet has history but no record.
func (h *Handler) AdminGetTransfer(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "id")
	var view *transferView
	transfer, err := h.orchestrator.GetTransfer(r.Context(), transferID)
	switch {
	case err == nil:
		v := newTransferView(transfer)
		view = &v
	case !errors.Is(err, services.ErrNotFound):
		respondServiceError(w, r, err)
		return
	}
	history, err := h.reconciliation.History(r.Context(), transferID)
	if err != nil {
		log.Error().Err(err).Str("transfer_id", transferID).Msg("load leg history failed")
		respondError(w, http.StatusInternalServerError, "unable to load history")
		return
	}
	if view == nil && len(history) == 0 {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transfer": view,
		"legs":     reconciliationViews(history),
	})
}
