package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"brokerage/internal/validator"
)

// ListTradingAccounts serves the cached snapshots without calling the platform.
func (h *Handler) ListTradingAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	accounts, err := h.tradingAccounts.ListByOwner(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("list trading accounts failed")
		respondError(w, http.StatusInternalServerError, "unable to load trading accounts")
		return
	}
	views := make([]tradingAccountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, newTradingAccountView(account, true))
	}
	respondJSON(w, http.StatusOK, views)
}

// GetTradingAccount refreshes the profile from the platform and falls back to
// the cached snapshot, flagged stale, when the platform is unreachable.
func (h *Handler) GetTradingAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	account, stale, err := h.orchestrator.TradingAccount(r.Context(), userID, chi.URLParam(r, "login"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newTradingAccountView(account, stale))
}

type linkTradingAccountRequest struct {
	OwnerID string `json:"owner_id" validate:"required,max=64"`
	Login   string `json:"login" validate:"required,max=64"`
}

func (h *Handler) LinkTradingAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req linkTradingAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	account, err := h.orchestrator.LinkTradingAccount(r.Context(), userID, req.OwnerID, req.Login)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newTradingAccountView(account, false))
}
