package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/store"
	"brokerage/internal/validator"
)

type openWalletRequest struct {
	Currency string `json:"currency" validate:"required,currency"`
}

func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req openWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	wallet, err := h.ledger.OpenWallet(r.Context(), userID, req.Currency)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newWalletView(wallet))
}

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	wallets, err := h.wallets.ListByOwner(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("list wallets failed")
		respondError(w, http.StatusInternalServerError, "unable to load wallets")
		return
	}
	views := make([]walletView, 0, len(wallets))
	for _, wallet := range wallets {
		views = append(views, newWalletView(wallet))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.ownWallet(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(r.Context(), wallet.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"wallet_id": wallet.ID,
		"currency":  wallet.Currency,
		"balance":   money.FormatMinor(balance),
	})
}

func (h *Handler) WalletEntries(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.ownWallet(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	entries, err := h.entries.ListByWallet(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("wallet_id", wallet.ID).Msg("list entries failed")
		respondError(w, http.StatusInternalServerError, "unable to load entries")
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newEntryView(entry))
	}
	respondJSON(w, http.StatusOK, views)
}

// ownWallet loads the wallet named in the path and answers 404 for wallets
// the caller does not own.
func (h *Handler) ownWallet(w http.ResponseWriter, r *http.Request) (models.Wallet, bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return models.Wallet{}, false
	}
	wallet, err := h.wallets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "wallet not found")
			return models.Wallet{}, false
		}
		log.Error().Err(err).Msg("load wallet failed")
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return models.Wallet{}, false
	}
	if wallet.OwnerID != userID {
		respondError(w, http.StatusNotFound, "wallet not found")
		return models.Wallet{}, false
	}
	return wallet, true
}
