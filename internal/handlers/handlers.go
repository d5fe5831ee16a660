package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"brokerage/internal/middleware"
	"brokerage/internal/services"
)

const maxPageSize = 200

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidation(w http.ResponseWriter, fields map[string]string) {
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation_failed",
		"fields": fields,
	})
}

// respondServiceError maps orchestrator errors to responses. A stuck saga is
// neither a success nor a failure and is reported as accepted.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stuck *services.StuckError
	switch {
	case errors.As(err, &stuck):
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status":       "stuck",
			"subject_type": string(stuck.SubjectType),
			"subject_id":   stuck.SubjectID,
			"token":        stuck.Token,
		})
	case errors.Is(err, services.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, "insufficient_funds")
	case errors.Is(err, services.ErrExternalRejected):
		respondError(w, http.StatusUnprocessableEntity, "rejected_by_trading_platform")
	case errors.Is(err, services.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition")
	case errors.Is(err, services.ErrIdempotencyMismatch):
		respondError(w, http.StatusConflict, "idempotency_key_reused")
	case errors.Is(err, services.ErrInProgress):
		respondError(w, http.StatusConflict, "in_progress")
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, services.ErrUnauthorizedAccount):
		respondError(w, http.StatusForbidden, "account_not_owned")
	case errors.Is(err, services.ErrExternalUnavailable):
		respondError(w, http.StatusServiceUnavailable, "trading_platform_unavailable")
	default:
		requestID, _ := middleware.RequestIDFromContext(r.Context())
		log.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
	}
	return userID, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func pagination(r *http.Request) (int, int) {
	query := r.URL.Query()
	limit := parseInt(query.Get("limit"), 50)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}
