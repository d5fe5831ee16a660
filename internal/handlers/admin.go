package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"brokerage/internal/auth"
	"brokerage/internal/models"
	"brokerage/internal/services"
	"brokerage/internal/validator"
	"brokerage/internal/websocket"
)

type promoteRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireSuper(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, req.UserID, false, &userID); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"target_user_id": req.UserID,
		})
		return h.audit.Log(r.Context(), tx, userID, "promote_admin", "admin", req.UserID, string(data))
	})
	if err != nil {
		log.Error().Err(err).Str("target_user_id", req.UserID).Msg("promote admin failed")
		respondError(w, http.StatusInternalServerError, "unable to promote admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id" validate:"required,max=64"`
	Role        string `json:"role" validate:"required,oneof=funding_approver transfer_operator reconciler auditor"`
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireSuper(w, r)
	if !ok {
		return
	}
	var req grantRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	isAdmin, isSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify target admin")
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if isSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"admin_user_id": req.AdminUserID,
			"role":          req.Role,
		})
		return h.audit.Log(r.Context(), tx, userID, "grant_role", "admin_role", req.AdminUserID, string(data))
	})
	if err != nil {
		log.Error().Err(err).Str("admin_user_id", req.AdminUserID).Msg("grant role failed")
		respondError(w, http.StatusInternalServerError, "unable to grant role")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}

// AdminMe lets an operator console decide which actions to offer.
func (h *Handler) AdminMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	_, isSuper, err := h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return
	}
	roles, err := h.admin.Roles(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("load roles failed")
		respondError(w, http.StatusInternalServerError, "unable to load roles")
		return
	}
	if roles == nil {
		roles = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"is_super": isSuper,
		"roles":    roles,
	})
}

func (h *Handler) requireSuper(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return "", false
	}
	_, isSuper, err := h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return "", false
	}
	if !isSuper {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return "", false
	}
	return userID, true
}

func (h *Handler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	outcome := models.Outcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = models.OutcomeNeedsManual
	}
	limit, offset := pagination(r)
	entries, err := h.reconciliation.ListByOutcome(r.Context(), outcome, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("outcome", string(outcome)).Msg("list reconciliation failed")
		respondError(w, http.StatusInternalServerError, "unable to load reconciliation log")
		return
	}
	respondJSON(w, http.StatusOK, reconciliationViews(entries))
}

type resolveRequest struct {
	Token   string `json:"token" validate:"required,max=128"`
	Applied *bool  `json:"applied" validate:"required"`
	Note    string `json:"note" validate:"required,max=500"`
}

// ResolveLeg records the operator's finding for an uncertain leg and resumes
// the saga that owns it. Once the finding is recorded the answer is 200 and
// status says how far the resumed saga got.
func (h *Handler) ResolveLeg(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if fields := validator.Validate(req); fields != nil {
		respondValidation(w, fields)
		return
	}
	entry, err := h.orchestrator.Resolve(r.Context(), services.ResolveInput{
		Token:      req.Token,
		Applied:    *req.Applied,
		OperatorID: userID,
		Note:       req.Note,
	})
	if entry.ID == 0 {
		respondServiceError(w, r, err)
		return
	}
	var stuck *services.StuckError
	payload := map[string]any{
		"status": "resumed",
		"entry":  newReconciliationView(entry),
	}
	switch {
	case err == nil:
	case errors.As(err, &stuck):
		payload["status"] = "stuck"
		payload["token"] = stuck.Token
	default:
		log.Warn().Err(err).Str("token", entry.Token).Msg("saga resume after resolution failed")
		payload["status"] = "resume_failed"
		payload["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handler) ReconcileLedger(w http.ResponseWriter, r *http.Request) {
	drift, err := h.ledger.Reconcile(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("ledger reconcile failed")
		respondError(w, http.StatusInternalServerError, "unable to reconcile balances")
		return
	}
	views := make([]driftView, 0, len(drift))
	for _, d := range drift {
		views = append(views, newDriftView(d))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rows, err := h.audit.List(r.Context(), r.URL.Query().Get("entity_id"), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("list audit logs failed")
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	if rows == nil {
		rows = []models.AuditLog{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// WSBalances authenticates from the query string as browsers cannot set
// headers on a websocket upgrade.
func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "balance stream unavailable")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}
