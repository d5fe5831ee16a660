package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Admin roles. Super admins pass every check.
const (
	RoleFundingApprover  = "funding_approver"
	RoleTransferOperator = "transfer_operator"
	RoleReconciler       = "reconciler"
	RoleAuditor          = "auditor"
)

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

func RequireAdmin(adminStore AdminStore, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			isAdmin, isSuper, err := adminStore.IsAdmin(r.Context(), userID)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("admin lookup failed")
				writeError(w, http.StatusInternalServerError, "admin_check_failed")
				return
			}
			if !isAdmin {
				writeError(w, http.StatusForbidden, "admin_required")
				return
			}
			if isSuper || role == "" {
				next.ServeHTTP(w, r)
				return
			}
			hasRole, err := adminStore.HasRole(r.Context(), userID, role)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Str("role", role).Msg("role lookup failed")
				writeError(w, http.StatusInternalServerError, "role_check_failed")
				return
			}
			if !hasRole {
				writeError(w, http.StatusForbidden, "missing_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
