package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brokerage/internal/config"
	"brokerage/internal/db"
	"brokerage/internal/middleware"
	"brokerage/internal/websocket"
)

type Deps struct {
	Config          config.Config
	TxRunner        db.TxRunner
	Orchestrator    Orchestrator
	Ledger          Ledger
	Wallets         WalletStore
	Entries         EntryStore
	Requests        RequestStore
	Transfers       TransferStore
	Reconciliation  ReconciliationStore
	TradingAccounts TradingAccountStore
	Admin           AdminStore
	Audit           AuditStore
	Hub             *websocket.Hub
	Gatherer        prometheus.Gatherer
}

type Handler struct {
	cfg             config.Config
	txRunner        db.TxRunner
	orchestrator    Orchestrator
	ledger          Ledger
	wallets         WalletStore
	entries         EntryStore
	requests        RequestStore
	transfers       TransferStore
	reconciliation  ReconciliationStore
	tradingAccounts TradingAccountStore
	admin           AdminStore
	audit           AuditStore
	hub             *websocket.Hub
	gatherer        prometheus.Gatherer
}

func New(deps Deps) *Handler {
	return &Handler{
		cfg:             deps.Config,
		txRunner:        deps.TxRunner,
		orchestrator:    deps.Orchestrator,
		ledger:          deps.Ledger,
		wallets:         deps.Wallets,
		entries:         deps.Entries,
		requests:        deps.Requests,
		transfers:       deps.Transfers,
		reconciliation:  deps.Reconciliation,
		tradingAccounts: deps.TradingAccounts,
		admin:           deps.Admin,
		audit:           deps.Audit,
		hub:             deps.Hub,
		gatherer:        deps.Gatherer,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recover)
	router.Use(middleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(h.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Post("/wallets", h.OpenWallet)
		r.Get("/wallets", h.ListWallets)
		r.Get("/wallets/{id}/balance", h.WalletBalance)
		r.Get("/wallets/{id}/entries", h.WalletEntries)
		r.Post("/deposit-requests", h.SubmitDeposit)
		r.Post("/withdrawal-requests", h.SubmitWithdrawal)
		r.Get("/funding-requests", h.ListOwnRequests)
		r.Get("/funding-requests/{id}", h.GetOwnRequest)
		r.Post("/transfers", h.CreateTransfer)
		r.Get("/transfers/{id}", h.GetOwnTransfer)
		r.Get("/trading-accounts", h.ListTradingAccounts)
		r.Get("/trading-accounts/{login}", h.GetTradingAccount)
	})
	router.Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleFundingApprover)).Post("/deposit-requests/{id}/approve", h.ApproveDeposit)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleFundingApprover)).Post("/withdrawal-requests/{id}/approve", h.ApproveWithdrawal)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleFundingApprover)).Post("/funding-requests/{id}/reject", h.RejectRequest)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleFundingApprover)).Get("/funding-requests", h.AdminListRequests)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleTransferOperator)).Post("/transfers", h.AdminTransfer)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleTransferOperator)).Get("/transfers", h.AdminListTransfers)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleTransferOperator)).Get("/transfers/{id}", h.AdminGetTransfer)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleTransferOperator)).Post("/trading-accounts", h.LinkTradingAccount)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleReconciler)).Get("/reconciliation", h.ListReconciliation)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleReconciler)).Post("/reconciliation/resolve", h.ResolveLeg)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleReconciler)).Get("/ledger/reconcile", h.ReconcileLedger)
		r.With(middleware.RequireAdmin(h.admin, middleware.RoleAuditor)).Get("/audit", h.ListAuditLogs)
		r.With(middleware.RequireAdmin(h.admin, "")).Get("/me", h.AdminMe)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/roles/grant", h.GrantRole)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/promote", h.PromoteAdmin)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		router.Handle("/metrics", promhttp.Handler())
	}
	return router
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
