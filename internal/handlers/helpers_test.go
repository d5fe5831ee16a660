package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"brokerage/internal/auth"
	"brokerage/internal/config"
	"brokerage/internal/models"
	"brokerage/internal/services"
	"brokerage/internal/store"
)

const testSecret = "secret"

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubOrchestrator struct {
	submitFn          func(ctx context.Context, in services.SubmitRequestInput) (models.FundingRequest, error)
	approveDepositFn  func(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error)
	approveWithdrawFn func(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error)
	rejectFn          func(ctx context.Context, in services.RejectInput) (models.FundingRequest, error)
	transferFn        func(ctx context.Context, in services.TransferInput) (models.Transfer, error)
	getTransferFn     func(ctx context.Context, transferID string) (models.Transfer, error)
	resolveFn         func(ctx context.Context, in services.ResolveInput) (models.ReconciliationEntry, error)
	tradingAccountFn  func(ctx context.Context, ownerID, login string) (models.TradingAccount, bool, error)
	linkTradingAcctFn func(ctx context.Context, operatorID, ownerID, login string) (models.TradingAccount, error)
}

func (s stubOrchestrator) SubmitRequest(ctx context.Context, in services.SubmitRequestInput) (models.FundingRequest, error) {
	if s.submitFn == nil {
		return models.FundingRequest{}, nil
	}
	return s.submitFn(ctx, in)
}

func (s stubOrchestrator) ApproveDeposit(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error) {
	if s.approveDepositFn == nil {
		return models.FundingRequest{}, nil
	}
	return s.approveDepositFn(ctx, in)
}

func (s stubOrchestrator) ApproveWithdrawal(ctx context.Context, in services.ApproveInput) (models.FundingRequest, error) {
	if s.approveWithdrawFn == nil {
		return models.FundingRequest{}, nil
	}
	return s.approveWithdrawFn(ctx, in)
}

func (s stubOrchestrator) RejectRequest(ctx context.Context, in services.RejectInput) (models.FundingRequest, error) {
	if s.rejectFn == nil {
		return models.FundingRequest{}, nil
	}
	return s.rejectFn(ctx, in)
}

func (s stubOrchestrator) Transfer(ctx context.Context, in services.TransferInput) (models.Transfer, error) {
	if s.transferFn == nil {
		return models.Transfer{}, nil
	}
	return s.transferFn(ctx, in)
}

func (s stubOrchestrator) GetTransfer(ctx context.Context, transferID string) (models.Transfer, error) {
	if s.getTransferFn == nil {
		return models.Transfer{}, services.ErrNotFound
	}
	return s.getTransferFn(ctx, transferID)
}

func (s stubOrchestrator) Resolve(ctx context.Context, in services.ResolveInput) (models.ReconciliationEntry, error) {
	if s.resolveFn == nil {
		return models.ReconciliationEntry{}, nil
	}
	return s.resolveFn(ctx, in)
}

func (s stubOrchestrator) TradingAccount(ctx context.Context, ownerID, login string) (models.TradingAccount, bool, error) {
	if s.tradingAccountFn == nil {
		return models.TradingAccount{}, false, services.ErrNotFound
	}
	return s.tradingAccountFn(ctx, ownerID, login)
}

func (s stubOrchestrator) LinkTradingAccount(ctx context.Context, operatorID, ownerID, login string) (models.TradingAccount, error) {
	if s.linkTradingAcctFn == nil {
		return models.TradingAccount{}, nil
	}
	return s.linkTradingAcctFn(ctx, operatorID, ownerID, login)
}

type stubLedger struct {
	openWalletFn func(ctx context.Context, ownerID, currency string) (models.Wallet, error)
	balanceFn    func(ctx context.Context, walletID string) (int64, error)
	reconcileFn  func(ctx context.Context) ([]store.WalletDrift, error)
}

func (s stubLedger) OpenWallet(ctx context.Context, ownerID, currency string) (models.Wallet, error) {
	if s.openWalletFn == nil {
		return models.Wallet{}, nil
	}
	return s.openWalletFn(ctx, ownerID, currency)
}

func (s stubLedger) Balance(ctx context.Context, walletID string) (int64, error) {
	if s.balanceFn == nil {
		return 0, nil
	}
	return s.balanceFn(ctx, walletID)
}

func (s stubLedger) Reconcile(ctx context.Context) ([]store.WalletDrift, error) {
	if s.reconcileFn == nil {
		return nil, nil
	}
	return s.reconcileFn(ctx)
}

type stubWalletStore struct {
	getByIDFn     func(ctx context.Context, walletID string) (models.Wallet, error)
	listByOwnerFn func(ctx context.Context, ownerID string) ([]models.Wallet, error)
}

func (s stubWalletStore) GetByID(ctx context.Context, walletID string) (models.Wallet, error) {
	if s.getByIDFn == nil {
		return models.Wallet{}, store.ErrNotFound
	}
	return s.getByIDFn(ctx, walletID)
}

func (s stubWalletStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	if s.listByOwnerFn == nil {
		return nil, nil
	}
	return s.listByOwnerFn(ctx, ownerID)
}

type stubEntryStore struct {
	listByWalletFn func(ctx context.Context, walletID string, limit, offset int) ([]models.WalletEntry, error)
}

func (s stubEntryStore) ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]models.WalletEntry, error) {
	if s.listByWalletFn == nil {
		return nil, nil
	}
	return s.listByWalletFn(ctx, walletID, limit, offset)
}

type stubRequestStore struct {
	getByIDFn func(ctx context.Context, requestID string) (models.FundingRequest, error)
	listFn    func(ctx context.Context, filter store.RequestFilter) ([]models.FundingRequest, error)
}

func (s stubRequestStore) GetByID(ctx context.Context, requestID string) (models.FundingRequest, error) {
	if s.getByIDFn == nil {
		return models.FundingRequest{}, store.ErrNotFound
	}
	return s.getByIDFn(ctx, requestID)
}

func (s stubRequestStore) List(ctx context.Context, filter store.RequestFilter) ([]models.FundingRequest, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, filter)
}

type stubTransferStore struct {
	listFn func(ctx context.Context, filter store.TransferFilter) ([]models.Transfer, error)
}

func (s stubTransferStore) List(ctx context.Context, filter store.TransferFilter) ([]models.Transfer, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, filter)
}

type stubReconciliationStore struct {
	historyFn       func(ctx context.Context, subjectID string) ([]models.ReconciliationEntry, error)
	listByOutcomeFn func(ctx context.Context, outcome models.Outcome, limit, offset int) ([]models.ReconciliationEntry, error)
}

func (s stubReconciliationStore) History(ctx context.Context, subjectID string) ([]models.ReconciliationEntry, error) {
	if s.historyFn == nil {
		return nil, nil
	}
	return s.historyFn(ctx, subjectID)
}

func (s stubReconciliationStore) ListByOutcome(ctx context.Context, outcome models.Outcome, limit, offset int) ([]models.ReconciliationEntry, error) {
	if s.listByOutcomeFn == nil {
		return nil, nil
	}
	return s.listByOutcomeFn(ctx, outcome, limit, offset)
}

type stubTradingAccountStore struct {
	listByOwnerFn func(ctx context.Context, ownerID string) ([]models.TradingAccount, error)
}

func (s stubTradingAccountStore) ListByOwner(ctx context.Context, ownerID string) ([]models.TradingAccount, error) {
	if s.listByOwnerFn == nil {
		return nil, nil
	}
	return s.listByOwnerFn(ctx, ownerID)
}

type stubAdminStore struct {
	isAdminFn     func(ctx context.Context, userID string) (bool, bool, error)
	hasRoleFn     func(ctx context.Context, userID, role string) (bool, error)
	rolesFn       func(ctx context.Context, userID string) ([]string, error)
	createAdminFn func(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, adminUserID, role string) error
}

func (s stubAdminStore) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	if s.isAdminFn == nil {
		return false, false, nil
	}
	return s.isAdminFn(ctx, userID)
}

func (s stubAdminStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, userID, role)
}

func (s stubAdminStore) Roles(ctx context.Context, userID string) ([]string, error) {
	if s.rolesFn == nil {
		return nil, nil
	}
	return s.rolesFn(ctx, userID)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, userID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, adminUserID, role)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	listFn func(ctx context.Context, entityID string, limit, offset int) ([]models.AuditLog, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, entityID string, limit, offset int) ([]models.AuditLog, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, entityID, limit, offset)
}

// superAdmin passes every RequireAdmin check.
var superAdmin = stubAdminStore{
	isAdminFn: func(context.Context, string) (bool, bool, error) { return true, true, nil },
}

// newTestHandler fills every dependency the caller leaves empty with a stub.
func newTestHandler(deps Deps) *Handler {
	deps.Config = config.Config{JWTSecret: testSecret, AllowedOrigins: "*"}
	if deps.TxRunner == nil {
		deps.TxRunner = fakeTxRunner{}
	}
	if deps.Orchestrator == nil {
		deps.Orchestrator = stubOrchestrator{}
	}
	if deps.Ledger == nil {
		deps.Ledger = stubLedger{}
	}
	if deps.Wallets == nil {
		deps.Wallets = stubWalletStore{}
	}
	if deps.Entries == nil {
		deps.Entries = stubEntryStore{}
	}
	if deps.Requests == nil {
		deps.Requests = stubRequestStore{}
	}
	if deps.Transfers == nil {
		deps.Transfers = stubTransferStore{}
	}
	if deps.Reconciliation == nil {
		deps.Reconciliation = stubReconciliationStore{}
	}
	if deps.TradingAccounts == nil {
		deps.TradingAccounts = stubTradingAccountStore{}
	}
	if deps.Admin == nil {
		deps.Admin = stubAdminStore{}
	}
	if deps.Audit == nil {
		deps.Audit = stubAuditStore{}
	}
	return New(deps)
}

// serve sends the request through the full router as userID.
func serve(t *testing.T, h *Handler, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, err := auth.GenerateToken(testSecret, userID, time.Minute)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func serveWithHeader(t *testing.T, h *Handler, path, body, userID, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(key, value)
	token, err := auth.GenerateToken(testSecret, userID, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}
