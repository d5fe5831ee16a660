package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"brokerage/internal/models"
	"brokerage/internal/money"
	"brokerage/internal/notify"
	"brokerage/internal/store"
	"brokerage/internal/tradingapi"
)

// world is an in-memory database. WithTx runs one transaction at a time and
// restores the previous state when fn fails, which is enough to stand in for
// row locks and serializable isolation.
type world struct {
	txMu sync.Mutex
	mu   sync.Mutex

	clock     *fakeClock
	wallets   map[string]models.Wallet
	entries   map[string]models.WalletEntry
	requests  map[string]models.FundingRequest
	transfers map[string]models.Transfer
	accounts  map[string]models.TradingAccount
	recon     []models.ReconciliationEntry
	audits    []string
	nextID    int64

	// txCount counts WithTx calls; the call numbered failAt fails.
	txCount int
	failAt  int
}

func newWorld(clock *fakeClock) *world {
	return &world{
		clock:     clock,
		wallets:   map[string]models.Wallet{},
		entries:   map[string]models.WalletEntry{},
		requests:  map[string]models.FundingRequest{},
		transfers: map[string]models.Transfer{},
		accounts:  map[string]models.TradingAccount{},
	}
}

type worldState struct {
	wallets   map[string]models.Wallet
	entries   map[string]models.WalletEntry
	requests  map[string]models.FundingRequest
	transfers map[string]models.Transfer
	accounts  map[string]models.TradingAccount
	recon     []models.ReconciliationEntry
	audits    []string
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (w *world) snapshot() worldState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return worldState{
		wallets:   copyMap(w.wallets),
		entries:   copyMap(w.entries),
		requests:  copyMap(w.requests),
		transfers: copyMap(w.transfers),
		accounts:  copyMap(w.accounts),
		recon:     append([]models.ReconciliationEntry(nil), w.recon...),
		audits:    append([]string(nil), w.audits...),
	}
}

func (w *world) restore(s worldState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wallets, w.entries, w.requests, w.transfers = s.wallets, s.entries, s.requests, s.transfers
	w.accounts, w.recon, w.audits = s.accounts, s.recon, s.audits
}

func (w *world) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.txMu.Lock()
	defer w.txMu.Unlock()
	w.txCount++
	if w.txCount == w.failAt {
		return errTxFailed
	}
	before := w.snapshot()
	if err := fn(nil); err != nil {
		w.restore(before)
		return err
	}
	return nil
}

var errTxFailed = errors.New("connection reset")

// failTxAfter lets the next n transactions commit and fails the one after.
func (w *world) failTxAfter(n int) {
	w.txMu.Lock()
	defer w.txMu.Unlock()
	w.failAt = w.txCount + n + 1
}

func (w *world) id(prefix string) string {
	w.nextID++
	return fmt.Sprintf("%s-%d", prefix, w.nextID)
}

func (w *world) entriesFor(token string) []models.ReconciliationEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.ReconciliationEntry
	for _, e := range w.recon {
		if e.Token == token {
			out = append(out, e)
		}
	}
	return out
}

func (w *world) outcomes(token string) []models.Outcome {
	var out []models.Outcome
	for _, e := range w.entriesFor(token) {
		out = append(out, e.Outcome)
	}
	return out
}

func (w *world) walletBalance(id string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wallets[id].Balance
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type walletFake struct{ w *world }

func (f walletFake) Create(_ context.Context, _ store.Execer, id, ownerID, currency string) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, wallet := range f.w.wallets {
		if wallet.OwnerID == ownerID && wallet.Currency == currency {
			return store.ErrDuplicateToken
		}
	}
	f.w.wallets[id] = models.Wallet{ID: id, OwnerID: ownerID, Currency: currency}
	return nil
}

func (f walletFake) GetByID(_ context.Context, walletID string) (models.Wallet, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	wallet, ok := f.w.wallets[walletID]
	if !ok {
		return models.Wallet{}, store.ErrNotFound
	}
	return wallet, nil
}

func (f walletFake) GetForUpdate(ctx context.Context, _ store.Getter, walletID string) (models.Wallet, error) {
	return f.GetByID(ctx, walletID)
}

func (f walletFake) AdjustBalance(_ context.Context, _ store.Execer, walletID string, delta int64) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	wallet, ok := f.w.wallets[walletID]
	if !ok {
		return store.ErrNotFound
	}
	if wallet.Balance+delta < 0 {
		return store.ErrInsufficientBalance
	}
	wallet.Balance += delta
	f.w.wallets[walletID] = wallet
	return nil
}

func (f walletFake) ListDrift(_ context.Context) ([]store.WalletDrift, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	sums := map[string]int64{}
	for _, e := range f.w.entries {
		sums[e.WalletID] += e.Amount
	}
	var drift []store.WalletDrift
	for id, wallet := range f.w.wallets {
		if sums[id] != wallet.Balance {
			drift = append(drift, store.WalletDrift{
				ID:                id,
				OwnerID:           wallet.OwnerID,
				Currency:          wallet.Currency,
				StoredBalance:     wallet.Balance,
				CalculatedBalance: sums[id],
				Difference:        wallet.Balance - sums[id],
			})
		}
	}
	return drift, nil
}

type entryFake struct{ w *world }

func (f entryFake) Insert(_ context.Context, _ store.Execer, entry models.WalletEntry) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if _, ok := f.w.entries[entry.IdempotencyToken]; ok {
		return store.ErrDuplicateToken
	}
	entry.CreatedAt = f.w.clock.Now()
	f.w.entries[entry.IdempotencyToken] = entry
	return nil
}

func (f entryFake) GetByToken(_ context.Context, _ store.Getter, token string) (models.WalletEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	entry, ok := f.w.entries[token]
	if !ok {
		return models.WalletEntry{}, store.ErrNotFound
	}
	return entry, nil
}

func (f entryFake) SumByWallet(_ context.Context, _ store.Getter, walletID string) (int64, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var sum int64
	for _, e := range f.w.entries {
		if e.WalletID == walletID {
			sum += e.Amount
		}
	}
	return sum, nil
}

type requestFake struct{ w *world }

func (f requestFake) Create(_ context.Context, _ store.Execer, in store.FundingRequestInput) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	f.w.requests[in.ID] = models.FundingRequest{
		ID:          in.ID,
		Kind:        in.Kind,
		OwnerID:     in.OwnerID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		AccountType: in.AccountType,
		AccountRef:  in.AccountRef,
		Status:      models.RequestPending,
		CreatedAt:   f.w.clock.Now(),
	}
	return nil
}

func (f requestFake) GetByID(_ context.Context, requestID string) (models.FundingRequest, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	req, ok := f.w.requests[requestID]
	if !ok {
		return models.FundingRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (f requestFake) GetForUpdate(ctx context.Context, _ store.Getter, requestID string) (models.FundingRequest, error) {
	return f.GetByID(ctx, requestID)
}

func (f requestFake) Transition(_ context.Context, _ store.Execer, in store.TransitionInput) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	req, ok := f.w.requests[in.ID]
	if !ok || req.Status != in.From {
		return store.ErrInvalidTransition
	}
	req.Status = in.To
	req.ApproverID = &in.ApproverID
	if in.ConfirmationRef != "" {
		req.ConfirmationRef = &in.ConfirmationRef
	}
	now := f.w.clock.Now()
	req.DecidedAt = &now
	f.w.requests[in.ID] = req
	return nil
}

type transferFake struct{ w *world }

func (f transferFake) Create(_ context.Context, _ store.Execer, t models.Transfer) (bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if _, ok := f.w.transfers[t.ID]; ok {
		return false, nil
	}
	t.CreatedAt = f.w.clock.Now()
	f.w.transfers[t.ID] = t
	return true, nil
}

func (f transferFake) GetByID(_ context.Context, _ store.Getter, transferID string) (models.Transfer, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	t, ok := f.w.transfers[transferID]
	if !ok {
		return models.Transfer{}, store.ErrNotFound
	}
	return t, nil
}

func (f transferFake) Resolve(_ context.Context, _ store.Execer, transferID, resolution string) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	t, ok := f.w.transfers[transferID]
	if !ok || t.Resolution != nil {
		return store.ErrAlreadyResolved
	}
	now := f.w.clock.Now()
	t.Resolution = &resolution
	t.ResolvedAt = &now
	f.w.transfers[transferID] = t
	return nil
}

type reconFake struct{ w *world }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (f reconFake) Record(_ context.Context, _ store.Getter, in store.EntryInput) (models.ReconciliationEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, e := range f.w.recon {
		if e.Token == in.Token && e.Attempt == in.Attempt && e.Outcome == in.Outcome {
			return models.ReconciliationEntry{}, store.ErrLegClaimed
		}
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	entry := models.ReconciliationEntry{
		ID:           int64(len(f.w.recon) + 1),
		Token:        in.Token,
		SubjectType:  in.SubjectType,
		SubjectID:    in.SubjectID,
		Leg:          in.Leg,
		Attempt:      in.Attempt,
		Outcome:      in.Outcome,
		EndpointType: in.Endpoint.Type,
		EndpointRef:  in.Endpoint.Ref,
		Amount:       in.Amount,
		Currency:     in.Currency,
		RawResponse:  optional(in.RawResponse),
		Error:        optional(in.Error),
		Payload:      payload,
		OperatorID:   optional(in.OperatorID),
		CreatedAt:    f.w.clock.Now(),
	}
	f.w.recon = append(f.w.recon, entry)
	return entry, nil
}

func (f reconFake) Latest(_ context.Context, _ store.Getter, token string) (models.ReconciliationEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for i := len(f.w.recon) - 1; i >= 0; i-- {
		if f.w.recon[i].Token == token {
			return f.w.recon[i], nil
		}
	}
	return models.ReconciliationEntry{}, store.ErrNotFound
}

func (f reconFake) ListOpen(_ context.Context, olderThan time.Time) ([]models.ReconciliationEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	latest := map[string]models.ReconciliationEntry{}
	for _, e := range f.w.recon {
		latest[e.Token] = e
	}
	var open []models.ReconciliationEntry
	for _, e := range latest {
		if (e.Outcome == models.OutcomeStarted || e.Outcome == models.OutcomeUnknown) && e.CreatedAt.Before(olderThan) {
			open = append(open, e)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

func (f reconFake) ListUnsettled(_ context.Context, olderThan time.Time) ([]models.ReconciliationEntry, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	latest := map[string]models.ReconciliationEntry{}
	for _, e := range f.w.recon {
		latest[e.Token] = e
	}
	var unsettled []models.ReconciliationEntry
	for _, e := range latest {
		if !e.Outcome.Applied() || !e.CreatedAt.Before(olderThan) {
			continue
		}
		switch e.SubjectType {
		case models.SubjectTransfer:
			if _, ok := f.w.transfers[e.SubjectID]; !ok && e.Leg == models.LegCredit {
				unsettled = append(unsettled, e)
			}
		default:
			if req, ok := f.w.requests[e.SubjectID]; ok && req.Status == models.RequestPending {
				unsettled = append(unsettled, e)
			}
		}
	}
	sort.Slice(unsettled, func(i, j int) bool { return unsettled[i].ID < unsettled[j].ID })
	return unsettled, nil
}

type accountFake struct{ w *world }

func (f accountFake) GetByLogin(_ context.Context, login string) (models.TradingAccount, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	a, ok := f.w.accounts[login]
	if !ok {
		return models.TradingAccount{}, store.ErrNotFound
	}
	return a, nil
}

func (f accountFake) UpdateSnapshot(_ context.Context, account models.TradingAccount) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	cached, ok := f.w.accounts[account.Login]
	if !ok {
		return store.ErrNotFound
	}
	account.OwnerID = cached.OwnerID
	account.RefreshedAt = f.w.clock.Now()
	f.w.accounts[account.Login] = account
	return nil
}

func (f accountFake) Link(_ context.Context, _ store.Execer, account models.TradingAccount) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if _, ok := f.w.accounts[account.Login]; ok {
		return store.ErrDuplicateToken
	}
	f.w.accounts[account.Login] = account
	return nil
}

type auditFake struct{ w *world }

func (f auditFake) Log(_ context.Context, _ store.Execer, _, action, _, entityID, _ string) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	f.w.audits = append(f.w.audits, action+":"+entityID)
	return nil
}

type step int

const (
	stepApply step = iota
	stepReject
	// stepLost times out without the platform applying the change.
	stepLost
	// stepGhost applies the change but the response never arrives.
	stepGhost
)

type platformCall struct {
	op      string
	login   string
	amount  int64
	comment string
}

type fakePlatform struct {
	mu         sync.Mutex
	balances   map[string]int64
	currency   string
	adds       []step
	deducts    []step
	calls      []platformCall
	onAdd      func()
	profileErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{balances: map[string]int64{}, currency: "USD"}
}

func (p *fakePlatform) AddBalance(_ context.Context, login string, amount decimal.Decimal, comment string) (tradingapi.Result, error) {
	res, err := p.mutate("add", login, amount, comment)
	p.mu.Lock()
	hook := p.onAdd
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (p *fakePlatform) DeductBalance(_ context.Context, login string, amount decimal.Decimal, comment string) (tradingapi.Result, error) {
	return p.mutate("deduct", login, amount, comment)
}

func (p *fakePlatform) mutate(op, login string, amount decimal.Decimal, comment string) (tradingapi.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	minor, err := money.FromDecimal(amount)
	if err != nil {
		return tradingapi.Result{}, &tradingapi.RejectedError{StatusCode: 400, Code: tradingapi.CodeInvalidAmount}
	}
	p.calls = append(p.calls, platformCall{op: op, login: login, amount: minor, comment: comment})

	queue := &p.adds
	delta := minor
	if op == "deduct" {
		queue = &p.deducts
		delta = -minor
	}
	s := stepApply
	if len(*queue) > 0 {
		s = (*queue)[0]
		*queue = (*queue)[1:]
	}
	balance, ok := p.balances[login]
	if !ok {
		return tradingapi.Result{}, &tradingapi.RejectedError{StatusCode: 404, Code: tradingapi.CodeUnknownLogin}
	}
	switch s {
	case stepReject:
		return tradingapi.Result{StatusCode: 400, Raw: `{"code":"invalid_amount"}`}, &tradingapi.RejectedError{StatusCode: 400, Code: tradingapi.CodeInvalidAmount}
	case stepLost:
		return tradingapi.Result{}, &tradingapi.UnknownOutcomeError{Reason: "timeout", Err: context.DeadlineExceeded}
	}
	if balance+delta < 0 {
		return tradingapi.Result{StatusCode: 409}, &tradingapi.RejectedError{StatusCode: 409, Code: tradingapi.CodeInsufficientBalance}
	}
	p.balances[login] = balance + delta
	if s == stepGhost {
		return tradingapi.Result{}, &tradingapi.UnknownOutcomeError{Reason: "timeout", Err: context.DeadlineExceeded}
	}
	return tradingapi.Result{
		Login:      login,
		Ticket:     fmt.Sprint(len(p.calls)),
		Balance:    money.ToDecimal(p.balances[login]),
		Parsed:     true,
		StatusCode: 200,
		Raw:        `{"ok":true}`,
	}, nil
}

func (p *fakePlatform) GetProfile(_ context.Context, login string) (tradingapi.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profileErr != nil {
		return tradingapi.Profile{}, p.profileErr
	}
	balance, ok := p.balances[login]
	if !ok {
		return tradingapi.Profile{}, &tradingapi.RejectedError{StatusCode: 404, Code: tradingapi.CodeUnknownLogin}
	}
	return tradingapi.Profile{
		Login:      login,
		Currency:   p.currency,
		Balance:    money.ToDecimal(balance),
		Equity:     money.ToDecimal(balance),
		FreeMargin: money.ToDecimal(balance),
	}, nil
}

func (p *fakePlatform) balance(login string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[login]
}

func (p *fakePlatform) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	w        *world
	clock    *fakeClock
	platform *fakePlatform
	notifier *recordingNotifier
	registry *prometheus.Registry
	ledger   *LedgerService
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	w := newWorld(clock)
	platform := newFakePlatform()
	notifier := &recordingNotifier{}
	registry := prometheus.NewRegistry()
	ledger := NewLedgerService(w, walletFake{w}, entryFake{w})
	orch := NewOrchestrator(OrchestratorConfig{
		CreditMaxAttempts: 3,
		StaleLegAfter:     2 * time.Minute,
	}, OrchestratorDeps{
		TxRunner:        w,
		Ledger:          ledger,
		Wallets:         walletFake{w},
		Requests:        requestFake{w},
		Transfers:       transferFake{w},
		Reconciliation:  reconFake{w},
		TradingAccounts: accountFake{w},
		Audit:           auditFake{w},
		Platform:        platform,
		Notifier:        notifier,
		Metrics:         NewMetrics(registry),
		Now:             clock.Now,
	})
	return &harness{w: w, clock: clock, platform: platform, notifier: notifier, registry: registry, ledger: ledger, orch: orch}
}

// addWallet opens a wallet funded through a single deposit entry, so the
// stored balance and the entries agree from the start.
func (h *harness) addWallet(id, ownerID string, balance int64) models.Endpoint {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	h.w.wallets[id] = models.Wallet{ID: id, OwnerID: ownerID, Currency: "USD", Balance: balance}
	if balance > 0 {
		token := "opening:" + id
		h.w.entries[token] = models.WalletEntry{
			ID:               "entry-" + id,
			WalletID:         id,
			Amount:           balance,
			Currency:         "USD",
			Kind:             models.EntryDeposit,
			IdempotencyToken: token,
		}
	}
	return models.Endpoint{Type: models.AccountWallet, Ref: id}
}

func (h *harness) addTradingAccount(login, ownerID string, balance int64) models.Endpoint {
	h.platform.mu.Lock()
	h.platform.balances[login] = balance
	h.platform.mu.Unlock()
	h.w.mu.Lock()
	h.w.accounts[login] = models.TradingAccount{Login: login, OwnerID: ownerID, Currency: "USD", Balance: balance}
	h.w.mu.Unlock()
	return models.Endpoint{Type: models.AccountTrading, Ref: login}
}

func (h *harness) addRequest(id string, kind models.RequestKind, ownerID string, endpoint models.Endpoint, amount int64) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	h.w.requests[id] = models.FundingRequest{
		ID:          id,
		Kind:        kind,
		OwnerID:     ownerID,
		Amount:      amount,
		Currency:    "USD",
		AccountType: endpoint.Type,
		AccountRef:  endpoint.Ref,
		Status:      models.RequestPending,
	}
}

func (h *harness) request(id string) models.FundingRequest {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.requests[id]
}

func (h *harness) transfer(id string) (models.Transfer, bool) {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	t, ok := h.w.transfers[id]
	return t, ok
}

// openStarts lists tokens whose latest row is still started.
func (h *harness) openStarts() []string {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	latest := map[string]models.Outcome{}
	for _, e := range h.w.recon {
		latest[e.Token] = e.Outcome
	}
	var open []string
	for token, outcome := range latest {
		if outcome == models.OutcomeStarted {
			open = append(open, token)
		}
	}
	return open
}
