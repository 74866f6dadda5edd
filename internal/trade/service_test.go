package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/agent"
	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/gamify"
	"github.com/pearfect/engine/internal/market"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pair"
	"github.com/pearfect/engine/internal/pear"
	"github.com/pearfect/engine/internal/pnl"
	"github.com/pearfect/engine/internal/risk"
	"github.com/pearfect/engine/internal/state"
	"github.com/pearfect/engine/internal/store"
	"github.com/pearfect/engine/internal/trade"
)

const testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

var testSignature = "0x" + strings.Repeat("ab", 65)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeBackend records calls and answers from canned values.
type fakeBackend struct {
	mu       sync.Mutex
	tradeErr error
	trades   []pear.TradeRequest
}

func (f *fakeBackend) AuthMessage(_ context.Context, address string) (*pear.LoginMessage, error) {
	return &pear.LoginMessage{
		Domain:      map[string]any{"name": "Pear Protocol"},
		Types:       map[string][]pear.TypedField{"Authentication": {{Name: "address", Type: "address"}}},
		PrimaryType: "Authentication",
		Message:     map[string]any{"address": address},
		Timestamp:   1700000000,
	}, nil
}

func (f *fakeBackend) Verify(_ context.Context, req pear.VerifyRequest) (*pear.Credential, error) {
	if req.Signature == "bad" {
		return nil, &pear.APIError{Status: 401, Message: "invalid signature"}
	}
	return &pear.Credential{AccessToken: "token-" + req.WalletAddress}, nil
}

func (f *fakeBackend) ExecuteTrade(_ context.Context, req pear.TradeRequest) (*pear.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, req)
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	return &pear.Receipt{TradeID: "trade-1", Message: "ok"}, nil
}

func (f *fakeBackend) Positions(_ context.Context, address string) ([]pear.ProPosition, error) {
	return []pear.ProPosition{{ID: "p1", Status: "open", PnL: d(12.5)}}, nil
}

type testEnv struct {
	svc     *trade.Service
	state   *state.Store
	backend *fakeBackend
	router  chi.Router
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend := &fakeBackend{}
	e := newTestEnvWith(t, backend)
	e.backend = backend
	return e
}

// newTestEnvWith wires the service to an arbitrary backend.
func newTestEnvWith(t *testing.T, backend trade.Backend) *testEnv {
	t.Helper()
	clk := clock.NewFixed(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	rnd := rand.New(rand.NewSource(42))

	st := state.Open(context.Background(), store.NewMemoryStore(),
		state.WithClock(clk),
		state.WithRand(rnd),
		state.WithScheduler(func(time.Duration, func()) {}),
	)
	feed, err := market.NewFeed(rand.New(rand.NewSource(7)), clk, time.Minute)
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	t.Cleanup(feed.Close)

	sim := agent.NewSimulated(rand.New(rand.NewSource(3)), clk)
	svc := trade.NewService(trade.Deps{
		State:   st,
		Walker:  pnl.NewWalker(rand.New(rand.NewSource(5))),
		Backend: backend,
		Feed:    feed,
		Chat:    agent.NewService(store.NewMemoryStore(), sim, sim, clk, nil),
		Limits:  risk.DefaultLimits(),
		Clock:   clk,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Mount)
	return &testEnv{svc: svc, state: st, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

// connectAndAuthorize links the test wallet and completes the auth handshake.
func (e *testEnv) connectAndAuthorize(t *testing.T) {
	t.Helper()
	addr := strings.ToLower(testAddress)
	w := e.do(t, "PUT", "/api/v1/wallet", model.WalletLink{Connected: true, Address: &addr})
	expectStatus(t, w, http.StatusOK)

	w = e.do(t, "POST", "/api/v1/pro/auth/verify", trade.VerifyRequest{
		WalletAddress: testAddress,
		Signature:     testSignature,
		Timestamp:     1700000000,
	})
	expectStatus(t, w, http.StatusOK)
}

func proTrade() trade.ProTradeRequest {
	return trade.ProTradeRequest{
		LongLegs:     []model.Leg{{Asset: "HYPE", Weight: 100}},
		ShortLegs:    []model.Leg{{Asset: "ETH", Weight: 100}},
		Stake:        d(50),
		Leverage:     5,
		Slippage:     d(1),
		Acknowledged: true,
		Thesis:       trade.Thesis{Horizon: "1w", Conviction: "high", Type: "narrative"},
	}
}

// --- State tests ---

func TestGetState_Defaults(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/state", nil)
	expectStatus(t, w, http.StatusOK)

	snap := decodeBody[model.Snapshot](t, w)
	if snap.Mode != model.ModeDemo || snap.Theme != model.ThemeDark {
		t.Errorf("unexpected defaults: mode=%s theme=%s", snap.Mode, snap.Theme)
	}
	if snap.DemoWallet != nil {
		t.Error("expected no demo wallet by default")
	}
	if snap.SelectedPair.Base != "HYPE" || snap.SelectedPair.Quote != "ETH" {
		t.Errorf("unexpected pair: %+v", snap.SelectedPair)
	}
}

func TestSetMode(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "PUT", "/api/v1/mode", trade.ModeRequest{Mode: model.ModePro})
	expectStatus(t, w, http.StatusOK)
	if e.state.Snapshot().Mode != model.ModePro {
		t.Error("mode not updated")
	}

	w = e.do(t, "PUT", "/api/v1/mode", trade.ModeRequest{Mode: "arcade"})
	expectStatus(t, w, http.StatusBadRequest)
	if e.state.Snapshot().Mode != model.ModePro {
		t.Error("invalid mode must not change state")
	}
}

func TestSetTheme_Invalid(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "PUT", "/api/v1/theme", trade.ThemeRequest{Theme: "sepia"})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestSetPair_Symbol(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "PUT", "/api/v1/pair", trade.PairRequest{Symbol: "sol/btc"})
	expectStatus(t, w, http.StatusOK)

	p := e.state.Snapshot().SelectedPair
	if p.Base != "SOL" || p.Quote != "BTC" {
		t.Errorf("expected SOL/BTC, got %+v", p)
	}

	w = e.do(t, "PUT", "/api/v1/pair", trade.PairRequest{Base: "ETH", Quote: "ETH"})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestSearchPairs(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", "/api/v1/pairs?query=eth", nil)
	expectStatus(t, w, http.StatusOK)
	resp := decodeBody[struct {
		Pairs []pair.Suggestion `json:"pairs"`
	}](t, w)
	if len(resp.Pairs) != 3 {
		t.Fatalf("expected 3 ETH pairs, got %+v", resp.Pairs)
	}
	for _, p := range resp.Pairs {
		if p.Quote != "ETH" {
			t.Errorf("unexpected match %+v", p)
		}
	}

	w = e.do(t, "GET", "/api/v1/pairs?q=doge", nil)
	expectStatus(t, w, http.StatusOK)
	resp = decodeBody[struct {
		Pairs []pair.Suggestion `json:"pairs"`
	}](t, w)
	if len(resp.Pairs) != 1 || resp.Pairs[0].Name != "DOGE/SHIB" {
		t.Errorf("expected DOGE/SHIB, got %+v", resp.Pairs)
	}

	w = e.do(t, "GET", "/api/v1/pairs", nil)
	expectStatus(t, w, http.StatusOK)
	resp = decodeBody[struct {
		Pairs []pair.Suggestion `json:"pairs"`
	}](t, w)
	if len(resp.Pairs) != len(pair.Suggested) {
		t.Errorf("expected every suggestion, got %d", len(resp.Pairs))
	}
}

func TestSetWallet_InvalidAddress(t *testing.T) {
	e := newTestEnv(t)
	addr := "0x1234"
	w := e.do(t, "PUT", "/api/v1/wallet", model.WalletLink{Connected: true, Address: &addr})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestSetSearchModal(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "PUT", "/api/v1/ui/search-modal", trade.FlagRequest{Show: true})
	expectStatus(t, w, http.StatusOK)
	if !e.state.Snapshot().ShowSearchModal {
		t.Error("search modal flag not set")
	}
}

func TestInvalidBody(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("PUT", "/api/v1/mode", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusBadRequest)
}

// --- Demo tests ---

func TestDemoTrade_Flow(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/demo/wallet", nil)
	expectStatus(t, w, http.StatusOK)
	wallet := decodeBody[model.DemoWallet](t, w)
	if wallet.Credits != 100 || wallet.MaxCredits != 100 {
		t.Fatalf("unexpected wallet: %+v", wallet)
	}

	w = e.do(t, "POST", "/api/v1/demo/trades", trade.DemoTradeRequest{MatchupID: "ai-eth", Stake: 25})
	expectStatus(t, w, http.StatusCreated)
	res := decodeBody[state.DemoTrade](t, w)

	if res.Wallet.Credits != 75 {
		t.Errorf("expected 75 credits, got %d", res.Wallet.Credits)
	}
	if res.Transaction.Amount != 25 || res.Transaction.Kind != model.TxTrade {
		t.Errorf("unexpected transaction: %+v", res.Transaction)
	}
	if res.Position.Stake != 25 {
		t.Errorf("expected stake 25, got %d", res.Position.Stake)
	}
	if res.Award.StreakBonus != 0 {
		t.Error("demo trades must not earn a streak bonus")
	}

	snap := e.state.Snapshot()
	if snap.Avatar.XP != 10 || snap.Avatar.CurrentStreakDays != 0 {
		t.Errorf("unexpected avatar: %+v", snap.Avatar)
	}
	if !snap.ShowCoinShower {
		t.Error("expected coin shower")
	}
}

func TestDemoTrade_Errors(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/demo/trades", trade.DemoTradeRequest{MatchupID: "ai-eth", Stake: 10})
	expectStatus(t, w, http.StatusConflict) // no wallet yet

	e.do(t, "POST", "/api/v1/demo/wallet", nil)

	tests := []struct {
		name   string
		req    trade.DemoTradeRequest
		status int
	}{
		{"unknown matchup", trade.DemoTradeRequest{MatchupID: "doge-moon", Stake: 10}, http.StatusBadRequest},
		{"zero stake", trade.DemoTradeRequest{MatchupID: "ai-eth", Stake: 0}, http.StatusBadRequest},
		{"insufficient credits", trade.DemoTradeRequest{MatchupID: "ai-eth", Stake: 101}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/api/v1/demo/trades", tt.req)
			expectStatus(t, w, tt.status)
		})
	}

	if got := e.state.Snapshot().DemoWallet.Credits; got != 100 {
		t.Errorf("failed trades must not charge: credits=%d", got)
	}
}

func TestDemoWallet_Reset(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/demo/wallet", nil)
	e.do(t, "POST", "/api/v1/demo/trades", trade.DemoTradeRequest{MatchupID: "sol-btc", Stake: 50})

	w := e.do(t, "POST", "/api/v1/demo/wallet/reset", nil)
	expectStatus(t, w, http.StatusOK)

	snap := e.state.Snapshot()
	if snap.DemoWallet.Credits != 100 || len(snap.DemoWallet.History) != 0 {
		t.Errorf("wallet not reset: %+v", snap.DemoWallet)
	}
	if len(snap.DemoPositions) != 0 {
		t.Error("positions not cleared")
	}
}

func TestListMatchups(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/demo/matchups", nil)
	expectStatus(t, w, http.StatusOK)

	var resp struct {
		Matchups     []state.Matchup `json:"matchups"`
		StakePresets []int64         `json:"stakePresets"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Matchups) != len(state.Matchups) || len(resp.StakePresets) != len(state.StakePresets) {
		t.Errorf("unexpected catalogue: %+v", resp)
	}
}

func TestDemoPositions_Marked(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/demo/wallet", nil)
	e.do(t, "POST", "/api/v1/demo/trades", trade.DemoTradeRequest{MatchupID: "ai-eth", Stake: 25})
	e.do(t, "POST", "/api/v1/demo/trades", trade.DemoTradeRequest{MatchupID: "l2-l1", Stake: 10})

	w := e.do(t, "GET", "/api/v1/demo/positions", nil)
	expectStatus(t, w, http.StatusOK)
	resp := decodeBody[trade.PositionsResponse](t, w)

	if len(resp.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(resp.Positions))
	}
	if resp.TotalStake != 35 {
		t.Errorf("expected total stake 35, got %d", resp.TotalStake)
	}
	// Unstepped positions sit at their entry ratio.
	for _, p := range resp.Positions {
		if !p.CurrentRatio.Equal(p.EntryRatio) || !p.Pct.IsZero() || !p.Profit {
			t.Errorf("unexpected mark: %+v", p)
		}
	}
	if !resp.TotalPnLCredits.IsZero() {
		t.Errorf("expected zero P&L, got %s", resp.TotalPnLCredits)
	}
}

// --- Pro tests ---

func TestAuthMessage(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/pro/auth/message?address="+strings.ToLower(testAddress), nil)
	expectStatus(t, w, http.StatusOK)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["address"] != testAddress {
		t.Errorf("expected checksummed address, got %v", resp["address"])
	}
	typed, ok := resp["typedData"].(map[string]any)
	if !ok || typed["primaryType"] != "Authentication" {
		t.Errorf("unexpected typed data: %v", resp["typedData"])
	}

	w = e.do(t, "GET", "/api/v1/pro/auth/message?address=nope", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestAuthVerify_Rejected(t *testing.T) {
	e := newTestEnv(t)
	addr := testAddress
	e.do(t, "PUT", "/api/v1/wallet", model.WalletLink{Connected: true, Address: &addr})
	w := e.do(t, "POST", "/api/v1/pro/auth/verify", trade.VerifyRequest{
		WalletAddress: testAddress,
		Signature:     "bad",
		Timestamp:     1700000000,
	})
	expectStatus(t, w, http.StatusBadGateway)
	if e.state.Snapshot().BuilderAuthorized {
		t.Error("rejected verification must not authorize")
	}
}

func TestAuthVerify_MustMatchConnectedWallet(t *testing.T) {
	e := newTestEnv(t)
	req := trade.VerifyRequest{WalletAddress: testAddress, Signature: testSignature, Timestamp: 1700000000}

	w := e.do(t, "POST", "/api/v1/pro/auth/verify", req)
	expectStatus(t, w, http.StatusConflict)

	other := "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	e.do(t, "PUT", "/api/v1/wallet", model.WalletLink{Connected: true, Address: &other})
	w = e.do(t, "POST", "/api/v1/pro/auth/verify", req)
	expectStatus(t, w, http.StatusConflict)

	if e.state.Snapshot().BuilderAuthorized {
		t.Error("verification for another wallet must not authorize")
	}
}

func TestProTrade_WalletSwitchRevokesAuthorization(t *testing.T) {
	e := newTestEnv(t)
	e.connectAndAuthorize(t)

	other := "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	w := e.do(t, "PUT", "/api/v1/wallet", model.WalletLink{Connected: true, Address: &other})
	expectStatus(t, w, http.StatusOK)

	w = e.do(t, "POST", "/api/v1/pro/trades", proTrade())
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if len(e.backend.trades) != 0 {
		t.Errorf("expected no backend call, got %d", len(e.backend.trades))
	}
}

func TestBuilderApproval(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/pro/builder-approval", nil)
	expectStatus(t, w, http.StatusOK)
	data := decodeBody[pear.BuilderApprovalData](t, w)
	if data.Message.Builder != pear.BuilderAddress || data.Message.MaxFeeRate != pear.MaxFeeRate {
		t.Errorf("unexpected approval: %+v", data.Message)
	}

	req := trade.ApprovalRequest{Address: testAddress, Signature: testSignature, Nonce: data.Message.Nonce}

	// No wallet connected yet.
	w = e.do(t, "POST", "/api/v1/pro/builder-approval", req)
	expectStatus(t, w, http.StatusConflict)

	addr := testAddress
	e.do(t, "PUT", "/api/v1/wallet", model.WalletLink{Connected: true, Address: &addr})

	bad := req
	bad.Signature = "0x1234"
	w = e.do(t, "POST", "/api/v1/pro/builder-approval", bad)
	expectStatus(t, w, http.StatusBadRequest)

	w = e.do(t, "POST", "/api/v1/pro/builder-approval", req)
	expectStatus(t, w, http.StatusOK)
	if !e.state.Snapshot().BuilderAuthorized {
		t.Error("expected builder authorization")
	}
}

func TestProTrade_Success(t *testing.T) {
	e := newTestEnv(t)
	e.connectAndAuthorize(t)

	w := e.do(t, "POST", "/api/v1/pro/trades", proTrade())
	expectStatus(t, w, http.StatusCreated)
	resp := decodeBody[trade.ProTradeResponse](t, w)

	if resp.Receipt.TradeID != "trade-1" {
		t.Errorf("unexpected receipt: %+v", resp.Receipt)
	}
	if resp.XP.Base != gamify.TradeXP || resp.XP.StreakBonus != gamify.StreakBonusXP || !resp.XP.StreakExtended {
		t.Errorf("unexpected award: %+v", resp.XP)
	}

	snap := e.state.Snapshot()
	if snap.Avatar.XP != gamify.TradeXP+gamify.StreakBonusXP || snap.Avatar.CurrentStreakDays != 1 {
		t.Errorf("unexpected avatar: %+v", snap.Avatar)
	}
	if !snap.ShowCoinShower {
		t.Error("expected coin shower")
	}

	if len(e.backend.trades) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(e.backend.trades))
	}
	sent := e.backend.trades[0]
	if sent.Address != testAddress || !sent.USDValue.Equal(d(50)) || sent.Leverage != 5 {
		t.Errorf("unexpected trade request: %+v", sent)
	}
	if sent.ThesisText != "HYPE will outperform ETH over 1w" {
		t.Errorf("unexpected thesis: %q", sent.ThesisText)
	}
}

func TestProTrade_Rejected(t *testing.T) {
	e := newTestEnv(t)
	e.connectAndAuthorize(t)
	e.backend.tradeErr = &pear.APIError{Status: 500, Message: "insufficient margin"}

	w := e.do(t, "POST", "/api/v1/pro/trades", proTrade())
	expectStatus(t, w, http.StatusBadGateway)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "Insufficient Funds" || resp["details"] != "insufficient margin" {
		t.Errorf("unexpected error body: %v", resp)
	}
	if e.state.Snapshot().Avatar.XP != 0 {
		t.Error("rejected trades must not award XP")
	}
}

func TestProTrade_UnconfirmedReplyAwardsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/verify":
			w.Write([]byte(`{"access_token":"opaque"}`))
		case "/api/pro/execute":
			w.Write([]byte(`{"success":false,"message":"not authorized"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := newTestEnvWith(t, pear.NewClient(pear.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}))
	e.connectAndAuthorize(t)

	w := e.do(t, "POST", "/api/v1/pro/trades", proTrade())
	expectStatus(t, w, http.StatusBadGateway)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "Trade Rejected" || resp["details"] != "not authorized" {
		t.Errorf("unexpected error body: %v", resp)
	}

	snap := e.state.Snapshot()
	if snap.Avatar.XP != 0 || snap.Avatar.CurrentStreakDays != 0 || snap.ShowCoinShower {
		t.Errorf("unconfirmed trade must not award anything: %+v", snap.Avatar)
	}
}

func TestProTrade_NetworkError(t *testing.T) {
	e := newTestEnv(t)
	e.connectAndAuthorize(t)
	e.backend.tradeErr = errors.New("connection refused")

	w := e.do(t, "POST", "/api/v1/pro/trades", proTrade())
	expectStatus(t, w, http.StatusBadGateway)
	if e.state.Snapshot().Avatar.XP != 0 {
		t.Error("failed trades must not award XP")
	}
}

func TestProTrade_Preflight(t *testing.T) {
	e := newTestEnv(t)

	// Not connected.
	w := e.do(t, "POST", "/api/v1/pro/trades", proTrade())
	expectStatus(t, w, http.StatusUnprocessableEntity)

	e.connectAndAuthorize(t)

	tests := []struct {
		name   string
		mutate func(*trade.ProTradeRequest)
	}{
		{"stake below minimum", func(r *trade.ProTradeRequest) { r.Stake = d(10) }},
		{"leverage too high", func(r *trade.ProTradeRequest) { r.Leverage = 21 }},
		{"slippage too high", func(r *trade.ProTradeRequest) { r.Slippage = d(11) }},
		{"weights not 100", func(r *trade.ProTradeRequest) {
			r.LongLegs = []model.Leg{{Asset: "HYPE", Weight: 60}, {Asset: "SOL", Weight: 30}}
		}},
		{"not acknowledged", func(r *trade.ProTradeRequest) { r.Acknowledged = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := proTrade()
			tt.mutate(&req)
			w := e.do(t, "POST", "/api/v1/pro/trades", req)
			expectStatus(t, w, http.StatusUnprocessableEntity)
		})
	}

	if len(e.backend.trades) != 0 {
		t.Errorf("preflight failures must not reach the backend, got %d calls", len(e.backend.trades))
	}
}

func TestProPositions(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/pro/positions", nil)
	expectStatus(t, w, http.StatusConflict)

	w = e.do(t, "GET", "/api/v1/pro/positions?address="+testAddress, nil)
	expectStatus(t, w, http.StatusOK)

	var resp struct {
		Positions []pear.ProPosition `json:"positions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Positions) != 1 || !resp.Positions[0].PnL.Equal(d(12.5)) {
		t.Errorf("unexpected positions: %+v", resp.Positions)
	}
}

// --- Market & agent tests ---

func TestCandles(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/market/candles?base=sol&quote=btc", nil)
	expectStatus(t, w, http.StatusOK)

	var resp struct {
		Pair    model.SelectedPair `json:"pair"`
		Candles []market.Candle    `json:"candles"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Pair.Base != "SOL" || len(resp.Candles) != market.DefaultCount {
		t.Errorf("unexpected candles: pair=%+v n=%d", resp.Pair, len(resp.Candles))
	}

	w = e.do(t, "GET", "/api/v1/market/candles?base=ETH&quote=ETH", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestAgentChat(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/agent/chat", trade.ChatRequest{Message: "Bearish"})
	expectStatus(t, w, http.StatusOK)
	conv := decodeBody[agent.Conversation](t, w)
	if len(conv.Messages) != 2 || conv.Prediction.Direction != agent.Down {
		t.Errorf("unexpected conversation: %+v", conv)
	}
	if conv.Pair.Base != "HYPE" {
		t.Errorf("expected the active pair, got %+v", conv.Pair)
	}

	w = e.do(t, "GET", "/api/v1/agent/chat", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[agent.Conversation](t, w); len(got.Messages) != 2 {
		t.Errorf("expected persisted chat, got %d messages", len(got.Messages))
	}

	w = e.do(t, "POST", "/api/v1/agent/chat", trade.ChatRequest{Message: "  "})
	expectStatus(t, w, http.StatusBadRequest)

	w = e.do(t, "DELETE", "/api/v1/agent/chat", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[agent.Conversation](t, w); len(got.Messages) != 0 || got.Prediction.Confidence != 0.5 {
		t.Errorf("unexpected reset conversation: %+v", got)
	}
}

// --- WebSocket tests ---

func TestWSHub_HelloAndBroadcast(t *testing.T) {
	e := newTestEnv(t)
	hub := trade.NewWSHub(func() trade.WSMessage {
		snap := e.state.Snapshot()
		return trade.WSMessage{Type: trade.MsgState, State: &snap}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello trade.WSMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != trade.MsgState || hello.State == nil || hello.State.Mode != model.ModeDemo {
		t.Errorf("unexpected hello: %+v", hello)
	}

	hub.BroadcastTheme(model.ThemeLight)
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if msg.Type != trade.MsgTheme || msg.Theme != model.ThemeLight {
		t.Errorf("unexpected broadcast: %+v", msg)
	}
	if hub.Clients() != 1 {
		t.Errorf("expected 1 client, got %d", hub.Clients())
	}
}
