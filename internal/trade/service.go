// Package trade provides the HTTP handlers that expose the application
// state, the demo trading flow, the pro trading flow against the external
// backend, chart data and the agent chat.
//
// Ratios and P&L use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/agent"
	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/gamify"
	"github.com/pearfect/engine/internal/ledger"
	"github.com/pearfect/engine/internal/market"
	"github.com/pearfect/engine/internal/metrics"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pair"
	"github.com/pearfect/engine/internal/pear"
	"github.com/pearfect/engine/internal/pnl"
	"github.com/pearfect/engine/internal/risk"
	"github.com/pearfect/engine/internal/state"
	"github.com/pearfect/engine/internal/wallet"
)

// Backend is the part of the trading backend the service calls.
type Backend interface {
	AuthMessage(ctx context.Context, address string) (*pear.LoginMessage, error)
	Verify(ctx context.Context, req pear.VerifyRequest) (*pear.Credential, error)
	ExecuteTrade(ctx context.Context, req pear.TradeRequest) (*pear.Receipt, error)
	Positions(ctx context.Context, address string) ([]pear.ProPosition, error)
}

// Deps are the collaborators of a Service. Hub may be nil when
// broadcasting is not needed.
type Deps struct {
	State   *state.Store
	Walker  *pnl.Walker
	Backend Backend
	Feed    *market.Feed
	Chat    *agent.Service
	Limits  risk.Limits
	Clock   clock.Clock
	Hub     *WSHub
}

// Service handles the HTTP API. All state mutations go through the state
// store, which serializes them.
type Service struct {
	state   *state.Store
	walker  *pnl.Walker
	backend Backend
	feed    *market.Feed
	chat    *agent.Service
	limits  risk.Limits
	clock   clock.Clock
	wsHub   *WSHub
}

// NewService creates a new trade service.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Service{
		state:   d.State,
		walker:  d.Walker,
		backend: d.Backend,
		feed:    d.Feed,
		chat:    d.Chat,
		limits:  d.Limits,
		clock:   d.Clock,
		wsHub:   d.Hub,
	}
}

// Mount registers the API routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/state", s.GetState)
	r.Put("/mode", s.SetMode)
	r.Put("/theme", s.SetTheme)
	r.Put("/wallet", s.SetWallet)
	r.Put("/pair", s.SetPair)
	r.Get("/pairs", s.SearchPairs)
	r.Put("/ui/search-modal", s.SetSearchModal)

	r.Route("/demo", func(r chi.Router) {
		r.Post("/wallet", s.InitDemoWallet)
		r.Post("/wallet/reset", s.ResetDemoWallet)
		r.Get("/matchups", s.ListMatchups)
		r.Post("/trades", s.ConfirmDemoTrade)
		r.Get("/positions", s.DemoPositions)
	})

	r.Route("/pro", func(r chi.Router) {
		r.Get("/auth/message", s.AuthMessage)
		r.Post("/auth/verify", s.AuthVerify)
		r.Get("/builder-approval", s.BuilderApproval)
		r.Post("/builder-approval", s.ApproveBuilder)
		r.Post("/trades", s.ExecuteProTrade)
		r.Get("/positions", s.ProPositions)
	})

	r.Get("/market/candles", s.Candles)

	r.Get("/agent/chat", s.GetChat)
	r.Post("/agent/chat", s.SendChat)
	r.Delete("/agent/chat", s.ResetChat)
}

// --- Request/Response types ---

// ModeRequest is the JSON body for PUT /mode.
type ModeRequest struct {
	Mode model.Mode `json:"mode"`
}

// ThemeRequest is the JSON body for PUT /theme.
type ThemeRequest struct {
	Theme model.Theme `json:"theme"`
}

// PairRequest is the JSON body for PUT /pair. Symbol ("SOL/BTC") wins
// over Base/Quote when both are set.
type PairRequest struct {
	Symbol string `json:"symbol,omitempty"`
	Base   string `json:"base,omitempty"`
	Quote  string `json:"quote,omitempty"`
}

// FlagRequest is the JSON body for transient UI toggles.
type FlagRequest struct {
	Show bool `json:"show"`
}

// DemoTradeRequest is the JSON body for POST /demo/trades.
type DemoTradeRequest struct {
	MatchupID string `json:"matchupId"`
	Stake     int64  `json:"stake"`
}

// PositionView is a demo position marked at its current display ratio.
type PositionView struct {
	model.DemoPosition
	pnl.Result
}

// PositionsResponse is the JSON body returned from GET /demo/positions.
type PositionsResponse struct {
	Positions       []PositionView  `json:"positions"`
	TotalStake      int64           `json:"totalStake"`
	TotalPnLCredits decimal.Decimal `json:"totalPnlCredits"`
}

// VerifyRequest is the JSON body for POST /pro/auth/verify.
type VerifyRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Timestamp     int64  `json:"timestamp"`
}

// ApprovalRequest is the JSON body for POST /pro/builder-approval.
type ApprovalRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Nonce     int64  `json:"nonce"`
}

// Thesis describes the idea behind a pro trade.
type Thesis struct {
	Text       string `json:"text"`
	Horizon    string `json:"horizon"`
	Conviction string `json:"conviction"`
	Type       string `json:"type"`
}

// ProTradeRequest is the JSON body for POST /pro/trades.
type ProTradeRequest struct {
	LongLegs     []model.Leg     `json:"longLegs"`
	ShortLegs    []model.Leg     `json:"shortLegs"`
	Stake        decimal.Decimal `json:"stake"` // USD
	Leverage     int             `json:"leverage"`
	Slippage     decimal.Decimal `json:"slippage"` // percent
	Acknowledged bool            `json:"acknowledged"`
	Thesis       Thesis          `json:"thesis"`
}

// ProTradeResponse is the JSON body returned from a successful pro trade.
type ProTradeResponse struct {
	Receipt pear.Receipt `json:"receipt"`
	XP      gamify.Award `json:"xp"`
}

// ChatRequest is the JSON body for POST /agent/chat. An empty pair means
// the selected pair.
type ChatRequest struct {
	Base    string `json:"base,omitempty"`
	Quote   string `json:"quote,omitempty"`
	Message string `json:"message"`
}

// --- State ---

// GetState handles GET /api/v1/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// SetMode handles PUT /api/v1/mode
func (s *Service) SetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.state.SetMode(r.Context(), req.Mode); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// SetTheme handles PUT /api/v1/theme
func (s *Service) SetTheme(w http.ResponseWriter, r *http.Request) {
	var req ThemeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.state.SetTheme(r.Context(), req.Theme); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// SetWallet handles PUT /api/v1/wallet
func (s *Service) SetWallet(w http.ResponseWriter, r *http.Request) {
	var req model.WalletLink
	if !decode(w, r, &req) {
		return
	}
	if err := s.state.SetWallet(r.Context(), req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// SetPair handles PUT /api/v1/pair
func (s *Service) SetPair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if !decode(w, r, &req) {
		return
	}
	p := model.SelectedPair{Base: req.Base, Quote: req.Quote}
	if req.Symbol != "" {
		parsed, err := pair.Parse(req.Symbol)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		p = parsed
	}
	if err := s.state.SetSelectedPair(r.Context(), p); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// SearchPairs handles GET /api/v1/pairs?query=
func (s *Service) SearchPairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("query")
	if q == "" {
		q = r.URL.Query().Get("q")
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pair.Search(q)})
}

// SetSearchModal handles PUT /api/v1/ui/search-modal
func (s *Service) SetSearchModal(w http.ResponseWriter, r *http.Request) {
	var req FlagRequest
	if !decode(w, r, &req) {
		return
	}
	s.state.SetShowSearchModal(req.Show)
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

// --- Demo ---

// InitDemoWallet handles POST /api/v1/demo/wallet
func (s *Service) InitDemoWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.InitDemoWallet(r.Context()))
}

// ResetDemoWallet handles POST /api/v1/demo/wallet/reset
func (s *Service) ResetDemoWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.ResetDemoWallet(r.Context()))
}

// ListMatchups handles GET /api/v1/demo/matchups
func (s *Service) ListMatchups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"matchups":     state.Matchups,
		"stakePresets": state.StakePresets,
	})
}

// ConfirmDemoTrade handles POST /api/v1/demo/trades
func (s *Service) ConfirmDemoTrade(w http.ResponseWriter, r *http.Request) {
	var req DemoTradeRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.state.ConfirmDemoTrade(r.Context(), req.MatchupID, req.Stake)
	switch {
	case errors.Is(err, state.ErrUnknownMatchup), errors.Is(err, risk.ErrInvalidStake):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ledger.ErrNoWallet), errors.Is(err, risk.ErrInsufficientCredits):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// DemoPositions handles GET /api/v1/demo/positions
// Marks every open position at its current display ratio.
func (s *Service) DemoPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.markPositions(s.state.Positions())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := PositionsResponse{Positions: views, TotalPnLCredits: decimal.Zero}
	for _, v := range views {
		resp.TotalStake += v.Stake
		resp.TotalPnLCredits = resp.TotalPnLCredits.Add(v.Credits)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) markPositions(positions []model.DemoPosition) ([]PositionView, error) {
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		res, err := s.walker.Mark(p)
		if err != nil {
			return nil, err
		}
		views = append(views, PositionView{DemoPosition: p, Result: res})
	}
	return views, nil
}

// PublishRatios broadcasts one walker tick. Use it as the walker's onTick.
func (s *Service) PublishRatios(_ map[string]decimal.Decimal) {
	if s.wsHub == nil {
		return
	}
	views, err := s.markPositions(s.state.Positions())
	if err != nil {
		slog.Error("marking positions failed", "err", err)
		return
	}
	s.wsHub.Broadcast(WSMessage{Type: MsgRatios, Positions: views})
}

// --- Pro ---

// AuthMessage handles GET /api/v1/pro/auth/message?address=
func (s *Service) AuthMessage(w http.ResponseWriter, r *http.Request) {
	address, err := wallet.Checksum(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.backend.AuthMessage(r.Context(), address)
	if err != nil {
		writeBackendError(w, "Failed to get signing message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   address,
		"typedData": msg.TypedData(),
		"timestamp": msg.Timestamp,
	})
}

// AuthVerify handles POST /api/v1/pro/auth/verify
// A successful verification from the connected wallet marks the session
// as authorized to trade.
func (s *Service) AuthVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	address, err := wallet.Checksum(req.WalletAddress)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Signature == "" || req.Timestamp == 0 {
		writeError(w, "signature and timestamp are required", http.StatusBadRequest)
		return
	}
	if link := s.state.Snapshot().Wallet; !link.Connected || link.Address == nil || *link.Address != address {
		writeError(w, "verification must come from the connected wallet", http.StatusConflict)
		return
	}

	cred, err := s.backend.Verify(r.Context(), pear.VerifyRequest{
		WalletAddress: address,
		Signature:     req.Signature,
		Timestamp:     req.Timestamp,
	})
	if err != nil {
		writeBackendError(w, "Authorization Failed", err)
		return
	}

	// The wallet may have switched while the backend call was in flight.
	if err := s.state.AuthorizeWallet(address); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	slog.Info("pro session authorized", "address", address, "expires_at", cred.ExpiresAt)
	writeJSON(w, http.StatusOK, cred)
}

// BuilderApproval handles GET /api/v1/pro/builder-approval
// Returns the typed data the wallet signs to approve the builder fee.
func (s *Service) BuilderApproval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pear.BuilderApproval(s.clock.Now().UnixMilli()))
}

// ApproveBuilder handles POST /api/v1/pro/builder-approval
// Records a signed approval from the connected wallet.
func (s *Service) ApproveBuilder(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if !decode(w, r, &req) {
		return
	}
	if err := pear.CheckSignature(req.Signature); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	address, err := wallet.Checksum(req.Address)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.state.AuthorizeWallet(address); err != nil {
		writeError(w, "approval must come from the connected wallet", http.StatusConflict)
		return
	}
	slog.Info("builder fee approved", "address", address, "nonce", req.Nonce)
	writeJSON(w, http.StatusOK, map[string]any{"authorized": true})
}

// ExecuteProTrade handles POST /api/v1/pro/trades
// Runs the trade slip preflight, submits the trade and awards qualifying
// XP only when the backend accepts it.
func (s *Service) ExecuteProTrade(w http.ResponseWriter, r *http.Request) {
	var req ProTradeRequest
	if !decode(w, r, &req) {
		return
	}

	snap := s.state.Snapshot()
	slip := risk.Slip{
		LongLegs:     req.LongLegs,
		ShortLegs:    req.ShortLegs,
		Stake:        req.Stake,
		Leverage:     req.Leverage,
		Slippage:     req.Slippage,
		Acknowledged: req.Acknowledged,
	}
	if err := s.limits.Preflight(slip, snap.Wallet, snap.BuilderAuthorized); err != nil {
		metrics.ProTradesTotal.WithLabelValues("preflight_failed").Inc()
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	thesis := req.Thesis
	if thesis.Text == "" && len(req.LongLegs) > 0 && len(req.ShortLegs) > 0 {
		thesis.Text = legNames(req.LongLegs) + " will outperform " + legNames(req.ShortLegs)
		if thesis.Horizon != "" {
			thesis.Text += " over " + thesis.Horizon
		}
	}

	// The backend call runs outside the state lock.
	receipt, err := s.backend.ExecuteTrade(r.Context(), pear.TradeRequest{
		Address:    *snap.Wallet.Address,
		USDValue:   req.Stake,
		Leverage:   req.Leverage,
		Slippage:   req.Slippage,
		LongLegs:   req.LongLegs,
		ShortLegs:  req.ShortLegs,
		ThesisText: thesis.Text,
		Horizon:    thesis.Horizon,
		Conviction: thesis.Conviction,
		ThesisType: thesis.Type,
	})
	if err != nil {
		metrics.ProTradesTotal.WithLabelValues("rejected").Inc()
		slog.Warn("pro trade failed", "address", *snap.Wallet.Address, "err", err)
		writeBackendError(w, "Execution Failed", err)
		return
	}

	award, err := s.state.CompleteProTrade(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.ProTradesTotal.WithLabelValues("accepted").Inc()

	slog.Info("pro trade executed",
		"trade_id", receipt.TradeID,
		"address", *snap.Wallet.Address,
		"usd_value", req.Stake.String(),
		"leverage", req.Leverage,
		"streak_bonus", award.StreakBonus,
	)

	writeJSON(w, http.StatusCreated, ProTradeResponse{Receipt: *receipt, XP: award})
}

// ProPositions handles GET /api/v1/pro/positions
// Uses ?address= when given, else the connected wallet.
func (s *Service) ProPositions(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		link := s.state.Snapshot().Wallet
		if !link.Connected || link.Address == nil {
			writeError(w, risk.ErrWalletNotConnected.Error(), http.StatusConflict)
			return
		}
		address = *link.Address
	}
	address, err := wallet.Checksum(address)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	positions, err := s.backend.Positions(r.Context(), address)
	if err != nil {
		writeBackendError(w, "Failed to load positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// --- Market & agent ---

// Candles handles GET /api/v1/market/candles?base=&quote=
func (s *Service) Candles(w http.ResponseWriter, r *http.Request) {
	p := s.pairFromQuery(r)
	candles, err := s.feed.Candles(p)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pair":    p,
		"candles": candles,
	})
}

// GetChat handles GET /api/v1/agent/chat?base=&quote=
func (s *Service) GetChat(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.Conversation(r.Context(), s.chatPair(r.URL.Query().Get("base"), r.URL.Query().Get("quote")))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// SendChat handles POST /api/v1/agent/chat
func (s *Service) SendChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := s.chat.Send(r.Context(), s.chatPair(req.Base, req.Quote), req.Message)
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ResetChat handles DELETE /api/v1/agent/chat?base=&quote=
func (s *Service) ResetChat(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.Reset(r.Context(), s.chatPair(r.URL.Query().Get("base"), r.URL.Query().Get("quote")))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Service) pairFromQuery(r *http.Request) model.SelectedPair {
	q := r.URL.Query()
	if q.Get("base") == "" && q.Get("quote") == "" {
		return s.state.Snapshot().SelectedPair
	}
	return pair.Normalize(model.SelectedPair{Base: q.Get("base"), Quote: q.Get("quote")})
}

// chatPair defaults to the pair the agent is following.
func (s *Service) chatPair(base, quote string) model.SelectedPair {
	if base == "" && quote == "" {
		return s.chat.Active()
	}
	return pair.Normalize(model.SelectedPair{Base: base, Quote: quote})
}

func legNames(legs []model.Leg) string {
	names := make([]string, len(legs))
	for i, l := range legs {
		names[i] = l.Asset
	}
	return strings.Join(names, "+")
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeBackendError maps a backend failure onto a 502 carrying the
// user-facing title and the backend's own message.
func writeBackendError(w http.ResponseWriter, title string, err error) {
	body := map[string]any{"error": title, "details": err.Error()}
	var apiErr *pear.APIError
	switch {
	case errors.As(err, &apiErr):
		body["error"] = apiErr.Title()
		body["details"] = apiErr.Message
		body["status"] = apiErr.Status
	case errors.Is(err, pear.ErrNotConfigured):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusBadGateway, body)
}
