package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/gamify"
	"github.com/pearfect/engine/internal/ledger"
	"github.com/pearfect/engine/internal/metrics"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/risk"
)

// ErrUnknownMatchup is returned for a matchup id outside the catalogue.
var ErrUnknownMatchup = errors.New("state: unknown matchup")

// Matchup is a canned long/short thesis offered by the guided demo trade.
type Matchup struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Long  string `json:"long"`
	Short string `json:"short"`
}

// Matchups is the guided demo trade catalogue.
var Matchups = []Matchup{
	{ID: "ai-eth", Name: "AI beats ETH", Long: "AI Tokens", Short: "ETH"},
	{ID: "sol-btc", Name: "SOL ecosystem beats BTC", Long: "SOL", Short: "BTC"},
	{ID: "memes-eth", Name: "Memes lose to ETH", Long: "ETH", Short: "Meme Coins"},
	{ID: "l2-l1", Name: "L2s outperform L1s", Long: "L2 Tokens", Short: "L1 Tokens"},
}

// StakePresets are the quick-pick demo stakes.
var StakePresets = []int64{10, 25, 50, 100}

// FindMatchup looks up a matchup by id.
func FindMatchup(id string) (Matchup, error) {
	for _, m := range Matchups {
		if m.ID == id {
			return m, nil
		}
	}
	return Matchup{}, fmt.Errorf("%w: %q", ErrUnknownMatchup, id)
}

var (
	entryBase   = decimal.NewFromFloat(1.5)
	entrySpread = decimal.NewFromFloat(0.5)
)

// DemoTrade is the outcome of a confirmed guided demo trade.
type DemoTrade struct {
	Position    model.DemoPosition    `json:"position"`
	Transaction model.DemoTransaction `json:"transaction"`
	Wallet      *model.DemoWallet     `json:"wallet"`
	Award       gamify.Award          `json:"award"`
}

// ConfirmDemoTrade runs the whole guided demo trade as one mutation:
// affordability check, charge, position at a random entry ratio in
// [1.5, 2.0), a non-qualifying XP award and the coin shower. Nothing is
// changed when the stake cannot be afforded.
func (s *Store) ConfirmDemoTrade(ctx context.Context, matchupID string, stake int64) (DemoTrade, error) {
	m, err := FindMatchup(matchupID)
	if err != nil {
		return DemoTrade{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.data.DemoWallet
	if w == nil {
		return DemoTrade{}, ledger.ErrNoWallet
	}
	if err := risk.CheckAffordable(w, stake); err != nil {
		return DemoTrade{}, err
	}

	now := s.clock.Now()
	tx, err := ledger.Charge(w, stake, "Demo trade: "+m.Name, now)
	if err != nil {
		return DemoTrade{}, err
	}

	entry := entryBase.Add(decimal.NewFromFloat(s.rnd.Float64()).Mul(entrySpread))
	pos := s.openPosition(
		[]model.Leg{{Asset: m.Long, Weight: 100}},
		[]model.Leg{{Asset: m.Short, Weight: 100}},
		stake, entry, m.Name,
	)

	award, err := s.addXP(gamify.TradeXP, false)
	if err != nil {
		return DemoTrade{}, err
	}
	s.triggerCoinShower()

	metrics.DemoTradesTotal.WithLabelValues(m.ID).Inc()
	metrics.DemoCreditsSpent.Add(float64(stake))
	s.logger.Info("demo trade confirmed",
		"position", pos.ID,
		"matchup", m.ID,
		"stake", stake,
		"entry_ratio", entry.String(),
		"credits_left", w.Credits,
	)

	s.commit(ctx)
	return DemoTrade{
		Position:    pos,
		Transaction: tx,
		Wallet:      w.Clone(),
		Award:       award,
	}, nil
}

// CompleteProTrade applies the local effects of a pro trade the backend
// accepted: a qualifying XP award and the coin shower. Call it only after
// an explicit success.
func (s *Store) CompleteProTrade(ctx context.Context) (gamify.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	award, err := s.addXP(gamify.TradeXP, true)
	if err != nil {
		return gamify.Award{}, err
	}
	s.triggerCoinShower()
	s.commit(ctx)
	return award, nil
}
