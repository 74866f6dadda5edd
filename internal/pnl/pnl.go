// Package pnl computes mark-to-model profit and loss for demo positions
// and drives the display-only random walk of their current ratios.
//
// The walk has no bearing on settlement. Randomness comes from an
// injected Source so tests can assert exact ratios for known draws.
package pnl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/model"
)

var (
	// ErrInvalidEntryRatio is returned when the entry ratio is not positive.
	ErrInvalidEntryRatio = errors.New("pnl: entry ratio must be positive")

	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)

	// StepScale maps a uniform draw in [0,1) onto [-0.01, 0.01).
	StepScale = decimal.NewFromFloat(0.02)

	// RatioScale is the number of decimal places kept on walked ratios.
	RatioScale int32 = 12
)

// DefaultInterval is how often open positions are re-sampled.
const DefaultInterval = 5 * time.Second

// Result is the P&L of one position at one ratio.
type Result struct {
	CurrentRatio decimal.Decimal `json:"currentRatio"`
	Pct          decimal.Decimal `json:"pnlPct"`
	Credits      decimal.Decimal `json:"pnlCredits"`
	Profit       bool            `json:"profit"` // pnlPct >= 0
}

// Compute returns
//
//	pnlPct     = (current/entry - 1) * 100
//	pnlCredits = stake * pnlPct / 100
func Compute(entry, current decimal.Decimal, stake int64) (Result, error) {
	if !entry.IsPositive() {
		return Result{}, ErrInvalidEntryRatio
	}
	pct := current.Div(entry).Sub(decimal.NewFromInt(1)).Mul(hundred)
	credits := decimal.NewFromInt(stake).Mul(pct).Div(hundred)
	return Result{
		CurrentRatio: current,
		Pct:          pct,
		Credits:      credits,
		Profit:       !pct.IsNegative(),
	}, nil
}

// Source supplies uniform draws in [0,1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Perturb applies one multiplicative step to ratio using draw f:
// ratio * (1 + (f - 0.5) * 0.02).
func Perturb(ratio decimal.Decimal, f float64) decimal.Decimal {
	u := decimal.NewFromFloat(f).Sub(half).Mul(StepScale)
	return ratio.Mul(decimal.NewFromInt(1).Add(u)).Round(RatioScale)
}

// Walker tracks the current display ratio of each open position.
// Safe for concurrent use.
type Walker struct {
	mu      sync.Mutex
	src     Source
	current map[string]decimal.Decimal
}

// NewWalker creates a walker drawing from src.
func NewWalker(src Source) *Walker {
	return &Walker{
		src:     src,
		current: make(map[string]decimal.Decimal),
	}
}

// Step perturbs every position independently and forgets positions that
// are no longer open. Positions seen for the first time start at their
// entry ratio before the step is applied.
func (w *Walker) Step(positions []model.DemoPosition) map[string]decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		prev, ok := w.current[p.ID]
		if !ok {
			prev = p.EntryRatio
		}
		next[p.ID] = Perturb(prev, w.src.Float64())
	}
	w.current = next
	return copyRatios(next)
}

// Current returns the ratio for p, or its entry ratio if it has not
// been stepped yet.
func (w *Walker) Current(p model.DemoPosition) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.current[p.ID]; ok {
		return r
	}
	return p.EntryRatio
}

// Mark computes the P&L of p at its current ratio.
func (w *Walker) Mark(p model.DemoPosition) (Result, error) {
	return Compute(p.EntryRatio, w.Current(p), p.Stake)
}

// Run re-samples positions every interval until ctx is done, passing each
// tick's ratios to onTick.
func (w *Walker) Run(ctx context.Context, interval time.Duration, positions func() []model.DemoPosition, onTick func(map[string]decimal.Decimal)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ratios := w.Step(positions())
			if onTick != nil {
				onTick(ratios)
			}
		}
	}
}

func copyRatios(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
