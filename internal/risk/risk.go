// Package risk implements the checks a trade must pass before it is
// allowed to touch credits or reach the backend.
//
// Demo trades are checked for affordability against the wallet balance.
// Pro trades go through the trade slip preflight: wallet connected,
// builder authorized, minimum stake, leverage and slippage bounds,
// balanced leg weights and an explicit risk acknowledgement.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/model"
)

var (
	// ErrInvalidStake is returned for a stake that is zero or negative.
	ErrInvalidStake = errors.New("risk: stake must be positive")

	// ErrInsufficientCredits is returned when a demo stake exceeds the
	// wallet balance.
	ErrInsufficientCredits = errors.New("risk: insufficient demo credits")

	ErrWalletNotConnected = errors.New("risk: wallet not connected")
	ErrNotAuthorized      = errors.New("risk: builder not authorized")
	ErrStakeTooSmall      = errors.New("risk: stake below minimum")
	ErrLeverageOutOfRange = errors.New("risk: leverage out of range")
	ErrSlippageOutOfRange = errors.New("risk: slippage out of range")
	ErrWeights            = errors.New("risk: leg weights must sum to 100")
	ErrNotAcknowledged    = errors.New("risk: risk disclosure not acknowledged")
)

// CheckAffordable validates a demo stake against the wallet balance.
func CheckAffordable(w *model.DemoWallet, stake int64) error {
	if stake <= 0 {
		return ErrInvalidStake
	}
	if w == nil || stake > w.Credits {
		return ErrInsufficientCredits
	}
	return nil
}

// Limits bounds a pro trade slip.
type Limits struct {
	// MinStake is the smallest USD notional the backend accepts.
	MinStake decimal.Decimal

	// MaxLeverage is the highest leverage multiple offered.
	MaxLeverage int

	// MaxSlippage is the largest slippage tolerance, in percent.
	MaxSlippage decimal.Decimal
}

// DefaultLimits returns the limits of the live trade slip: $22 minimum,
// 1-20x leverage, slippage up to 10%.
func DefaultLimits() Limits {
	return Limits{
		MinStake:    decimal.NewFromInt(22),
		MaxLeverage: 20,
		MaxSlippage: decimal.NewFromInt(10),
	}
}

// Slip is a pro trade as configured in the trade slip.
type Slip struct {
	LongLegs     []model.Leg
	ShortLegs    []model.Leg
	Stake        decimal.Decimal // USD notional
	Leverage     int
	Slippage     decimal.Decimal // percent
	Acknowledged bool
}

// Preflight returns the first failed check, or nil when the slip may be
// sent to the backend.
func (l Limits) Preflight(slip Slip, wallet model.WalletLink, authorized bool) error {
	if !wallet.Connected || wallet.Address == nil {
		return ErrWalletNotConnected
	}
	if !authorized {
		return ErrNotAuthorized
	}
	if slip.Stake.LessThan(l.MinStake) {
		return fmt.Errorf("%w: %s < %s", ErrStakeTooSmall, slip.Stake, l.MinStake)
	}
	if slip.Leverage < 1 || slip.Leverage > l.MaxLeverage {
		return fmt.Errorf("%w: %dx (allowed 1-%dx)", ErrLeverageOutOfRange, slip.Leverage, l.MaxLeverage)
	}
	if !slip.Slippage.IsPositive() || slip.Slippage.GreaterThan(l.MaxSlippage) {
		return fmt.Errorf("%w: %s%%", ErrSlippageOutOfRange, slip.Slippage)
	}
	if err := checkWeights("long", slip.LongLegs); err != nil {
		return err
	}
	if err := checkWeights("short", slip.ShortLegs); err != nil {
		return err
	}
	if !slip.Acknowledged {
		return ErrNotAcknowledged
	}
	return nil
}

func checkWeights(side string, legs []model.Leg) error {
	total := 0
	for _, leg := range legs {
		if leg.Asset == "" || leg.Weight <= 0 {
			return fmt.Errorf("%w: %s leg %q has weight %d", ErrWeights, side, leg.Asset, leg.Weight)
		}
		total += leg.Weight
	}
	if total != 100 {
		return fmt.Errorf("%w: %s side sums to %d", ErrWeights, side, total)
	}
	return nil
}
