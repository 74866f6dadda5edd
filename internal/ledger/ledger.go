// Package ledger implements the demo credit economy: wallet creation,
// credit deduction and the append-only transaction history.
//
// The ledger trusts its caller on affordability. Deduct clamps at zero
// instead of rejecting an over-deduction, and Record never looks at the
// balance. Callers that want both effects together use Charge.
package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pearfect/engine/internal/model"
)

// MaxCredits is the fixed credit ceiling of every demo wallet.
const MaxCredits int64 = 100

var (
	// ErrNegativeAmount is returned when a deduction or record carries a
	// negative amount.
	ErrNegativeAmount = errors.New("ledger: amount must be non-negative")

	// ErrNoWallet is returned when an operation needs a wallet that has
	// not been created yet.
	ErrNoWallet = errors.New("ledger: demo wallet not initialized")
)

// Source supplies randomness for address generation. *rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

const hexDigits = "0123456789ABCDEF"

// GenerateAddress returns a display-only demo address of the form
// demo_0xXXXXXXXX...XXXX.
func GenerateAddress(src Source) string {
	var b strings.Builder
	b.WriteString("demo_0x")
	for i := 0; i < 8; i++ {
		b.WriteByte(hexDigits[src.Intn(len(hexDigits))])
	}
	b.WriteString("...")
	for i := 0; i < 4; i++ {
		b.WriteByte(hexDigits[src.Intn(len(hexDigits))])
	}
	return b.String()
}

// NewWallet creates a wallet with full credits and an empty history.
func NewWallet(address string, now time.Time) *model.DemoWallet {
	return &model.DemoWallet{
		Address:    address,
		Credits:    MaxCredits,
		MaxCredits: MaxCredits,
		History:    []model.DemoTransaction{},
		CreatedAt:  now,
	}
}

// Deduct lowers the balance by amount, clamping at zero.
func Deduct(w *model.DemoWallet, amount int64) error {
	if w == nil {
		return ErrNoWallet
	}
	if amount < 0 {
		return ErrNegativeAmount
	}
	w.Credits -= amount
	if w.Credits < 0 {
		w.Credits = 0
	}
	return nil
}

// Record appends an immutable transaction and returns it.
func Record(w *model.DemoWallet, kind model.TxKind, amount int64, description string, now time.Time) (model.DemoTransaction, error) {
	if w == nil {
		return model.DemoTransaction{}, ErrNoWallet
	}
	if amount < 0 {
		return model.DemoTransaction{}, ErrNegativeAmount
	}
	tx := model.DemoTransaction{
		ID:          uuid.New().String(),
		Kind:        kind,
		Amount:      amount,
		Timestamp:   now,
		Description: description,
	}
	w.History = append(w.History, tx)
	return tx, nil
}

// Charge deducts amount and records a matching trade transaction in one
// step, so the balance and the history cannot drift apart.
func Charge(w *model.DemoWallet, amount int64, description string, now time.Time) (model.DemoTransaction, error) {
	if w == nil {
		return model.DemoTransaction{}, ErrNoWallet
	}
	if amount < 0 {
		return model.DemoTransaction{}, ErrNegativeAmount
	}
	if err := Deduct(w, amount); err != nil {
		return model.DemoTransaction{}, err
	}
	return Record(w, model.TxTrade, amount, description, now)
}
