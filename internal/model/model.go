// Package model defines the core domain types shared across the engine.
// Ratios and P&L use shopspring/decimal; credits are whole integers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects between fake-credit simulation and real trading.
type Mode string

const (
	ModeDemo Mode = "demo"
	ModePro  Mode = "pro"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeDemo || m == ModePro }

// Theme is the presentation theme applied to the rendering surface.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// Valid reports whether t is a known theme.
func (t Theme) Valid() bool { return t == ThemeDark || t == ThemeLight }

// TxKind is the business reason for a demo ledger record.
type TxKind string

const (
	TxTrade TxKind = "trade"
	TxReset TxKind = "reset"
)

// DemoTransaction is an immutable record of a demo ledger event.
// Once created, these are never modified or deleted individually.
type DemoTransaction struct {
	ID          string    `json:"id"`
	Kind        TxKind    `json:"kind"`
	Amount      int64     `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// DemoWallet is a single fake-money account.
type DemoWallet struct {
	Address    string            `json:"address"` // display only, stable for the wallet's lifetime
	Credits    int64             `json:"credits"`
	MaxCredits int64             `json:"maxCredits"`
	History    []DemoTransaction `json:"history"` // append-only, chronological
	CreatedAt  time.Time         `json:"createdAt"`
}

// Clone returns a deep copy of the wallet.
func (w *DemoWallet) Clone() *DemoWallet {
	if w == nil {
		return nil
	}
	c := *w
	c.History = append([]DemoTransaction(nil), w.History...)
	if c.History == nil {
		c.History = []DemoTransaction{}
	}
	return &c
}

// Leg is one weighted asset on a side of a pair/basket trade.
// Weight is in percentage points.
type Leg struct {
	Asset  string `json:"asset"`
	Weight int    `json:"weight"`
}

// DemoPosition is a simulated pair/basket trade. Never mutated after
// creation; only the displayed current ratio moves.
type DemoPosition struct {
	ID         string          `json:"id"`
	LongLegs   []Leg           `json:"longLegs"`
	ShortLegs  []Leg           `json:"shortLegs"`
	Stake      int64           `json:"stake"`
	EntryRatio decimal.Decimal `json:"entryRatio"`
	Label      string          `json:"label"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Clone returns a deep copy of the position.
func (p DemoPosition) Clone() DemoPosition {
	p.LongLegs = append([]Leg(nil), p.LongLegs...)
	p.ShortLegs = append([]Leg(nil), p.ShortLegs...)
	return p
}

// Avatar is the gamification profile. Level and XPToNextLevel are always
// derived from XP.
type Avatar struct {
	Level                   int64    `json:"level"`
	XP                      int64    `json:"xp"`
	XPToNextLevel           int64    `json:"xpToNextLevel"`
	CurrentStreakDays       int      `json:"currentStreakDays"`
	LongestStreakDays       int      `json:"longestStreakDays"`
	LastQualifyingTradeDate *string  `json:"lastQualifyingTradeDate"` // YYYY-MM-DD
	BadgesUnlocked          []string `json:"badgesUnlocked"`
}

// Clone returns a deep copy of the avatar.
func (a Avatar) Clone() Avatar {
	a.BadgesUnlocked = append([]string{}, a.BadgesUnlocked...)
	if a.LastQualifyingTradeDate != nil {
		d := *a.LastQualifyingTradeDate
		a.LastQualifyingTradeDate = &d
	}
	return a
}

// HasBadge reports whether the badge id has been unlocked.
func (a Avatar) HasBadge(id string) bool {
	for _, b := range a.BadgesUnlocked {
		if b == id {
			return true
		}
	}
	return false
}

// SelectedPair is the active base/quote pair.
type SelectedPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// WalletLink is the connected pro wallet, if any.
type WalletLink struct {
	Connected bool    `json:"connected"`
	Address   *string `json:"address"`
}

// Clone returns a deep copy of the link.
func (l WalletLink) Clone() WalletLink {
	if l.Address != nil {
		a := *l.Address
		l.Address = &a
	}
	return l
}

// Persisted is the durable record written under the storage key.
// It carries exactly the whitelisted fields and nothing else.
type Persisted struct {
	Mode          Mode           `json:"mode"`
	Theme         Theme          `json:"theme"`
	DemoWallet    *DemoWallet    `json:"demoWallet"`
	DemoPositions []DemoPosition `json:"demoPositions"`
	Wallet        WalletLink     `json:"wallet"`
	SelectedPair  SelectedPair   `json:"selectedPair"`
	Avatar        Avatar         `json:"avatar"`
}

// Snapshot is a read-only copy of the full application state, including
// transient UI flags that are never persisted.
type Snapshot struct {
	Persisted
	ShowCoinShower    bool `json:"showCoinShower"`
	ShowSearchModal   bool `json:"showSearchModal"`
	BuilderAuthorized bool `json:"builderAuthorized"`
}
