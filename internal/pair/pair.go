// Package pair handles trading pair symbol parsing, validation, and the
// storage keys derived from a pair's identity.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pearfect/engine/internal/model"
)

// Default is the pair selected on a fresh install.
var Default = model.SelectedPair{Base: "HYPE", Quote: "ETH"}

// assetRegex matches a ticker such as ETH, kPEPE or 1000BONK.
var assetRegex = regexp.MustCompile(`^[0-9A-Za-z]{1,16}$`)

// symbolRegex matches BASE/QUOTE, BASE-QUOTE or BASE_QUOTE.
var symbolRegex = regexp.MustCompile(`^([0-9A-Za-z]{1,16})[/_-]([0-9A-Za-z]{1,16})$`)

var (
	ErrInvalidSymbol = errors.New("pair: invalid symbol format")
	ErrInvalidAsset  = errors.New("pair: invalid asset ticker")
	ErrSameAsset     = errors.New("pair: base and quote must differ")
)

// Parse parses a pair symbol like "HYPE/ETH". Tickers are upper-cased
// except for a leading lowercase multiplier prefix ("kPEPE").
func Parse(symbol string) (model.SelectedPair, error) {
	matches := symbolRegex.FindStringSubmatch(strings.TrimSpace(symbol))
	if matches == nil {
		return model.SelectedPair{}, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidSymbol, symbol)
	}
	p := model.SelectedPair{Base: normalize(matches[1]), Quote: normalize(matches[2])}
	if err := Validate(p); err != nil {
		return model.SelectedPair{}, err
	}
	return p, nil
}

// Validate checks both tickers and that they differ.
func Validate(p model.SelectedPair) error {
	if !assetRegex.MatchString(p.Base) {
		return fmt.Errorf("%w: base %q", ErrInvalidAsset, p.Base)
	}
	if !assetRegex.MatchString(p.Quote) {
		return fmt.Errorf("%w: quote %q", ErrInvalidAsset, p.Quote)
	}
	if strings.EqualFold(p.Base, p.Quote) {
		return fmt.Errorf("%w: %s", ErrSameAsset, p.Base)
	}
	return nil
}

// Normalize returns p with canonical ticker casing.
func Normalize(p model.SelectedPair) model.SelectedPair {
	return model.SelectedPair{Base: normalize(p.Base), Quote: normalize(p.Quote)}
}

// Symbol formats p as BASE/QUOTE.
func Symbol(p model.SelectedPair) string {
	return p.Base + "/" + p.Quote
}

// Key formats p as BASE_QUOTE, the identity per-pair state is keyed by.
func Key(p model.SelectedPair) string {
	return p.Base + "_" + p.Quote
}

// ChatKey is the storage key of the agent conversation for p.
func ChatKey(p model.SelectedPair) string {
	return "agent_chat_" + Key(p)
}

// Suggestion is a pair offered by the pair picker.
type Suggestion struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
	Name  string `json:"name"`
}

// Pair returns the selectable form of s.
func (s Suggestion) Pair() model.SelectedPair {
	return model.SelectedPair{Base: s.Base, Quote: s.Quote}
}

// Suggested lists the pairs the picker shows before the user types.
var Suggested = []Suggestion{
	{Base: "HYPE", Quote: "ETH", Name: "HYPE/ETH"},
	{Base: "SOL", Quote: "BTC", Name: "SOL/BTC"},
	{Base: "PEPE", Quote: "ETH", Name: "PEPE/ETH"},
	{Base: "ARB", Quote: "ETH", Name: "ARB/ETH"},
	{Base: "OP", Quote: "ARB", Name: "OP/ARB"},
	{Base: "DOGE", Quote: "SHIB", Name: "DOGE/SHIB"},
}

// Search filters Suggested by a case-insensitive substring of the name,
// base or quote. A blank query returns every suggestion.
func Search(query string) []Suggestion {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Suggestion, 0, len(Suggested))
	for _, s := range Suggested {
		if q == "" ||
			strings.Contains(strings.ToLower(s.Name), q) ||
			strings.Contains(strings.ToLower(s.Base), q) ||
			strings.Contains(strings.ToLower(s.Quote), q) {
			out = append(out, s)
		}
	}
	return out
}

func normalize(ticker string) string {
	ticker = strings.TrimSpace(ticker)
	if len(ticker) > 1 && ticker[0] == 'k' && strings.ToUpper(ticker[1:]) == ticker[1:] {
		return ticker
	}
	return strings.ToUpper(ticker)
}
