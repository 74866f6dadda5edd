// Package market serves mock OHLC candles for a pair's price ratio. The
// series is a random walk seeded at a ratio in [1.5, 2.0) and is cached
// per pair so repeated chart loads see the same history.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pair"
	"github.com/pearfect/engine/internal/pnl"
)

const (
	// DefaultCount is the number of candles in a series.
	DefaultCount = 200

	// DefaultInterval is the spacing between candles.
	DefaultInterval = 15 * time.Minute

	// DefaultTTL is how long a generated series is reused.
	DefaultTTL = 15 * time.Minute
)

var (
	one       = decimal.NewFromInt(1)
	wickScale = decimal.NewFromFloat(0.01)
	seedBase  = decimal.NewFromFloat(1.5)
	seedRange = decimal.NewFromFloat(0.5)
)

// Candle is one OHLC bar. Time is the bar's open in Unix milliseconds.
type Candle struct {
	Time  int64           `json:"time"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Generate builds count candles ending at now, oldest first. Each close
// moves the same way a demo position's ratio does; wicks extend up to 1%
// beyond the body.
func Generate(src pnl.Source, now time.Time, count int, interval time.Duration) []Candle {
	if count <= 0 {
		return []Candle{}
	}
	candles := make([]Candle, 0, count)
	price := seedBase.Add(decimal.NewFromFloat(src.Float64()).Mul(seedRange))

	for i := count - 1; i >= 0; i-- {
		open := price
		next := pnl.Perturb(open, src.Float64())
		high := decimal.Max(open, next).Mul(one.Add(decimal.NewFromFloat(src.Float64()).Mul(wickScale))).Round(pnl.RatioScale)
		low := decimal.Min(open, next).Mul(one.Sub(decimal.NewFromFloat(src.Float64()).Mul(wickScale))).Round(pnl.RatioScale)
		candles = append(candles, Candle{
			Time:  now.Add(-time.Duration(i) * interval).UnixMilli(),
			Open:  open,
			High:  high,
			Low:   low,
			Close: next,
		})
		price = next
	}
	return candles
}

// Feed serves cached candle series per pair. Safe for concurrent use.
type Feed struct {
	mu    sync.Mutex // guards src
	src   pnl.Source
	clock clock.Clock
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewFeed creates a feed drawing from src. ttl <= 0 uses DefaultTTL.
func NewFeed(src pnl.Source, clk clock.Clock, ttl time.Duration) (*Feed, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("market: create cache: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Feed{src: src, clock: clk, cache: cache, ttl: ttl}, nil
}

// Candles returns the series for p, generating it on a cache miss.
func (f *Feed) Candles(p model.SelectedPair) ([]Candle, error) {
	p = pair.Normalize(p)
	if err := pair.Validate(p); err != nil {
		return nil, err
	}
	key := pair.Key(p)
	if v, ok := f.cache.Get(key); ok {
		return copyCandles(v.([]Candle)), nil
	}

	f.mu.Lock()
	series := Generate(f.src, f.clock.Now(), DefaultCount, DefaultInterval)
	f.mu.Unlock()

	f.cache.SetWithTTL(key, series, 1, f.ttl)
	f.cache.Wait()
	return copyCandles(series), nil
}

// Close releases the cache.
func (f *Feed) Close() {
	f.cache.Close()
}

func copyCandles(cs []Candle) []Candle {
	return append([]Candle(nil), cs...)
}
