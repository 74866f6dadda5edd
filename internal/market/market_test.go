package market

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/model"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestGenerate_Shape(t *testing.T) {
	cs := Generate(rand.New(rand.NewSource(3)), now, DefaultCount, DefaultInterval)
	require.Len(t, cs, 200)

	assert.Equal(t, now.UnixMilli(), cs[len(cs)-1].Time)
	assert.Equal(t, now.Add(-199*15*time.Minute).UnixMilli(), cs[0].Time)

	assert.True(t, cs[0].Open.GreaterThanOrEqual(decimal.NewFromFloat(1.5)))
	assert.True(t, cs[0].Open.LessThan(decimal.NewFromInt(2)))

	for i, c := range cs {
		assert.True(t, c.High.GreaterThanOrEqual(decimal.Max(c.Open, c.Close)), "candle %d high", i)
		assert.True(t, c.Low.LessThanOrEqual(decimal.Min(c.Open, c.Close)), "candle %d low", i)
		assert.True(t, c.Low.IsPositive(), "candle %d low", i)
		if i > 0 {
			assert.True(t, c.Open.Equal(cs[i-1].Close), "candle %d opens at previous close", i)
			assert.Equal(t, int64(15*60*1000), c.Time-cs[i-1].Time)
		}
	}
}

func TestGenerate_Empty(t *testing.T) {
	assert.Empty(t, Generate(rand.New(rand.NewSource(1)), now, 0, DefaultInterval))
}

func TestFeed_CachesPerPair(t *testing.T) {
	f, err := NewFeed(rand.New(rand.NewSource(5)), clock.NewFixed(now), time.Hour)
	require.NoError(t, err)
	defer f.Close()

	hype := model.SelectedPair{Base: "HYPE", Quote: "ETH"}
	first, err := f.Candles(hype)
	require.NoError(t, err)
	second, err := f.Candles(model.SelectedPair{Base: "hype", Quote: "eth"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := f.Candles(model.SelectedPair{Base: "SOL", Quote: "BTC"})
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Open.String(), other[0].Open.String())
}

func TestFeed_RejectsInvalidPair(t *testing.T) {
	f, err := NewFeed(rand.New(rand.NewSource(5)), clock.NewFixed(now), 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Candles(model.SelectedPair{Base: "ETH", Quote: "ETH"})
	assert.Error(t, err)
}
