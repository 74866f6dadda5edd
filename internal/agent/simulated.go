package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pnl"
)

// Simulated answers from canned, keyword-driven templates. It never
// fails, which makes it the fallback for live responders.
type Simulated struct {
	mu    sync.Mutex // guards src
	src   pnl.Source
	clock clock.Clock
}

// NewSimulated creates a simulated responder drawing jitter from src.
func NewSimulated(src pnl.Source, clk clock.Clock) *Simulated {
	return &Simulated{src: src, clock: clk}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Reply implements Responder.
func (r *Simulated) Reply(_ context.Context, p model.SelectedPair, history []Message, current Prediction) (Reply, error) {
	var last string
	if n := len(history); n > 0 {
		last = strings.ToLower(history[n-1].Content)
	}
	sym := p.Base + "/" + p.Quote
	dir, conf := current.Direction, current.Confidence
	if dir == "" {
		dir = Up
	}

	var text string
	switch {
	case containsAny(last, "bullish", "buy", "long"):
		text = fmt.Sprintf("Based on recent momentum indicators, %s shows bullish divergence. The ratio has been consolidating near support levels, and volume patterns suggest accumulation. Consider the upside potential, but always manage your risk.", sym)
		dir, conf = Up, 0.72
	case containsAny(last, "bearish", "sell", "short"):
		text = fmt.Sprintf("Looking at the %s ratio, there are some bearish signals. Resistance at current levels appears strong, and momentum indicators show weakening buying pressure. The short-term outlook favors caution.", sym)
		dir, conf = Down, 0.68
	case strings.Contains(last, "risk"):
		text = fmt.Sprintf("Key risks for %s:\n\n1. Correlation breakdown - assets may move together unexpectedly\n2. Liquidity risk - large orders may face slippage\n3. Market regime changes - thesis may become invalid\n4. Technical failures - smart contract or execution risks\n\nAlways size positions appropriately and use stop losses.", sym)
		conf = math.Max(0.5, conf-0.1)
	case containsAny(last, "explain", "new"):
		text = fmt.Sprintf("Welcome! Here's what you're looking at:\n\n%s is a trading pair. The chart shows the ratio between these two assets.\n\nIf you think %s will outperform %s, you'd go LONG this pair. The ratio going UP means you profit.\n\nI can help analyze the pair - just ask me anything about market conditions, risk factors, or trading ideas!", sym, p.Base, p.Quote)
	default:
		momentum, action, volume, sentiment := "mixed", "Testing support", "Declining", "Cautious positioning"
		if dir == Up {
			momentum, action, volume, sentiment = "positive", "Bullish consolidation", "Increasing", "Risk-on environment"
		}
		text = fmt.Sprintf("Analyzing %s...\n\nThe current ratio dynamics show %s momentum. Key factors to watch:\n\n- Recent price action: %s\n- Volume trend: %s\n- Market sentiment: %s\n\nWould you like me to elaborate on any specific aspect?", sym, momentum, action, volume, sentiment)
		r.mu.Lock()
		jitter := (r.src.Float64() - 0.5) * 0.1
		r.mu.Unlock()
		conf = math.Min(0.85, math.Max(0.45, conf+jitter))
	}

	return Reply{
		Text: text,
		Prediction: Prediction{
			Direction:  dir,
			Confidence: conf,
			AsOf:       r.clock.Now().UTC(),
		},
	}, nil
}
