package pricing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

var bpsScaleDec = decimal.NewFromInt(domain.BpsScale)

// obs is one trade observation: the post-trade YES price weighted by the
// collateral the trade moved.
type obs struct {
	price  decimal.Decimal // marginal YES price in [0, 1]
	weight decimal.Decimal // collateral in, token minor units
}

// Sentiment derives the market-sentiment probability as a volume-weighted
// average of post-trade prices over a sliding window of recent trades. The
// window is in-memory only: after a restart sentiment re-seeds from the
// persisted market fields until new trades arrive.
type Sentiment struct {
	mu     sync.Mutex
	window int
	trades map[string][]obs // market key -> newest-last window
}

func NewSentiment(window int) *Sentiment {
	if window <= 0 {
		window = 16
	}
	return &Sentiment{
		window: window,
		trades: make(map[string][]obs),
	}
}

// Observe appends one trade and returns the updated sentiment in bps,
// rounded half up. Trades with non-positive weight carry no information and
// are dropped; ok is false for those.
func (s *Sentiment) Observe(key string, price, weight decimal.Decimal) (int64, bool) {
	if weight.Sign() <= 0 {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := append(s.trades[key], obs{price: price, weight: weight})
	if len(w) > s.window {
		w = w[len(w)-s.window:]
	}
	s.trades[key] = w

	num := decimal.Zero
	den := decimal.Zero
	for _, o := range w {
		num = num.Add(o.price.Mul(o.weight))
		den = den.Add(o.weight)
	}
	// den > 0: every retained observation has positive weight.
	vwap := num.Div(den)
	return vwap.Mul(bpsScaleDec).Round(0).IntPart(), true
}

// Window returns how many trades the given market currently holds.
func (s *Sentiment) Window(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades[key])
}
