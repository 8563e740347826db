package loop

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/loop-trader/internal/market"
)

func decFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func cur(symbol string) market.Currency {
	return market.Currency{Exchange: "wallex", Symbol: symbol}
}

// Helper to build a real pair between two symbols on one exchange.
func createPair(base, quote string) *market.Pair {
	return &market.Pair{
		ID:       base + "-" + quote,
		Exchange: "wallex",
		Base:     cur(base),
		Quote:    cur(quote),
	}
}

func triangle() (*market.Pair, *market.Pair, *market.Pair) {
	return createPair("BTC", "USD"), createPair("ETH", "USD"), createPair("ETH", "BTC")
}

func TestLoop_Nodes(t *testing.T) {
	btcUSD, ethUSD, ethBTC := triangle()

	t.Run("Closed walk", func(t *testing.T) {
		l := &Loop{Pairs: []*market.Pair{btcUSD, ethUSD, ethBTC}, Start: cur("BTC")}
		nodes, err := l.Nodes()
		require.NoError(t, err)
		assert.Equal(t, []market.Currency{cur("BTC"), cur("USD"), cur("ETH")}, nodes)
	})

	t.Run("Non-closing sequence fails", func(t *testing.T) {
		l := &Loop{Pairs: []*market.Pair{btcUSD, ethUSD}, Start: cur("BTC")}
		_, err := l.Nodes()
		assert.Error(t, err)
	})

	t.Run("Detached pair fails", func(t *testing.T) {
		l := &Loop{Pairs: []*market.Pair{btcUSD, ethBTC, ethUSD}, Start: cur("BTC")}
		_, err := l.Nodes()
		assert.Error(t, err)
	})
}

func rotated(l *Loop, r int) *Loop {
	nodes, _ := l.Nodes()
	n := len(l.Pairs)
	pairs := make([]*market.Pair, 0, n)
	pairs = append(pairs, l.Pairs[r:]...)
	pairs = append(pairs, l.Pairs[:r]...)
	return &Loop{Pairs: pairs, Start: nodes[r]}
}

func reversed(l *Loop) *Loop {
	n := len(l.Pairs)
	pairs := make([]*market.Pair, n)
	for i, p := range l.Pairs {
		pairs[n-1-i] = p
	}
	return &Loop{Pairs: pairs, Start: l.Start}
}

func TestLoop_HashKey(t *testing.T) {
	btcUSD, ethUSD, ethBTC := triangle()
	l := &Loop{Pairs: []*market.Pair{btcUSD, ethUSD, ethBTC}, Start: cur("BTC")}

	t.Run("Rotation invariant", func(t *testing.T) {
		for r := 0; r < 3; r++ {
			assert.Equal(t, l.HashKey(), rotated(l, r).HashKey(), "rotation %d", r)
		}
	})

	t.Run("Reversal invariant", func(t *testing.T) {
		assert.Equal(t, l.HashKey(), reversed(l).HashKey())
		for r := 0; r < 3; r++ {
			assert.Equal(t, l.HashKey(), reversed(rotated(l, r)).HashKey())
		}
	})

	t.Run("Different pair sets differ", func(t *testing.T) {
		ltcUSD := createPair("LTC", "USD")
		ltcBTC := createPair("LTC", "BTC")
		l2 := &Loop{Pairs: []*market.Pair{btcUSD, ltcUSD, ltcBTC}, Start: cur("BTC")}
		assert.NotEqual(t, l.HashKey(), l2.HashKey())
	})
}

func TestLoop_ProfitRatio(t *testing.T) {
	l := &Loop{}
	l.ProfitRatioFwd = decFromString(t, "1.01")
	l.ProfitRatioBck = decFromString(t, "0.99")
	assert.True(t, l.ProfitRatio().Equal(decFromString(t, "1.01")))

	l.ProfitRatioBck = decFromString(t, "1.05")
	assert.True(t, l.ProfitRatio().Equal(decFromString(t, "1.05")))
}
