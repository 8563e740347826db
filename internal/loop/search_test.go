package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/loop-trader/internal/market"
)

func search(t *testing.T, pairs []*market.Pair, maxLegs int) []*Loop {
	t.Helper()
	loops, err := Search(context.Background(), market.NewSnapshot(pairs), SearchConfig{
		MaxLoopCount: maxLegs,
		Workers:      4,
	})
	require.NoError(t, err)
	return loops
}

func TestSearch_Triangle(t *testing.T) {
	btcUSD, ethUSD, ethBTC := triangle()
	loops := search(t, []*market.Pair{btcUSD, ethUSD, ethBTC}, 3)

	require.Len(t, loops, 1, "one triangle, deduplicated across rotations and directions")
	l := loops[0]
	assert.Len(t, l.Pairs, 3)

	nodes, err := l.Nodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestSearch_Closure(t *testing.T) {
	btcUSD, ethUSD, ethBTC := triangle()
	ltcUSD := createPair("LTC", "USD")
	ltcBTC := createPair("LTC", "BTC")
	loops := search(t, []*market.Pair{btcUSD, ethUSD, ethBTC, ltcUSD, ltcBTC}, 4)

	require.NotEmpty(t, loops)
	for _, l := range loops {
		nodes, err := l.Nodes()
		require.NoError(t, err, "every emitted loop walks back to its start: %s", l)
		assert.Len(t, nodes, len(l.Pairs))
	}
}

func TestSearch_MaxLoopCount(t *testing.T) {
	btcUSD, ethUSD, ethBTC := triangle()
	ltcUSD := createPair("LTC", "USD")
	ltcBTC := createPair("LTC", "BTC")
	pairs := []*market.Pair{btcUSD, ethUSD, ethBTC, ltcUSD, ltcBTC}

	t.Run("Too small for any cycle", func(t *testing.T) {
		assert.Empty(t, search(t, pairs, 1))
	})

	t.Run("Triangles only", func(t *testing.T) {
		for _, l := range search(t, pairs, 3) {
			assert.LessOrEqual(t, len(l.Pairs), 3)
		}
	})

	t.Run("Larger bound admits 4-leg loops", func(t *testing.T) {
		var found bool
		for _, l := range search(t, pairs, 4) {
			assert.LessOrEqual(t, len(l.Pairs), 4)
			if len(l.Pairs) == 4 {
				found = true
			}
		}
		// BTC -> USD -> LTC -> ... -> BTC exists via ltcUSD and ltcBTC.
		assert.True(t, found, "expected a 4-leg loop")
	})
}

func TestSearch_TwoLegLoop(t *testing.T) {
	// The same two currencies connected by two distinct books.
	a := createPair("BTC", "USD")
	b := createPair("BTC", "USD")
	b.ID = "BTC-USD-2"
	loops := search(t, []*market.Pair{a, b}, 2)
	require.Len(t, loops, 1)
	assert.Len(t, loops[0].Pairs, 2)
}

func TestSearch_NoAdjacentVirtualLegs(t *testing.T) {
	// BTC on two exchanges, linked by virtual pairs in both "directions",
	// plus a real book on each side.
	wallexBTCUSD := createPair("BTC", "USD")
	binanceBTCUSD := &market.Pair{
		ID:       "binance:BTC-USD",
		Exchange: "binance",
		Base:     market.Currency{Exchange: "binance", Symbol: "BTC"},
		Quote:    market.Currency{Exchange: "binance", Symbol: "USD"},
	}
	vBTC := market.NewVirtualPair("BTC", "wallex", "binance")
	vUSD := market.NewVirtualPair("USD", "wallex", "binance")
	vBTC2 := market.NewVirtualPair("BTC", "binance", "wallex")

	loops := search(t, []*market.Pair{wallexBTCUSD, binanceBTCUSD, vBTC, vUSD, vBTC2}, 4)
	require.NotEmpty(t, loops)
	for _, l := range loops {
		n := len(l.Pairs)
		real := 0
		for i, p := range l.Pairs {
			nextIdx := (i + 1) % n
			assert.False(t, p.Virtual && l.Pairs[nextIdx].Virtual,
				"adjacent virtual legs in %s", l)
			if !p.Virtual {
				real++
			}
		}
		assert.Positive(t, real, "loop with no tradable leg: %s", l)
	}
}

func TestSearch_EmptyAndVirtualOnlyCatalogs(t *testing.T) {
	t.Run("No pairs", func(t *testing.T) {
		assert.Empty(t, search(t, nil, 3))
	})

	t.Run("Only virtual links", func(t *testing.T) {
		vBTC := market.NewVirtualPair("BTC", "wallex", "binance")
		vBTC2 := market.NewVirtualPair("BTC", "binance", "wallex")
		assert.Empty(t, search(t, []*market.Pair{vBTC, vBTC2}, 3))
	})
}

func TestSearch_Cancellation(t *testing.T) {
	// A dense catalog so the search has work queued when cancelled.
	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	var pairs []*market.Pair
	for i := range symbols {
		for j := i + 1; j < len(symbols); j++ {
			pairs = append(pairs, createPair(symbols[i], symbols[j]))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		loops, err := Search(ctx, market.NewSnapshot(pairs), SearchConfig{MaxLoopCount: 8, Workers: 4})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, loops)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("search did not stop after cancellation")
	}
}

func TestSearch_Deduplication(t *testing.T) {
	btcUSD, ethUSD, ethBTC := triangle()
	loops := search(t, []*market.Pair{btcUSD, ethUSD, ethBTC}, 3)
	require.Len(t, loops, 1)

	// Repeated runs over the same catalog find the same canonical set.
	again := search(t, []*market.Pair{btcUSD, ethUSD, ethBTC}, 3)
	require.Len(t, again, 1)
	assert.Equal(t, loops[0].HashKey(), again[0].HashKey())
}
