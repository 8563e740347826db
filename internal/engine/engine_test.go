package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/loop-trader/internal/balance"
	"github.com/amirphl/loop-trader/internal/config"
	"github.com/amirphl/loop-trader/internal/db"
	"github.com/amirphl/loop-trader/internal/exchange"
	"github.com/amirphl/loop-trader/internal/executor"
	"github.com/amirphl/loop-trader/internal/market"
	"github.com/amirphl/loop-trader/internal/profit"
	"github.com/amirphl/loop-trader/internal/state"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func cur(symbol string) market.Currency {
	return market.Currency{Exchange: "wallex", Symbol: symbol}
}

func tiers(pairs ...string) []market.Tier {
	out := make([]market.Tier, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, market.Tier{Price: dec(pairs[i]), Volume: dec(pairs[i+1])})
	}
	return out
}

// stubSource serves a fixed pair set with fixed books.
type stubSource struct {
	pairs []*market.Pair
}

func (s *stubSource) FetchPairs(ctx context.Context) ([]*market.Pair, error) {
	out := make([]*market.Pair, len(s.pairs))
	for i, p := range s.pairs {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (s *stubSource) FetchOrderBook(ctx context.Context, symbol string) ([]market.Tier, []market.Tier, error) {
	for _, p := range s.pairs {
		if p.ID == symbol {
			return p.Bids, p.Asks, nil
		}
	}
	return nil, nil, errors.New("unknown symbol")
}

// triangleSource carries a BTC -> ETH -> USD -> BTC cycle with a 2%
// gross edge: 1 BTC buys 20 ETH, 20 ETH sell for 2040 USD, 2040 USD
// buy 1.02 BTC.
func triangleSource(fee string) *stubSource {
	mk := func(id string, base, quote market.Currency, bids, asks []market.Tier) *market.Pair {
		return &market.Pair{
			ID: id, Exchange: "wallex",
			Base: base, Quote: quote,
			Fee:  dec(fee),
			Bids: bids, Asks: asks,
		}
	}
	return &stubSource{pairs: []*market.Pair{
		mk("BTCUSD", cur("BTC"), cur("USD"), tiers("1990", "5"), tiers("2000", "10")),
		mk("ETHUSD", cur("ETH"), cur("USD"), tiers("102", "1000"), tiers("103", "1000")),
		mk("ETHBTC", cur("ETH"), cur("BTC"), tiers("0.049", "1000"), tiers("0.05", "100")),
	}}
}

// flatSource quotes consistent prices on both sides, leaving no edge.
func flatSource() *stubSource {
	mk := func(id string, base, quote market.Currency, bids, asks []market.Tier) *market.Pair {
		return &market.Pair{
			ID: id, Exchange: "wallex",
			Base: base, Quote: quote,
			Fee:  dec("0.001"),
			Bids: bids, Asks: asks,
		}
	}
	return &stubSource{pairs: []*market.Pair{
		mk("BTCUSD", cur("BTC"), cur("USD"), tiers("1999", "5"), tiers("2001", "10")),
		mk("ETHUSD", cur("ETH"), cur("USD"), tiers("99.9", "1000"), tiers("100.1", "1000")),
		mk("ETHBTC", cur("ETH"), cur("BTC"), tiers("0.04995", "1000"), tiers("0.05005", "100")),
	}}
}

// stubNotifier records every message and retry-wrapped action.
type stubNotifier struct {
	mu      sync.Mutex
	sent    []string
	retried []string
}

func (n *stubNotifier) Send(msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *stubNotifier) SendWithRetry(msg string) error { return n.Send(msg) }

func (n *stubNotifier) RetryWithNotification(action func() error, description string) error {
	n.mu.Lock()
	n.retried = append(n.retried, description)
	n.mu.Unlock()
	return action()
}

func testDeps(src exchange.MarketSource) (Deps, *exchange.MockGateway, *db.MemoryStorage) {
	gw := exchange.NewMockGateway("wallex")
	gw.SetBalance(exchange.Balance{Asset: "BTC", Total: dec("1"), Available: dec("1")})
	gw.SetBalance(exchange.Balance{Asset: "ETH", Total: dec("100"), Available: dec("100")})
	gw.SetBalance(exchange.Balance{Asset: "USD", Total: dec("10000"), Available: dec("10000")})

	balances := balance.NewManager()
	flags := state.NewFlags()
	storage := db.NewMemory()

	deps := Deps{
		Catalog:   exchange.NewCatalog(src),
		Gateway:   gw,
		Balances:  balances,
		Evaluator: profit.NewEvaluator(profit.Config{}, balances),
		Executor:  executor.New(gw, balances, flags, nil),
		Flags:     flags,
		Storage:   storage,
	}
	return deps, gw, storage
}

func testConfig() config.Config {
	return config.Config{
		Mode:          "dry-run",
		MaxLoopCount:  4,
		SearchWorkers: 2,
		EvalWorkers:   2,
	}
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Executes the best tradable loop and journals it", func(t *testing.T) {
		deps, gw, storage := testDeps(triangleSource("0.001"))

		require.NoError(t, runCycle(ctx, testConfig(), deps))

		assert.Len(t, gw.Submitted(), 3)
		assert.True(t, deps.Flags.TradingEnabled())

		results, err := storage.GetLoopResults(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "completed", results[0].Status)
		assert.True(t, results[0].NetGain.IsPositive())
		assert.Equal(t, "BTC@wallex", results[0].StartCurrency)

		// Filled orders are terminal; the sweep has nothing left to do.
		open, err := storage.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		events, err := storage.GetEvents(ctx, "loop", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "loop_completed", events[0].Description)
	})

	t.Run("Catalog refresh runs under the notifier retry and completion is announced", func(t *testing.T) {
		deps, _, _ := testDeps(triangleSource("0.001"))
		n := &stubNotifier{}
		deps.Notifier = n

		require.NoError(t, runCycle(ctx, testConfig(), deps))

		require.Contains(t, n.retried, "catalog refresh")
		require.Len(t, n.sent, 1)
		assert.True(t, strings.HasPrefix(n.sent[0], "Loop completed"), "got %q", n.sent[0])
	})

	t.Run("Balances come from the gateway", func(t *testing.T) {
		deps, _, _ := testDeps(triangleSource("0.001"))

		require.NoError(t, runCycle(ctx, testConfig(), deps))

		avail := deps.Balances.Available(balance.Main(cur("USD")))
		assert.True(t, avail.Equal(dec("10000")))
	})

	t.Run("Exchange-locked funds are not spendable", func(t *testing.T) {
		deps, gw, _ := testDeps(triangleSource("0.001"))
		gw.SetBalance(exchange.Balance{
			Asset:     "BTC",
			Available: dec("6"),
			Locked:    dec("4"),
			Total:     dec("10"),
		})

		require.NoError(t, syncBalances(ctx, gw, deps.Balances))

		avail := deps.Balances.Available(balance.Main(cur("BTC")))
		assert.True(t, avail.Equal(dec("6")), "available = %s, want 6", avail)
	})

	t.Run("Inactive search does nothing", func(t *testing.T) {
		deps, gw, storage := testDeps(triangleSource("0.001"))
		deps.Flags.SetSearchActive(false)

		require.NoError(t, runCycle(ctx, testConfig(), deps))

		assert.Empty(t, gw.Submitted())
		results, err := storage.GetLoopResults(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("Disabled trading ranks but never executes", func(t *testing.T) {
		deps, gw, storage := testDeps(triangleSource("0.001"))
		deps.Flags.DisableTrading("maintenance")

		require.NoError(t, runCycle(ctx, testConfig(), deps))

		assert.Empty(t, gw.Submitted())
		results, err := storage.GetLoopResults(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("No tradable loop on a flat market", func(t *testing.T) {
		deps, gw, _ := testDeps(flatSource())

		require.NoError(t, runCycle(ctx, testConfig(), deps))

		assert.Empty(t, gw.Submitted())
	})

	t.Run("Aborted execution is journaled and surfaces the error", func(t *testing.T) {
		deps, gw, storage := testDeps(triangleSource("0.001"))
		gw.FailSubmit("ETHUSD", errors.New("order rejected"))

		err := runCycle(ctx, testConfig(), deps)
		require.Error(t, err)

		assert.False(t, deps.Flags.TradingEnabled())
		results, resErr := storage.GetLoopResults(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, resErr)
		require.Len(t, results, 1)
		assert.Equal(t, "aborted", results[0].Status)
	})

	t.Run("Cancelled context stops the cycle", func(t *testing.T) {
		deps, gw, _ := testDeps(triangleSource("0.001"))
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		err := runCycle(cancelled, testConfig(), deps)
		require.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, gw.Submitted())
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	deps, gw, storage := testDeps(triangleSource("0.001"))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cfg := testConfig()
	cfg.CycleInterval = config.Duration(50 * time.Millisecond)
	cfg.OrderCheckInterval = config.Duration(50 * time.Millisecond)

	Run(ctx, cfg, deps)

	// The static books keep the same edge open, so every cycle until
	// cancellation executed it cleanly.
	assert.True(t, deps.Flags.TradingEnabled())
	assert.NotEmpty(t, gw.Submitted())
	results, err := storage.GetLoopResults(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestOrderStatusChecker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	gw := exchange.NewMockGateway("wallex")
	storage := db.NewMemory()

	pair := triangleSource("0.001").pairs[0]
	ack, err := gw.Submit(ctx, exchange.TradeRequest{
		Pair:      pair,
		Direction: market.QuoteToBase,
		Price:     dec("2000"),
		BaseQty:   dec("1"),
	})
	require.NoError(t, err)

	// Journal the order as still open; the mock already filled it.
	now := time.Now().UTC()
	require.NoError(t, storage.SaveOrder(ctx, db.Order{
		OrderID:   ack.OrderID,
		Symbol:    pair.ID,
		Side:      "buy",
		Type:      "LIMIT",
		Price:     dec("2000"),
		Quantity:  dec("1"),
		Status:    exchange.StatusNew,
		Timestamp: now,
		UpdatedAt: now,
	}))

	orderStatusChecker(ctx, storage, gw, 20*time.Millisecond)

	open, err := storage.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := storage.GetOrder(context.Background(), ack.OrderID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "CLOSED", saved.Status)
	assert.True(t, saved.FilledQty.Equal(dec("1")))
}

func TestOrderStatusChecker_CancelsStaleOrders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	gw := exchange.NewMockGateway("wallex")
	storage := db.NewMemory()

	pair := triangleSource("0.001").pairs[0]
	gw.FailFill(pair.ID, exchange.StatusNew) // order rests on the book
	ack, err := gw.Submit(ctx, exchange.TradeRequest{
		Pair:      pair,
		Direction: market.QuoteToBase,
		Price:     dec("2000"),
		BaseQty:   dec("1"),
	})
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, storage.SaveOrder(ctx, db.Order{
		OrderID:   ack.OrderID,
		Symbol:    pair.ID,
		Side:      "buy",
		Type:      "LIMIT",
		Price:     dec("2000"),
		Quantity:  dec("1"),
		Status:    exchange.StatusNew,
		Timestamp: stale,
		UpdatedAt: stale,
	}))

	// First tick cancels the resting order, a later tick closes it.
	orderStatusChecker(ctx, storage, gw, 20*time.Millisecond)

	fill, err := gw.OrderStatus(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCanceled, fill.Status)

	open, err := storage.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	events, err := storage.GetEvents(context.Background(), "order", stale, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	var cancelled bool
	for _, e := range events {
		if e.Description == "status_check_order_cancelled" {
			cancelled = true
		}
	}
	assert.True(t, cancelled, "cancellation is journaled")
}
