// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/loop-trader/internal/market"
	"github.com/amirphl/loop-trader/internal/notifier"
	"github.com/amirphl/loop-trader/internal/utils"
)

// quoteAssets are the quote currencies Wallex lists pairs against, in
// match order. Symbols are flat ("BTCUSDT"), so the quote is recovered
// by suffix.
var quoteAssets = []string{"USDT", "TMN"}

type WallexGateway struct {
	client       *wallex.Client
	notifier     notifier.Notifier
	fee          decimal.Decimal
	pollInterval time.Duration
}

// NewWallexGateway builds the live Wallex adapter. fee is the taker fee
// applied to every pair the exchange reports.
func NewWallexGateway(apiKey string, fee decimal.Decimal, n notifier.Notifier) *WallexGateway {
	return &WallexGateway{
		client:       wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		notifier:     n,
		fee:          fee,
		pollInterval: 500 * time.Millisecond,
	}
}

func (w *WallexGateway) Name() string {
	return "wallex"
}

// retry wraps a function with retry logic for transient errors, using exponential backoff and error logging.
func retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("Exchange | %s Retry attempt %d/%d failed: %v. Backing off for %v", "Wallex", i, attempts, err, backoff)
		time.Sleep(backoff)
		// Exponential backoff, but cap at 5 minutes
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return errors.New("all retry attempts failed")
}

// Submit places the leg as a limit order and returns once the exchange
// accepts it. Acceptance is the point of no return for the leg.
func (w *WallexGateway) Submit(ctx context.Context, req TradeRequest) (TradeAck, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s Submit timeout", w.Name())
		return TradeAck{}, ctx.Err()

	default:
		params := &wallex.OrderParams{
			Symbol:   NormalizeSymbol(req.Pair.ID),
			Type:     "LIMIT",
			Side:     strings.ToUpper(string(req.Side())),
			Price:    wallex.Number(req.Price.StringFixed(8)),
			Quantity: wallex.Number(req.BaseQty.StringFixed(8)),
		}
		resp, err := w.client.PlaceOrder(params)
		if err != nil {
			return TradeAck{}, fmt.Errorf("placing order on %s: %w", req.Pair.ID, err)
		}
		return TradeAck{
			OrderID:     resp.ClientOrderID,
			SubmittedAt: resp.CreatedAt.UTC(),
		}, nil
	}
}

// AwaitFill polls the order until it reaches a terminal status or the
// context ends.
func (w *WallexGateway) AwaitFill(ctx context.Context, orderID string) (Fill, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			utils.GetLogger().Printf("Exchange | %s AwaitFill timeout for %s", w.Name(), orderID)
			return Fill{}, ctx.Err()

		case <-ticker.C:
			resp, err := w.client.Order(orderID)
			if err != nil {
				utils.GetLogger().Printf("Exchange | %s AwaitFill poll failed for %s: %v", w.Name(), orderID, err)
				continue
			}
			status := strings.ToUpper(resp.Status)
			if status != StatusFilled && status != StatusCanceled && status != StatusRejected {
				continue
			}
			return Fill{
				OrderID:   resp.ClientOrderID,
				Status:    status,
				FilledQty: decFromNumber(resp.ExecutedQty),
				AvgPrice:  decFromNumber(resp.ExecutedPrice),
				UpdatedAt: resp.CreatedAt.UTC(),
			}, nil
		}
	}
}

// OrderStatus reads the order's current state without waiting for a
// terminal status.
func (w *WallexGateway) OrderStatus(ctx context.Context, orderID string) (Fill, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s OrderStatus timeout", w.Name())
		return Fill{}, ctx.Err()

	default:
		resp, err := w.client.Order(orderID)
		if err != nil {
			return Fill{}, fmt.Errorf("fetching order %s: %w", orderID, err)
		}
		return Fill{
			OrderID:   resp.ClientOrderID,
			Status:    strings.ToUpper(resp.Status),
			FilledQty: decFromNumber(resp.ExecutedQty),
			AvgPrice:  decFromNumber(resp.ExecutedPrice),
			UpdatedAt: resp.CreatedAt.UTC(),
		}, nil
	}
}

func (w *WallexGateway) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s CancelOrder timeout", w.Name())
		return ctx.Err()

	default:
		return w.client.CancelOrder(orderID)
	}
}

// FetchBalances retrieves the current balance of all assets from the Wallex exchange
func (w *WallexGateway) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s FetchBalances timeout", w.Name())
		return nil, ctx.Err()

	default:
		var wallexBalances map[string]*wallex.Balance
		err := retry(3, 2*time.Second, func() error {
			var err error
			wallexBalances, err = w.client.Balances()
			if err != nil {
				return fmt.Errorf("fetching balances: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("FetchBalances failed: %w", err)
		}

		balances := make(map[string]Balance)
		for asset, wb := range wallexBalances {
			available := decFromNumber(&wb.Value)
			locked := decFromNumber(&wb.Locked)
			balances[asset] = Balance{
				Asset:     asset,
				Available: available,
				Locked:    locked,
				Total:     available.Add(locked),
				Fiat:      wb.Fiat,
			}
		}
		return balances, nil
	}
}

// FetchPairs lists the tradable pairs. Base and quote are recovered
// from the flat symbol by quote suffix; symbols against an unknown
// quote are skipped.
func (w *WallexGateway) FetchPairs(ctx context.Context) ([]*market.Pair, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s FetchPairs timeout", w.Name())
		return nil, ctx.Err()

	default:
		var markets []*wallex.Market
		err := retry(3, 2*time.Second, func() error {
			var err error
			markets, err = w.client.Markets()
			if err != nil {
				return fmt.Errorf("fetching markets: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("FetchPairs failed: %w", err)
		}

		pairs := make([]*market.Pair, 0, len(markets))
		for _, m := range markets {
			base, quote, ok := SplitSymbol(m.Symbol)
			if !ok {
				continue
			}
			pairs = append(pairs, &market.Pair{
				ID:       base + "-" + quote,
				Exchange: w.Name(),
				Base:     market.Currency{Exchange: w.Name(), Symbol: base},
				Quote:    market.Currency{Exchange: w.Name(), Symbol: quote},
				Fee:      w.fee,
			})
		}
		return pairs, nil
	}
}

// FetchOrderBook retrieves both book sides for a symbol as price-sorted
// tiers: bids best (highest) first, asks best (lowest) first.
func (w *WallexGateway) FetchOrderBook(ctx context.Context, symbol string) (bids, asks []market.Tier, err error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s FetchOrderBook timeout", w.Name())
		return nil, nil, ctx.Err()

	default:
		var rawAsks, rawBids []*wallex.MarketOrder
		err := retry(3, 2*time.Second, func() error {
			var err error
			rawAsks, rawBids, err = w.client.MarketOrders(NormalizeSymbol(symbol))
			if err != nil {
				return fmt.Errorf("fetching orderbook: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("orderbook failed: %w", err)
		}

		toTiers := func(orders []*wallex.MarketOrder) []market.Tier {
			tiers := make([]market.Tier, 0, len(orders))
			for _, o := range orders {
				tiers = append(tiers, market.Tier{
					Price:  decFromNumber(&o.Price),
					Volume: decFromNumber(&o.Quantity),
				})
			}
			return tiers
		}
		return toTiers(rawBids), toTiers(rawAsks), nil
	}
}

// NormalizeSymbol flattens a pair id ("BTC-USDT") into exchange form.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "")
}

// SplitSymbol recovers base and quote from a flat symbol by quote
// suffix.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q, true
		}
	}
	return "", "", false
}

func decFromNumber(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(*n))
	if err != nil {
		return decimal.Zero
	}
	return d
}
