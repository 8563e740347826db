// Package exchange
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/market"
)

// Side is the exchange-level order side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Order statuses as the gateway reports them.
const (
	StatusNew      = "NEW"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
	StatusRejected = "REJECTED"
)

// TradeRequest is one loop leg expressed in exchange terms: a limit
// order on a pair. Direction QuoteToBase buys the base with quote,
// BaseToQuote sells the base for quote.
type TradeRequest struct {
	Pair      *market.Pair
	Direction market.Direction
	Price     decimal.Decimal // quote per base
	BaseQty   decimal.Decimal
}

// Side maps the traversal direction onto the order side.
func (r TradeRequest) Side() Side {
	if r.Direction == market.QuoteToBase {
		return Buy
	}
	return Sell
}

// TradeAck is the exchange's acknowledgement that an order was accepted
// into its book. Acceptance is not execution; the fill arrives later.
type TradeAck struct {
	OrderID     string
	SubmittedAt time.Time
}

// Fill is the terminal state of a submitted order.
type Fill struct {
	OrderID   string
	Status    string
	FilledQty decimal.Decimal // base currency
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}

// Filled reports whether the order executed in full.
func (f Fill) Filled() bool { return f.Status == StatusFilled }

// Executed reports whether any volume traded. A canceled order with a
// nonzero executed quantity is a partial fill, a valid outcome.
func (f Fill) Executed() bool { return f.FilledQty.IsPositive() }

// Balance is an exchange-level asset balance.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	Total     decimal.Decimal
	Fiat      bool
}

// Gateway is the order-side interface to an exchange. Submission and
// settlement are split so a caller can dispatch legs in order, treating
// each ack as the point of no return, and then wait on all fills
// together. OrderStatus is the non-blocking peek used by the open-order
// sweeper; AwaitFill blocks until the order is terminal.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, req TradeRequest) (TradeAck, error)
	AwaitFill(ctx context.Context, orderID string) (Fill, error)
	OrderStatus(ctx context.Context, orderID string) (Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchBalances(ctx context.Context) (map[string]Balance, error)
}

// MarketSource feeds the pair catalog: tradable pairs and their books.
type MarketSource interface {
	FetchPairs(ctx context.Context) ([]*market.Pair, error)
	FetchOrderBook(ctx context.Context, symbol string) (bids, asks []market.Tier, err error)
}
