// Package market
package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the traversal direction of a pair within a loop.
type Direction int

const (
	// BaseToQuote sells the base currency into the bid side.
	BaseToQuote Direction = iota
	// QuoteToBase buys the base currency from the ask side.
	QuoteToBase
)

func (d Direction) String() string {
	if d == BaseToQuote {
		return "base->quote"
	}
	return "quote->base"
}

// Currency identifies a tradable asset scoped to one exchange.
// It is a comparable value type and safe to use as a map key.
type Currency struct {
	Exchange string
	Symbol   string
}

func (c Currency) String() string {
	return c.Symbol + "@" + c.Exchange
}

// Tier is one (price, volume) entry of an order book side.
// Price is quoted in quote units per base unit; Volume is in base units.
type Tier struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// virtualDepth is the stand-in depth of a cross-exchange link. The
// evaluator's liquidity budget caps consumption long before this.
var virtualDepth = decimal.New(1, 30)

// Pair is an immutable snapshot of one tradable relationship between two
// currencies. Pairs are read-only to the trading core; the market-data
// layer replaces whole snapshots instead of mutating them.
type Pair struct {
	ID       string
	Exchange string
	Base     Currency
	Quote    Currency

	// Fee is the fraction of traded volume charged per trade, >= 0.
	Fee decimal.Decimal

	// Bids and Asks are ordered best price first (highest bid, lowest ask).
	Bids []Tier
	Asks []Tier

	// MinBase and MaxBase bound the base-denominated trade size the
	// exchange accepts. A zero MaxBase means unbounded.
	MinBase decimal.Decimal
	MaxBase decimal.Decimal

	// Virtual marks a non-tradable cross-exchange link ("the same symbol
	// on two different exchanges").
	Virtual bool
}

// NewVirtualPair links the same symbol across two exchanges with a 1:1
// rate, unlimited depth and no fee.
func NewVirtualPair(symbol, fromExchange, toExchange string) *Pair {
	base := Currency{Exchange: fromExchange, Symbol: symbol}
	quote := Currency{Exchange: toExchange, Symbol: symbol}
	one := decimal.NewFromInt(1)
	return &Pair{
		ID:       fmt.Sprintf("virtual:%s:%s-%s", symbol, fromExchange, toExchange),
		Exchange: fromExchange,
		Base:     base,
		Quote:    quote,
		Bids:     []Tier{{Price: one, Volume: virtualDepth}},
		Asks:     []Tier{{Price: one, Volume: virtualDepth}},
		Virtual:  true,
	}
}

// Touches reports whether c is one of the pair's endpoints.
func (p *Pair) Touches(c Currency) bool {
	return p.Base == c || p.Quote == c
}

// Other returns the opposite endpoint of c, or false when c is not an
// endpoint of the pair.
func (p *Pair) Other(c Currency) (Currency, bool) {
	switch c {
	case p.Base:
		return p.Quote, true
	case p.Quote:
		return p.Base, true
	}
	return Currency{}, false
}

// DirectionFrom returns the traversal direction entering the pair at c.
func (p *Pair) DirectionFrom(c Currency) (Direction, error) {
	switch c {
	case p.Base:
		return BaseToQuote, nil
	case p.Quote:
		return QuoteToBase, nil
	}
	return 0, fmt.Errorf("currency %s is not an endpoint of pair %s", c, p.ID)
}

// Book returns the order book side consumed when traversing the pair in
// direction d, best price first.
func (p *Pair) Book(d Direction) []Tier {
	if d == BaseToQuote {
		return p.Bids
	}
	return p.Asks
}

// LegBook returns the pair's order book normalized to the traversal
// entering at from: each tier's Volume is in the incoming currency and
// Price is the through-rate (outgoing units per incoming unit).
// Selling base consumes bids at the quoted price; buying base consumes
// asks at the inverted price, with the ask volume converted from base
// into quote terms.
func (p *Pair) LegBook(from Currency) ([]Tier, error) {
	d, err := p.DirectionFrom(from)
	if err != nil {
		return nil, err
	}
	side := p.Book(d)
	out := make([]Tier, 0, len(side))
	for _, t := range side {
		if !t.Price.IsPositive() || !t.Volume.IsPositive() {
			continue
		}
		if d == BaseToQuote {
			out = append(out, Tier{Price: t.Price, Volume: t.Volume})
		} else {
			out = append(out, Tier{
				Price:  decimal.NewFromInt(1).Div(t.Price),
				Volume: t.Volume.Mul(t.Price),
			})
		}
	}
	return out, nil
}

// BaseVolume converts a leg's incoming-currency volume into the pair's
// base-denominated trade size, which is what exchange min/max bounds and
// order submission are expressed in.
func (p *Pair) BaseVolume(from Currency, inVolume decimal.Decimal) (decimal.Decimal, error) {
	d, err := p.DirectionFrom(from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d == BaseToQuote {
		return inVolume, nil
	}
	// Incoming quote volume buys base tier by tier.
	remaining := inVolume
	base := decimal.Zero
	for _, t := range p.Asks {
		if !remaining.IsPositive() {
			break
		}
		quoteAtTier := t.Volume.Mul(t.Price)
		if quoteAtTier.GreaterThanOrEqual(remaining) {
			base = base.Add(remaining.Div(t.Price))
			remaining = decimal.Zero
			break
		}
		base = base.Add(t.Volume)
		remaining = remaining.Sub(quoteAtTier)
	}
	if remaining.IsPositive() && len(p.Asks) > 0 {
		// Book too shallow; price the tail at the worst tier.
		worst := p.Asks[len(p.Asks)-1].Price
		base = base.Add(remaining.Div(worst))
	}
	return base, nil
}

// WithinBounds reports whether a base-denominated trade size satisfies
// the pair's exchange-imposed limits.
func (p *Pair) WithinBounds(baseVolume decimal.Decimal) bool {
	if p.Virtual {
		return true
	}
	if baseVolume.LessThan(p.MinBase) {
		return false
	}
	if p.MaxBase.IsPositive() && baseVolume.GreaterThan(p.MaxBase) {
		return false
	}
	return true
}

// Catalog is the read API over the current set of tradable pairs.
type Catalog interface {
	Pairs() []*Pair
}

// Snapshot is an immutable Catalog over a fixed pair list.
type Snapshot struct {
	pairs []*Pair
}

func NewSnapshot(pairs []*Pair) *Snapshot {
	cp := make([]*Pair, len(pairs))
	copy(cp, pairs)
	return &Snapshot{pairs: cp}
}

func (s *Snapshot) Pairs() []*Pair {
	return s.pairs
}
