// Package loop
package loop

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/market"
)

// Direction is the traversal direction a loop is evaluated in.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// Loop is an ordered sequence of pairs forming a closed trading cycle:
// the "other" currency of pair i is an endpoint of pair i+1, and the
// final pair returns to Start. Scoring fields are filled in by the
// profitability evaluator.
type Loop struct {
	Pairs []*market.Pair
	Start market.Currency

	Direction        Direction
	Rate             []market.Tier
	TradeScale       decimal.Decimal
	TradeVolume      decimal.Decimal
	Profit           decimal.Decimal
	ProfitRatioFwd   decimal.Decimal
	ProfitRatioBck   decimal.Decimal
	LimitingCurrency market.Currency
	Tradeability     string
}

// ProfitRatio is the better of the two directional ratios.
func (l *Loop) ProfitRatio() decimal.Decimal {
	if l.ProfitRatioBck.GreaterThan(l.ProfitRatioFwd) {
		return l.ProfitRatioBck
	}
	return l.ProfitRatioFwd
}

// Nodes walks the cycle from Start and returns the visited currencies,
// one per leg. It fails when a pair does not touch the node the walk
// arrives at, which means the loop was constructed incorrectly.
func (l *Loop) Nodes() ([]market.Currency, error) {
	nodes := make([]market.Currency, 0, len(l.Pairs))
	cur := l.Start
	for _, p := range l.Pairs {
		nodes = append(nodes, cur)
		next, ok := p.Other(cur)
		if !ok {
			return nil, fmt.Errorf("pair %s does not touch %s", p.ID, cur)
		}
		cur = next
	}
	if cur != l.Start {
		return nil, fmt.Errorf("loop does not close: ended at %s, started at %s", cur, l.Start)
	}
	return nodes, nil
}

// HashKey returns a canonical key that is invariant under rotation and
// direction reversal: the same cycle of currencies and pairs always
// yields the same key, so duplicate discoveries collapse in a map.
func (l *Loop) HashKey() string {
	n := len(l.Pairs)
	if n == 0 {
		return ""
	}
	nodes, err := l.Nodes()
	if err != nil {
		// A malformed loop still needs a stable key; fall back to the
		// raw pair sequence.
		ids := make([]string, n)
		for i, p := range l.Pairs {
			ids[i] = p.ID
		}
		return "!" + strings.Join(ids, ";")
	}

	best := ""
	for dir := 0; dir < 2; dir++ {
		for r := 0; r < n; r++ {
			var sb strings.Builder
			for k := 0; k < n; k++ {
				var node market.Currency
				var pair *market.Pair
				if dir == 0 {
					node = nodes[(r+k)%n]
					pair = l.Pairs[(r+k)%n]
				} else {
					node = nodes[((r-k)%n+n)%n]
					pair = l.Pairs[((r-k-1)%n+n)%n]
				}
				sb.WriteString(node.String())
				sb.WriteByte('|')
				sb.WriteString(pair.ID)
				sb.WriteByte(';')
			}
			if s := sb.String(); best == "" || s < best {
				best = s
			}
		}
	}
	return best
}

func (l *Loop) String() string {
	nodes, err := l.Nodes()
	if err != nil {
		return fmt.Sprintf("broken-loop(%d pairs)", len(l.Pairs))
	}
	parts := make([]string, 0, len(nodes)+1)
	for _, n := range nodes {
		parts = append(parts, n.String())
	}
	parts = append(parts, l.Start.String())
	return strings.Join(parts, " -> ")
}
