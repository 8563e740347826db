// Package profit
package profit

import (
	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/market"
)

// MergeRates composes a running through-rate book with the next leg's
// order book, tier by tier.
//
// rates tiers carry Volume in the loop's start currency and Price as the
// accumulated through-rate into the current node's currency. leg tiers
// are normalized leg terms (market.Pair.LegBook): Volume in the current
// node's currency, Price the leg's outgoing-per-incoming rate. The
// result is the running book expressed in the next node's currency.
//
// For each output tier the lesser of the two accumulated volumes is
// matched in current-node terms; both sides advance on a tie. budget
// bounds the composed start-currency volume: once it is exceeded the
// merge stops, which keeps deep books cheap to compose. A zero or
// negative budget means unbounded.
//
// Tier-by-tier composition matters: a loop can be profitable at the top
// of the books only, and an average rate would hide that band.
func MergeRates(rates, leg []market.Tier, budget decimal.Decimal) []market.Tier {
	out := make([]market.Tier, 0, len(rates)+len(leg))
	if len(rates) == 0 || len(leg) == 0 {
		return out
	}

	i, j := 0, 0
	aLeft := rates[0].Volume.Mul(rates[0].Price) // current-node units left in rates[i]
	bLeft := leg[0].Volume                       // current-node units left in leg[j]
	used := decimal.Zero                         // start-currency volume composed so far

	for i < len(rates) && j < len(leg) {
		matched := aLeft
		if bLeft.LessThan(matched) {
			matched = bLeft
		}
		if matched.IsPositive() {
			startVol := matched.Div(rates[i].Price)
			out = append(out, market.Tier{
				Price:  rates[i].Price.Mul(leg[j].Price),
				Volume: startVol,
			})
			used = used.Add(startVol)
			if budget.IsPositive() && used.GreaterThanOrEqual(budget) {
				break
			}
		}
		aLeft = aLeft.Sub(matched)
		bLeft = bLeft.Sub(matched)
		if !aLeft.IsPositive() {
			i++
			if i < len(rates) {
				aLeft = rates[i].Volume.Mul(rates[i].Price)
			}
		}
		if !bLeft.IsPositive() {
			j++
			if j < len(leg) {
				bLeft = leg[j].Volume
			}
		}
	}
	return out
}

// Consume walks a normalized leg book with inVolume of the incoming
// currency and returns the realized outgoing volume. The second result
// is the incoming volume actually absorbed, which is lower than asked
// when the book is too shallow.
func Consume(leg []market.Tier, inVolume decimal.Decimal) (outVolume, absorbed decimal.Decimal) {
	remaining := inVolume
	out := decimal.Zero
	for _, t := range leg {
		if !remaining.IsPositive() {
			break
		}
		m := t.Volume
		if remaining.LessThan(m) {
			m = remaining
		}
		out = out.Add(m.Mul(t.Price))
		remaining = remaining.Sub(m)
	}
	return out, inVolume.Sub(remaining)
}
