package balance

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/amirphl/loop-trader/internal/market"
)

// Property: for any sequence of assigns, changes, holds and releases the
// Main == ExchangeTotal - sum(named) invariant holds, Validate stays
// clean, and a hold never succeeds beyond the available amount.
func TestProperty_FundAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager()
		cur := market.Currency{Exchange: "wallex", Symbol: "BTC"}
		names := []string{MainFund, "arb", "grid"}
		now := time.Now()

		exchangeTotal := int64(rapid.IntRange(100, 10_000).Draw(t, "exchangeTotal"))
		total := decimal.NewFromInt(exchangeTotal)
		zero := decimal.Zero
		m.AssignFundBalance(Main(cur), &total, &zero, now)

		type liveHold struct {
			fund FundID
			id   uuid.UUID
			vol  decimal.Decimal
		}
		var holds []liveHold
		alive := func() bool { return true }

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			fund := FundID{Currency: cur, Name: rapid.SampledFrom(names).Draw(t, "fund")}
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0: // assign a named allocation within the exchange total
				if fund.Name == MainFund {
					continue
				}
				alloc := decimal.NewFromInt(int64(rapid.IntRange(0, 50).Draw(t, "alloc")))
				m.AssignFundBalance(fund, &alloc, nil, now)
			case 1: // small relative change, kept non-negative
				if fund.Name == MainFund {
					continue
				}
				if m.Available(fund).GreaterThanOrEqual(decimal.NewFromInt(5)) {
					delta := decimal.NewFromInt(-1)
					m.ChangeFundBalance(fund, &delta, nil, now)
				}
			case 2: // hold
				avail := m.Available(fund)
				want := decimal.NewFromInt(int64(rapid.IntRange(1, 100).Draw(t, "want")))
				id, err := m.Hold(fund, want, alive)
				if want.GreaterThan(avail) {
					if err == nil {
						t.Fatalf("hold of %s granted with only %s available on %s", want, avail, fund)
					}
				} else if err != nil {
					t.Fatalf("hold of %s refused with %s available on %s: %v", want, avail, fund, err)
				} else {
					holds = append(holds, liveHold{fund: fund, id: id, vol: want})
				}
			case 3: // release
				if len(holds) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(holds)-1).Draw(t, "idx")
				h := holds[idx]
				before := m.Available(h.fund)
				if err := m.Release(h.fund, h.id); err != nil {
					t.Fatalf("release failed: %v", err)
				}
				after := m.Available(h.fund)
				// Reassignments may have shrunk the fund below its
				// holds, where availability floors at zero; releasing
				// still never reduces it.
				if after.LessThan(before) {
					t.Fatalf("release of %s reduced available from %s to %s", h.vol, before, after)
				}
				holds = append(holds[:idx], holds[idx+1:]...)
			}

			if err := m.Validate(); err != nil {
				t.Fatalf("invariant broken after step %d: %v", i, err)
			}
		}
	})
}
