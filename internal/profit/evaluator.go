package profit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/balance"
	"github.com/amirphl/loop-trader/internal/loop"
	"github.com/amirphl/loop-trader/internal/market"
)

// ErrLoopInvariant marks a loop whose leg currencies do not line up with
// its traversal. It is a programming-error class: evaluation of that one
// loop aborts, never the batch.
var ErrLoopInvariant = errors.New("loop invariant violated")

var one = decimal.NewFromInt(1)

// unboundedSeed stands in for "no balance yet" so a loop can still be
// ranked by its raw through-rate.
var unboundedSeed = decimal.New(1, 30)

// Config carries the evaluator's heuristic constants. They are tuning
// knobs, not algorithm parameters, and live in configuration.
type Config struct {
	// SafetyMargin is the fraction of an available balance a leg may
	// consume, absorbing rounding drift between us and the exchange.
	SafetyMargin decimal.Decimal
	// FeeEpsilon treats accumulated fees below it as zero.
	FeeEpsilon decimal.Decimal
	// Workers sizes the scoring worker pool.
	Workers int
}

func (c Config) withDefaults() Config {
	if !c.SafetyMargin.IsPositive() {
		c.SafetyMargin = decimal.NewFromFloat(0.999)
	}
	if c.FeeEpsilon.IsNegative() {
		c.FeeEpsilon = decimal.Zero
	}
	if c.Workers < 1 {
		c.Workers = 4
	}
	return c
}

// Evaluator scores loops against live order books and the trader's
// available balances.
type Evaluator struct {
	cfg      Config
	balances *balance.Manager
}

func NewEvaluator(cfg Config, balances *balance.Manager) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults(), balances: balances}
}

// LegStep is one pair traversed from a concrete incoming currency.
type LegStep struct {
	Pair *market.Pair
	From market.Currency
}

// Traversal expands a loop into its leg steps for one direction.
func Traversal(l *loop.Loop, dir loop.Direction) ([]LegStep, error) {
	nodes, err := l.Nodes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoopInvariant, err)
	}
	n := len(l.Pairs)
	steps := make([]LegStep, n)
	for k := 0; k < n; k++ {
		if dir == loop.Forward {
			steps[k] = LegStep{Pair: l.Pairs[k], From: nodes[k]}
		} else {
			steps[k] = LegStep{Pair: l.Pairs[n-1-k], From: nodes[(n-k)%n]}
		}
	}
	return steps, nil
}

type directional struct {
	ratio    decimal.Decimal // best-tier through-rate, before fees
	netRatio decimal.Decimal // fee-adjusted whole-loop ratio
	rate     []market.Tier
	volume   decimal.Decimal // candidate trade volume in the start currency
	profit   decimal.Decimal // net start-currency gain at full volume
	scale    decimal.Decimal
	limiting market.Currency
	reason   string
}

// Evaluate scores a loop in both directions and fills in its trading
// fields from the better one.
func (e *Evaluator) Evaluate(l *loop.Loop) error {
	fwd, err := e.score(l, loop.Forward)
	if err != nil {
		return err
	}
	bck, err := e.score(l, loop.Backward)
	if err != nil {
		return err
	}

	l.ProfitRatioFwd = fwd.ratio
	l.ProfitRatioBck = bck.ratio

	chosen, dir := fwd, loop.Forward
	if bck.netRatio.GreaterThan(fwd.netRatio) ||
		(bck.netRatio.Equal(fwd.netRatio) && bck.ratio.GreaterThan(fwd.ratio)) {
		chosen, dir = bck, loop.Backward
	}

	l.Direction = dir
	l.Rate = chosen.rate
	l.TradeVolume = chosen.volume
	l.TradeScale = chosen.scale
	l.Profit = chosen.profit.Mul(chosen.scale)
	l.LimitingCurrency = chosen.limiting
	l.Tradeability = fmt.Sprintf("%s: %s", dir, chosen.reason)
	return nil
}

func (e *Evaluator) score(l *loop.Loop, dir loop.Direction) (directional, error) {
	d := directional{
		ratio:    decimal.Zero,
		netRatio: decimal.Zero,
		scale:    decimal.Zero,
	}
	steps, err := Traversal(l, dir)
	if err != nil {
		return d, err
	}
	if len(steps) == 0 {
		return d, fmt.Errorf("%w: loop has no legs", ErrLoopInvariant)
	}

	start := steps[0].From
	budget := e.balances.Available(balance.Main(start))
	seed := budget
	if !seed.IsPositive() {
		seed = unboundedSeed
	}

	// Compose the whole-loop order book from a unit of start currency.
	book := []market.Tier{{Price: one, Volume: seed}}
	legBooks := make([][]market.Tier, len(steps))
	for i, s := range steps {
		lb, err := s.Pair.LegBook(s.From)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrLoopInvariant, err)
		}
		if len(lb) == 0 {
			d.reason = fmt.Sprintf("no liquidity on %s", s.Pair.ID)
			return d, nil
		}
		legBooks[i] = lb
		book = MergeRates(book, lb, budget)
		if len(book) == 0 {
			d.reason = fmt.Sprintf("no composable volume through %s", s.Pair.ID)
			return d, nil
		}
	}
	d.rate = book
	d.ratio = book[0].Price

	volume := decimal.Zero
	for _, t := range book {
		if t.Price.GreaterThan(one) {
			volume = volume.Add(t.Volume)
		}
	}
	d.volume = volume
	if !volume.IsPositive() {
		d.reason = "no profitable volume band"
		return d, nil
	}

	// Second pass: walk the candidate volume through the legs, carrying
	// the accumulated fee in each leg's incoming currency.
	inVols := make([]decimal.Decimal, len(steps))
	v := volume
	fee := decimal.Zero
	for i, s := range steps {
		inVols[i] = v
		out, absorbed := Consume(legBooks[i], v)
		if absorbed.LessThan(v) {
			d.reason = fmt.Sprintf("book too shallow on %s", s.Pair.ID)
			return d, nil
		}
		effRate := out.Div(v)
		fee = fee.Mul(effRate).Add(s.Pair.Fee.Mul(out))
		v = out
	}
	if fee.Abs().LessThan(e.cfg.FeeEpsilon) {
		fee = decimal.Zero
	}
	d.netRatio = v.Sub(fee).Div(volume)
	d.profit = v.Sub(fee).Sub(volume)
	if d.netRatio.LessThanOrEqual(one) {
		d.reason = fmt.Sprintf("fees erase gain (net ratio %s)", d.netRatio.StringFixed(6))
		return d, nil
	}

	// Scale the loop down to what the balances can actually carry.
	scale := one
	limiting := start
	for i, s := range steps {
		required := inVols[i].Mul(one.Add(s.Pair.Fee))
		if !required.IsPositive() {
			continue
		}
		avail := e.balances.Available(balance.Main(s.From)).Mul(e.cfg.SafetyMargin)
		frac := avail.Div(required)
		if frac.LessThan(scale) {
			scale = frac
			limiting = s.From
		}
	}
	if scale.IsNegative() {
		scale = decimal.Zero
	}
	d.limiting = limiting

	// A scaled-down loop must still clear every leg's exchange bounds;
	// a loop that would be rejected on one leg must not run at all.
	if scale.IsPositive() {
		for i, s := range steps {
			baseVol, err := s.Pair.BaseVolume(s.From, inVols[i].Mul(scale))
			if err != nil {
				return d, fmt.Errorf("%w: %v", ErrLoopInvariant, err)
			}
			if !s.Pair.WithinBounds(baseVol) {
				scale = decimal.Zero
				d.reason = fmt.Sprintf("scaled size %s on %s outside exchange bounds",
					baseVol.StringFixed(8), s.Pair.ID)
				break
			}
		}
	}
	d.scale = scale
	if d.reason == "" {
		if scale.IsPositive() {
			d.reason = fmt.Sprintf("tradeable at scale %s", scale.StringFixed(4))
		} else {
			d.reason = fmt.Sprintf("insufficient %s balance", limiting)
		}
	}
	return d, nil
}

// EvaluateAll scores many loops over a fixed-size worker pool and
// returns the successfully scored ones ranked by descending profit
// ratio. Loops that violate construction invariants are logged and
// dropped without failing the batch.
func (e *Evaluator) EvaluateAll(ctx context.Context, loops []*loop.Loop) []*loop.Loop {
	in := make(chan *loop.Loop)
	var mu sync.Mutex
	scored := make([]*loop.Loop, 0, len(loops))

	var wg sync.WaitGroup
	for w := 0; w < e.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range in {
				if err := e.Evaluate(l); err != nil {
					log.Printf("Evaluator | skipping loop %s: %v", l, err)
					continue
				}
				mu.Lock()
				scored = append(scored, l)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, l := range loops {
		select {
		case in <- l:
		case <-ctx.Done():
			break feed
		}
	}
	close(in)
	wg.Wait()

	SortByProfitRatio(scored)
	return scored
}

// SortByProfitRatio orders loops best first.
func SortByProfitRatio(loops []*loop.Loop) {
	sort.Slice(loops, func(i, j int) bool {
		return loops[i].ProfitRatio().GreaterThan(loops[j].ProfitRatio())
	})
}
