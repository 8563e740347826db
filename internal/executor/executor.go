// Package executor turns one chosen, positively-scaled loop into live
// orders and reports the realized outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/balance"
	"github.com/amirphl/loop-trader/internal/exchange"
	"github.com/amirphl/loop-trader/internal/loop"
	"github.com/amirphl/loop-trader/internal/market"
	"github.com/amirphl/loop-trader/internal/notifier"
	"github.com/amirphl/loop-trader/internal/profit"
	"github.com/amirphl/loop-trader/internal/state"
	"github.com/amirphl/loop-trader/internal/utils"
)

// ErrTradingDisabled refuses an execution while the process-wide flag
// is down.
var ErrTradingDisabled = errors.New("trading disabled")

// ErrNotTradeable refuses a loop whose evaluation left no volume to
// trade.
var ErrNotTradeable = errors.New("loop is not tradeable")

// Status is the execution state machine position.
type Status int

const (
	Computed Status = iota
	ScalingChecked
	Submitting
	AwaitingFills
	Completed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Computed:
		return "computed"
	case ScalingChecked:
		return "scaling-checked"
	case Submitting:
		return "submitting"
	case AwaitingFills:
		return "awaiting-fills"
	case Completed:
		return "completed"
	default:
		return "aborted"
	}
}

// LegResult captures one leg's planned request and realized outcome.
// Virtual legs carry no order; their Ack and Fill stay zero.
type LegResult struct {
	Step     profit.LegStep
	InVolume decimal.Decimal // planned, in the leg's incoming currency
	Request  exchange.TradeRequest
	Ack      exchange.TradeAck
	Fill     exchange.Fill
	Err      error
}

// failed reports a terminal non-success for a dispatched leg. A
// partially executed order is not a failure: the traded volume is
// captured and settled, not escalated.
func (r *LegResult) failed() bool {
	if r.Step.Pair.Virtual {
		return false
	}
	if r.Err != nil {
		return true
	}
	return r.Fill.OrderID != "" && !r.Fill.Filled() && !r.Fill.Executed()
}

// Result is the outcome of one loop execution. Gains are in the loop's
// start currency; TotalFee follows the evaluator's fee composition but
// over realized rates, not pre-trade estimates.
type Result struct {
	Loop       *loop.Loop
	Status     Status
	Legs       []LegResult
	GrossGain  decimal.Decimal
	TotalFee   decimal.Decimal
	NetGain    decimal.Decimal
	StartedAt  time.Time
	FinishedAt time.Time
}

type Executor struct {
	gateway  exchange.Gateway
	balances *balance.Manager
	flags    *state.Flags
	notifier notifier.Notifier

	// one loop at a time, system-wide
	mu sync.Mutex
}

func New(gw exchange.Gateway, balances *balance.Manager, flags *state.Flags, n notifier.Notifier) *Executor {
	return &Executor{gateway: gw, balances: balances, flags: flags, notifier: n}
}

// Execute runs the state machine for one loop. A leg failure aborts the
// loop without compensation and latches trading off process-wide; the
// caller still receives the partial result. An insufficient hold is a
// refusal, not an abort.
func (e *Executor) Execute(ctx context.Context, l *loop.Loop) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.flags.TradingEnabled() {
		return nil, fmt.Errorf("%w: %s", ErrTradingDisabled, e.flags.DisableReason())
	}

	res := &Result{Loop: l, Status: Computed, StartedAt: time.Now().UTC()}

	legs, err := e.plan(l)
	if err != nil {
		return nil, err
	}
	res.Legs = legs

	// Revalidate bounds at the volumes about to be traded.
	for i := range legs {
		baseVol, err := legs[i].Step.Pair.BaseVolume(legs[i].Step.From, legs[i].InVolume)
		if err != nil {
			return nil, fmt.Errorf("checking scaling on %s: %w", legs[i].Step.Pair.ID, err)
		}
		if !legs[i].Step.Pair.WithinBounds(baseVol) {
			return nil, fmt.Errorf("%w: leg %s outside exchange bounds at scaled volume", ErrNotTradeable, legs[i].Step.Pair.ID)
		}
	}
	res.Status = ScalingChecked

	holds, err := e.placeHolds(legs)
	if err != nil {
		return nil, err
	}
	defer holds.release(e.balances)

	res.Status = Submitting
	e.dispatch(ctx, res)

	res.FinishedAt = time.Now().UTC()
	if failedLeg := firstFailure(res.Legs); failedLeg >= 0 {
		res.Status = Aborted
		// Cancellation before anything reached the exchange leaves no
		// position behind; it is a stop, not a failure.
		if ctx.Err() != nil && !anySubmitted(res.Legs) {
			return res, ctx.Err()
		}
		reason := fmt.Sprintf("leg %d (%s) failed during loop %s", failedLeg+1, res.Legs[failedLeg].Step.Pair.ID, l)
		e.flags.DisableTrading(reason)
		utils.GetLogger().Printf("Executor | %s; trading disabled", reason)
		if e.notifier != nil {
			e.notifier.SendWithRetry(fmt.Sprintf("Loop aborted, trading disabled: %s", reason))
		}
		return res, fmt.Errorf("loop aborted: %s", reason)
	}

	e.settle(res)
	res.Status = Completed
	for i := range res.Legs {
		leg := &res.Legs[i]
		if leg.Fill.OrderID != "" && !leg.Fill.Filled() {
			utils.GetLogger().Printf("Executor | leg %s partially filled: %s of %s",
				leg.Step.Pair.ID, leg.Fill.FilledQty, leg.Request.BaseQty)
		}
	}
	utils.GetLogger().Printf("Executor | loop %s completed: gross=%s fee=%s net=%s %s",
		l, res.GrossGain, res.TotalFee, res.NetGain, l.Start.Symbol)
	return res, nil
}

// plan recomputes the per-leg volumes from TradeVolume x TradeScale and
// builds the order for each tradable leg.
func (e *Executor) plan(l *loop.Loop) ([]LegResult, error) {
	volume := l.TradeVolume.Mul(l.TradeScale)
	if !volume.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNotTradeable, l.Tradeability)
	}

	steps, err := profit.Traversal(l, l.Direction)
	if err != nil {
		return nil, err
	}

	legs := make([]LegResult, len(steps))
	v := volume
	for i, s := range steps {
		legs[i] = LegResult{Step: s, InVolume: v}
		book, err := s.Pair.LegBook(s.From)
		if err != nil {
			return nil, err
		}
		out, absorbed := profit.Consume(book, v)
		if absorbed.LessThan(v) {
			return nil, fmt.Errorf("%w: book too shallow on %s", ErrNotTradeable, s.Pair.ID)
		}
		if !s.Pair.Virtual {
			dir, err := s.Pair.DirectionFrom(s.From)
			if err != nil {
				return nil, err
			}
			// Limit orders in base terms: selling the base offers v at
			// the average realized price, buying the base bids for the
			// output volume.
			baseQty, price := v, out.Div(v)
			if dir == market.QuoteToBase {
				baseQty, price = out, v.Div(out)
			}
			legs[i].Request = exchange.TradeRequest{
				Pair:      s.Pair,
				Direction: dir,
				Price:     price,
				BaseQty:   baseQty,
			}
		}
		v = out
	}
	return legs, nil
}

type heldFunds struct {
	ids  []balance.FundID
	uids []uuid.UUID
	done *atomic.Bool
}

func (h *heldFunds) release(m *balance.Manager) {
	h.done.Store(true)
	for i := range h.uids {
		_ = m.Release(h.ids[i], h.uids[i])
	}
}

// placeHolds reserves each leg's input volume plus fee headroom. Any
// refusal unwinds the holds already placed.
func (e *Executor) placeHolds(legs []LegResult) (*heldFunds, error) {
	done := &atomic.Bool{}
	needed := func() bool { return !done.Load() }
	h := &heldFunds{done: done}
	for i := range legs {
		s := legs[i].Step
		required := legs[i].InVolume.Mul(decimal.NewFromInt(1).Add(s.Pair.Fee))
		id := balance.Main(s.From)
		uid, err := e.balances.Hold(id, required, needed)
		if err != nil {
			h.release(e.balances)
			return nil, fmt.Errorf("holding %s %s for leg %s: %w", required, s.From, s.Pair.ID, err)
		}
		h.ids = append(h.ids, id)
		h.uids = append(h.uids, uid)
	}
	return h, nil
}

// dispatch submits tradable legs in traversal order and awaits fills
// concurrently. A failed submission, or a fill failure already
// observed, stops all further dispatches; legs in flight run to their
// terminal state.
func (e *Executor) dispatch(ctx context.Context, res *Result) {
	var wg sync.WaitGroup
	var failed atomic.Bool

	for i := range res.Legs {
		leg := &res.Legs[i]
		if leg.Step.Pair.Virtual {
			continue
		}
		if failed.Load() {
			leg.Err = fmt.Errorf("not submitted: an earlier leg failed")
			continue
		}
		select {
		case <-ctx.Done():
			leg.Err = fmt.Errorf("not submitted: %w", ctx.Err())
			failed.Store(true)
			continue
		default:
		}

		ack, err := e.gateway.Submit(ctx, leg.Request)
		if err != nil {
			leg.Err = fmt.Errorf("submitting: %w", err)
			failed.Store(true)
			continue
		}
		leg.Ack = ack

		res.Status = AwaitingFills
		wg.Add(1)
		go func(leg *LegResult) {
			defer wg.Done()
			fill, err := e.gateway.AwaitFill(ctx, leg.Ack.OrderID)
			if err != nil {
				leg.Err = fmt.Errorf("awaiting fill: %w", err)
				failed.Store(true)
				return
			}
			leg.Fill = fill
			if !fill.Filled() && !fill.Executed() {
				failed.Store(true)
			}
		}(leg)
	}
	wg.Wait()
}

// settle composes the realized gains and fees from the fills, walking
// the legs in order with each leg's realized rate.
func (e *Executor) settle(res *Result) {
	volume := res.Legs[0].InVolume
	v := volume
	fee := decimal.Zero
	for i := range res.Legs {
		leg := &res.Legs[i]
		if leg.Step.Pair.Virtual {
			continue
		}

		in, out := realized(leg)
		if !in.IsPositive() {
			continue
		}
		effRate := out.Div(in)
		fee = fee.Mul(effRate).Add(leg.Step.Pair.Fee.Mul(out))
		v = v.Mul(effRate)
	}
	res.GrossGain = v.Sub(volume)
	res.TotalFee = fee
	res.NetGain = v.Sub(fee).Sub(volume)
}

// realized converts a fill back into the leg's incoming/outgoing
// volumes.
func realized(leg *LegResult) (in, out decimal.Decimal) {
	qty, price := leg.Fill.FilledQty, leg.Fill.AvgPrice
	if leg.Request.Direction == market.BaseToQuote {
		return qty, qty.Mul(price)
	}
	return qty.Mul(price), qty
}

func anySubmitted(legs []LegResult) bool {
	for i := range legs {
		if legs[i].Ack.OrderID != "" {
			return true
		}
	}
	return false
}

func firstFailure(legs []LegResult) int {
	for i := range legs {
		if legs[i].failed() {
			return i
		}
	}
	return -1
}
