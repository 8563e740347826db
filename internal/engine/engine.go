// Package engine
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/loop-trader/internal/balance"
	"github.com/amirphl/loop-trader/internal/config"
	"github.com/amirphl/loop-trader/internal/db"
	"github.com/amirphl/loop-trader/internal/exchange"
	"github.com/amirphl/loop-trader/internal/executor"
	"github.com/amirphl/loop-trader/internal/loop"
	"github.com/amirphl/loop-trader/internal/market"
	"github.com/amirphl/loop-trader/internal/notifier"
	"github.com/amirphl/loop-trader/internal/profit"
	"github.com/amirphl/loop-trader/internal/state"
)

// Deps wires the trading core together for one run.
type Deps struct {
	Catalog   *exchange.Catalog
	Gateway   exchange.Gateway
	Balances  *balance.Manager
	Evaluator *profit.Evaluator
	Executor  *executor.Executor
	Flags     *state.Flags
	Storage   db.Storage
	Notifier  notifier.Notifier
}

// Run drives the continuous search cycle until the context ends:
// refresh the catalog, sync balances, enumerate loops, score them,
// and execute the best tradable one. Everything the cycle decides is
// journaled through the storage layer.
func Run(ctx context.Context, cfg config.Config, deps Deps) {
	// Setup recovery in case of panic
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Engine | Recovered from panic in trading cycle: %v", r)
			if deps.Notifier != nil {
				deps.Notifier.Send(fmt.Sprintf("PANIC in trading system: %v", r))
			}
		}
	}()

	cycleInterval := cfg.CycleInterval.Std()
	if cycleInterval <= 0 {
		cycleInterval = 5 * time.Second
	}
	checkInterval := cfg.OrderCheckInterval.Std()
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}

	go orderStatusChecker(ctx, deps.Storage, deps.Gateway, checkInterval)

	log.Printf("Engine | Starting trading cycle (interval %s, max %d legs)",
		cycleInterval, cfg.MaxLoopCount)

	for {
		select {
		case <-ctx.Done():
			log.Println("Engine | Trading cycle stopped")
			return
		default:
		}

		if err := runCycle(ctx, cfg, deps); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Println("Engine | Trading cycle stopped")
				return
			}
			log.Printf("Engine | Cycle failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Println("Engine | Trading cycle stopped")
			return
		case <-time.After(cycleInterval):
		}
	}
}

// runCycle performs one full search-evaluate-execute pass.
func runCycle(ctx context.Context, cfg config.Config, deps Deps) error {
	if !deps.Flags.SearchActive() {
		return nil
	}

	refresh := func() error { return deps.Catalog.Refresh(ctx) }
	var err error
	if deps.Notifier != nil {
		err = deps.Notifier.RetryWithNotification(refresh, "catalog refresh")
	} else {
		err = refresh()
	}
	if err != nil {
		return fmt.Errorf("refreshing catalog: %w", err)
	}

	if err := syncBalances(ctx, deps.Gateway, deps.Balances); err != nil {
		// Stale balances only shrink the tradable scale; keep going.
		log.Printf("Engine | Balance sync failed, using last snapshot: %v", err)
	}

	loops, err := loop.Search(ctx, deps.Catalog, loop.SearchConfig{
		MaxLoopCount: cfg.MaxLoopCount,
		Workers:      cfg.SearchWorkers,
	})
	if err != nil {
		return fmt.Errorf("searching loops: %w", err)
	}
	if len(loops) == 0 {
		return nil
	}

	ranked := deps.Evaluator.EvaluateAll(ctx, loops)
	best := pickTradeable(ranked)
	if best == nil {
		log.Printf("Engine | Scored %d loops, none tradable", len(ranked))
		return nil
	}

	log.Printf("Engine | Best loop %s: ratio=%s volume=%s scale=%s profit=%s %s",
		best, best.ProfitRatio(), best.TradeVolume, best.TradeScale, best.Profit, best.Start.Symbol)

	if !deps.Flags.TradingEnabled() {
		log.Printf("Engine | Trading disabled (%s), not executing", deps.Flags.DisableReason())
		return nil
	}

	res, execErr := deps.Executor.Execute(ctx, best)
	if res != nil {
		journalResult(ctx, deps.Storage, res)
	}
	if execErr != nil {
		if errors.Is(execErr, balance.ErrInsufficientBalance) ||
			errors.Is(execErr, executor.ErrNotTradeable) ||
			errors.Is(execErr, executor.ErrTradingDisabled) {
			// Refusals are normal cycle outcomes, not failures.
			log.Printf("Engine | Loop %s not executed: %v", best, execErr)
			return nil
		}
		return fmt.Errorf("executing loop %s: %w", best, execErr)
	}

	if deps.Notifier != nil {
		deps.Notifier.SendWithRetry(fmt.Sprintf(
			"Loop completed: %s\nvolume=%s scale=%s net=%s %s",
			best, best.TradeVolume, best.TradeScale, res.NetGain, best.Start.Symbol))
	}
	return nil
}

// pickTradeable returns the best-ranked loop that evaluation left with
// volume to trade and a positive expected gain.
func pickTradeable(ranked []*loop.Loop) *loop.Loop {
	for _, l := range ranked {
		if l.TradeScale.IsPositive() && l.Profit.IsPositive() {
			return l
		}
	}
	return nil
}

// syncBalances overwrites the main fund of every asset with the
// exchange's view, including the exchange-locked amount so holds and
// scaling never count funds the exchange won't release. Holds placed by
// an execution in flight are never concurrent with this; the cycle is
// sequential.
func syncBalances(ctx context.Context, gw exchange.Gateway, balances *balance.Manager) error {
	fetched, err := gw.FetchBalances(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for asset, b := range fetched {
		total, held := b.Total, b.Locked
		id := balance.Main(market.Currency{Exchange: gw.Name(), Symbol: asset})
		balances.AssignFundBalance(id, &total, &held, now)
	}
	return nil
}

// journalResult persists the loop summary, its per-leg orders and a
// journal event. Persistence failures are logged, never fatal; the
// trade already happened.
func journalResult(ctx context.Context, storage db.Storage, res *executor.Result) {
	loopKey := res.Loop.HashKey()

	id, err := storage.SaveLoopResult(ctx, db.LoopResult{
		LoopKey:       loopKey,
		Path:          res.Loop.String(),
		Direction:     res.Loop.Direction.String(),
		StartCurrency: res.Loop.Start.String(),
		Status:        res.Status.String(),
		TradeVolume:   res.Loop.TradeVolume,
		TradeScale:    res.Loop.TradeScale,
		GrossGain:     res.GrossGain,
		TotalFee:      res.TotalFee,
		NetGain:       res.NetGain,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
	})
	if err != nil {
		log.Printf("Engine | Failed to save loop result for %s: %v", res.Loop, err)
	}

	for _, leg := range res.Legs {
		if leg.Ack.OrderID == "" {
			continue
		}
		order := db.Order{
			OrderID:   leg.Ack.OrderID,
			LoopKey:   loopKey,
			Symbol:    leg.Step.Pair.ID,
			Side:      string(leg.Request.Side()),
			Type:      "LIMIT",
			Price:     leg.Request.Price,
			Quantity:  leg.Request.BaseQty,
			Status:    leg.Fill.Status,
			FilledQty: leg.Fill.FilledQty,
			AvgPrice:  leg.Fill.AvgPrice,
			Timestamp: leg.Ack.SubmittedAt,
			UpdatedAt: leg.Fill.UpdatedAt,
		}
		if order.Status == "" {
			order.Status = exchange.StatusNew
			order.UpdatedAt = leg.Ack.SubmittedAt
		}
		if err := storage.SaveOrder(ctx, order); err != nil {
			log.Printf("Engine | Failed to save order %s: %v", order.OrderID, err)
		}
	}

	if err := storage.LogEvent(ctx, db.Event{
		Time:        res.FinishedAt,
		Type:        "loop",
		Description: "loop_" + res.Status.String(),
		Data: map[string]any{
			"loop_key": loopKey,
			"path":     res.Loop.String(),
			"id":       id,
			"net_gain": res.NetGain.String(),
		},
	}); err != nil {
		log.Printf("Engine | Failed to journal loop event for %s: %v", res.Loop, err)
	}
}

// staleOrderAge is how long an open order may sit unfilled before the
// sweeper cancels it on the exchange.
const staleOrderAge = 15 * time.Minute

// orderStatusChecker periodically sweeps open orders in storage against
// the exchange: terminal orders are closed, and orders still resting
// past staleOrderAge are cancelled so their funds come back.
func orderStatusChecker(ctx context.Context, storage db.Storage, gw exchange.Gateway, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	log.Println("orderStatusChecker | Starting order status checker")

	for {
		select {
		case <-ctx.Done():
			log.Println("orderStatusChecker | Order status checker stopped")
			return
		case <-ticker.C:
			orders, err := storage.GetOpenOrders(ctx)
			if err != nil {
				log.Printf("orderStatusChecker | Failed to fetch open orders: %v", err)
				continue
			}
			if len(orders) == 0 {
				continue
			}

			log.Printf("orderStatusChecker | Checking status of %d open orders", len(orders))

			for _, o := range orders {
				fill, err := gw.OrderStatus(ctx, o.OrderID)
				if err != nil {
					log.Printf("orderStatusChecker | Error fetching order status for %s: %v", o.OrderID, err)
					continue
				}

				switch fill.Status {
				case exchange.StatusFilled, exchange.StatusCanceled, exchange.StatusRejected:
					log.Printf("orderStatusChecker | Order %s %s", o.OrderID, fill.Status)
					if err := storage.UpdateOrderStatus(ctx, o.OrderID, fill.Status, fill.FilledQty, fill.AvgPrice, fill.UpdatedAt); err != nil {
						log.Printf("orderStatusChecker | Failed to update order %s: %v", o.OrderID, err)
						continue
					}
					storage.LogEvent(ctx, db.Event{
						Time:        time.Now(),
						Type:        "order",
						Description: "status_check_order_terminal",
						Data:        map[string]any{"order_id": o.OrderID, "status": fill.Status},
					})
					if err := storage.CloseOrder(ctx, o.OrderID); err != nil {
						log.Printf("orderStatusChecker | Failed to close order %s: %v", o.OrderID, err)
					}
				default:
					if time.Since(o.Timestamp) < staleOrderAge {
						continue
					}
					log.Printf("orderStatusChecker | Cancelling stale order %s (%s since %s)",
						o.OrderID, fill.Status, o.Timestamp.Format(time.RFC3339))
					if err := gw.CancelOrder(ctx, o.OrderID); err != nil {
						log.Printf("orderStatusChecker | Failed to cancel order %s: %v", o.OrderID, err)
						continue
					}
					storage.LogEvent(ctx, db.Event{
						Time:        time.Now(),
						Type:        "order",
						Description: "status_check_order_cancelled",
						Data:        map[string]any{"order_id": o.OrderID, "status": fill.Status},
					})
				}
			}
		}
	}
}
