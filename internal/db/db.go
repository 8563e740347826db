// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/journal"
)

// Event is the journaled event record.
type Event = journal.Event

// Order is the persisted form of one leg's exchange order.
type Order struct {
	OrderID   string
	LoopKey   string
	Symbol    string
	Side      string
	Type      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Status    string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Timestamp time.Time
	UpdatedAt time.Time
}

// LoopResult is the persisted summary of one executed loop.
type LoopResult struct {
	ID            int64
	LoopKey       string
	Path          string
	Direction     string
	StartCurrency string
	Status        string
	TradeVolume   decimal.Decimal
	TradeScale    decimal.Decimal
	GrossGain     decimal.Decimal
	TotalFee      decimal.Decimal
	NetGain       decimal.Decimal
	StartedAt     time.Time
	FinishedAt    time.Time
}

// OrderStore persists submitted orders and their fills.
type OrderStore interface {
	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string, filledQty, avgPrice decimal.Decimal, updatedAt time.Time) error
	CloseOrder(ctx context.Context, orderID string) error
}

// LoopResultStore persists executed loop summaries.
type LoopResultStore interface {
	SaveLoopResult(ctx context.Context, r LoopResult) (int64, error)
	GetLoopResults(ctx context.Context, start, end time.Time) ([]LoopResult, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	journal.Journaler
	OrderStore
	LoopResultStore
}
