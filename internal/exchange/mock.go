// Package exchange
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/utils"
)

// MockGateway is an in-memory Gateway for dry runs and tests. Orders
// fill instantly at the requested price unless scripted otherwise.
type MockGateway struct {
	mu           sync.Mutex
	name         string
	orderCounter int64
	balances     map[string]Balance
	failSubmit   map[string]error           // pair id -> submission error
	failFill     map[string]string          // pair id -> terminal status
	partialFill  map[string]decimal.Decimal // pair id -> executed base qty
	submitted    []TradeRequest
	fills        map[string]Fill
	fillDelay    time.Duration
}

func NewMockGateway(name string) *MockGateway {
	return &MockGateway{
		name:         name,
		orderCounter: 1000, // Start from 1000 for mock order IDs
		balances:     make(map[string]Balance),
		failSubmit:   make(map[string]error),
		failFill:     make(map[string]string),
		partialFill:  make(map[string]decimal.Decimal),
		fills:        make(map[string]Fill),
	}
}

func (m *MockGateway) Name() string { return m.name }

// FailSubmit scripts a submission error for every order on the pair.
func (m *MockGateway) FailSubmit(pairID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmit[pairID] = err
}

// FailFill scripts a non-filled status for orders on the pair.
func (m *MockGateway) FailFill(pairID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFill[pairID] = status
}

// PartialFill scripts a canceled order that executed only qty of the
// requested base volume.
func (m *MockGateway) PartialFill(pairID string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partialFill[pairID] = qty
}

// SetFillDelay delays every fill, so in-flight orders can be observed.
func (m *MockGateway) SetFillDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillDelay = d
}

// SetBalance seeds the reported exchange balance for an asset.
func (m *MockGateway) SetBalance(b Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Asset] = b
}

// Submitted returns the requests in acceptance order.
func (m *MockGateway) Submitted() []TradeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TradeRequest, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *MockGateway) Submit(ctx context.Context, req TradeRequest) (TradeAck, error) {
	select {
	case <-ctx.Done():
		return TradeAck{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failSubmit[req.Pair.ID]; ok {
		return TradeAck{}, err
	}

	m.orderCounter++
	orderID := fmt.Sprintf("mock_%d_%d", time.Now().Unix(), m.orderCounter)
	m.submitted = append(m.submitted, req)

	now := time.Now().UTC()
	fill := Fill{
		OrderID:   orderID,
		Status:    StatusFilled,
		FilledQty: req.BaseQty,
		AvgPrice:  req.Price,
		UpdatedAt: now,
	}
	if status, ok := m.failFill[req.Pair.ID]; ok {
		fill.Status = status
		fill.FilledQty = decimal.Zero
	}
	if qty, ok := m.partialFill[req.Pair.ID]; ok {
		fill.Status = StatusCanceled
		fill.FilledQty = qty
	}
	m.fills[orderID] = fill

	utils.GetLogger().Printf("MockGateway | Order accepted: OrderID=%s, Pair=%s, Side=%s, Price=%s, Qty=%s",
		orderID, req.Pair.ID, req.Side(), req.Price, req.BaseQty)

	return TradeAck{OrderID: orderID, SubmittedAt: now}, nil
}

func (m *MockGateway) AwaitFill(ctx context.Context, orderID string) (Fill, error) {
	m.mu.Lock()
	delay := m.fillDelay
	fill, ok := m.fills[orderID]
	m.mu.Unlock()

	if !ok {
		return Fill{}, fmt.Errorf("mock gateway: unknown order %s", orderID)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return fill, nil
}

func (m *MockGateway) OrderStatus(ctx context.Context, orderID string) (Fill, error) {
	select {
	case <-ctx.Done():
		return Fill{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	fill, ok := m.fills[orderID]
	if !ok {
		return Fill{}, fmt.Errorf("mock gateway: unknown order %s", orderID)
	}
	return fill, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	fill, ok := m.fills[orderID]
	if !ok {
		return fmt.Errorf("mock gateway: unknown order %s", orderID)
	}
	fill.Status = StatusCanceled
	m.fills[orderID] = fill
	return nil
}

func (m *MockGateway) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}
