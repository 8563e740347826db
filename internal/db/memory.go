package db

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStorage is the in-memory Storage used for tests and db-less
// runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by orderID
	orders map[string]Order

	// Events (append-only)
	events []Event

	// Loop results by ID and auto-increment counter
	loopResults map[int64]LoopResult
	nextLoopID  int64
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders:      make(map[string]Order),
		events:      make([]Event, 0, 1024),
		loopResults: make(map[int64]LoopResult),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// -------- OrderStorage --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		oo := o
		return &oo, nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for _, o := range m.orders {
		s := strings.ToUpper(o.Status)
		if s != "FILLED" && s != "CANCELED" && s != "REJECTED" && s != "CLOSED" {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStorage) UpdateOrderStatus(ctx context.Context, orderID, status string, filledQty, avgPrice decimal.Decimal, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	o.Status = status
	o.FilledQty = filledQty
	o.AvgPrice = avgPrice
	o.UpdatedAt = updatedAt.UTC()
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStorage) CloseOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	o.Status = "CLOSED"
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}

// -------- LoopResultStorage --------

func (m *MemoryStorage) SaveLoopResult(ctx context.Context, r LoopResult) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLoopID++
	r.ID = m.nextLoopID
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	m.loopResults[r.ID] = r
	return r.ID, nil
}

func (m *MemoryStorage) GetLoopResults(ctx context.Context, start, end time.Time) ([]LoopResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []LoopResult
	for _, r := range m.loopResults {
		if (r.StartedAt.Equal(start) || r.StartedAt.After(start)) && !r.StartedAt.After(end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
