// Package balance
package balance

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/loop-trader/internal/market"
)

// MainFund is the reserved fund name backing the exchange-reported pool.
// Every other fund is carved out of it.
const MainFund = "Main"

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrUnknownHold         = errors.New("unknown hold")
)

// FundID names one partition of a currency's balance.
type FundID struct {
	Currency market.Currency
	Name     string
}

func Main(c market.Currency) FundID {
	return FundID{Currency: c, Name: MainFund}
}

func (f FundID) String() string {
	return f.Currency.String() + "/" + f.Name
}

// Predicate reports whether a hold is still needed. Once it returns
// false the hold is purged on the next availability query.
type Predicate func() bool

type hold struct {
	id      uuid.UUID
	volume  decimal.Decimal
	created time.Time
	// needed == nil means "needed until the next balance update of the
	// owning fund's currency".
	needed Predicate
}

type fund struct {
	// For Main these are the exchange-reported figures; for named funds
	// the carved-out allocation.
	total decimal.Decimal
	held  decimal.Decimal
	holds map[uuid.UUID]*hold
}

func newFund() *fund {
	return &fund{holds: make(map[uuid.UUID]*hold)}
}

type account struct {
	funds     map[string]*fund
	updatedAt time.Time
}

// Event is emitted after every balance mutation so the host can observe
// changes without the manager depending on a callback mechanism.
type Event struct {
	Fund      FundID
	Total     decimal.Decimal
	Held      decimal.Decimal
	Available decimal.Decimal
	Time      time.Time
}

// Manager is the authoritative owner of per-currency fund balances and
// temporary holds. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	accounts map[market.Currency]*account
	events   chan Event
}

func NewManager() *Manager {
	return &Manager{
		accounts: make(map[market.Currency]*account),
		events:   make(chan Event, 256),
	}
}

// Events exposes the mutation event stream. Slow consumers drop events
// rather than blocking balance accounting.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) account(c market.Currency) *account {
	a, ok := m.accounts[c]
	if !ok {
		a = &account{funds: make(map[string]*fund)}
		m.accounts[c] = a
	}
	return a
}

// fund creates funds lazily on first reference.
func (a *account) fund(name string) *fund {
	f, ok := a.funds[name]
	if !ok {
		f = newFund()
		a.funds[name] = f
	}
	return f
}

// totalOf resolves a fund's effective total: Main is the exchange total
// minus every named allocation.
func (a *account) totalOf(name string) decimal.Decimal {
	main, ok := a.funds[MainFund]
	if name == MainFund {
		if !ok {
			return decimal.Zero
		}
		t := main.total
		for n, f := range a.funds {
			if n != MainFund {
				t = t.Sub(f.total)
			}
		}
		return t
	}
	f, ok := a.funds[name]
	if !ok {
		return decimal.Zero
	}
	return f.total
}

func (a *account) heldOf(name string) decimal.Decimal {
	main, ok := a.funds[MainFund]
	if name == MainFund {
		if !ok {
			return decimal.Zero
		}
		h := main.held
		for n, f := range a.funds {
			if n != MainFund {
				h = h.Sub(f.held)
			}
		}
		return h
	}
	f, ok := a.funds[name]
	if !ok {
		return decimal.Zero
	}
	return f.held
}

// AssignFundBalance sets absolute figures for a fund. Nil fields are
// left untouched. For the Main fund the figures are the exchange-level
// total/held amounts. Holds with the default lifetime expire on the next
// availability query after this call.
func (m *Manager) AssignFundBalance(id FundID, total, held *decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	a := m.account(id.Currency)
	f := a.fund(id.Name)
	if total != nil {
		f.total = *total
	}
	if held != nil {
		f.held = *held
	}
	a.updatedAt = ts
	ev := m.eventLocked(a, id)
	m.mu.Unlock()
	m.emit(ev)
}

// ChangeFundBalance applies relative adjustments with the same
// semantics as AssignFundBalance.
func (m *Manager) ChangeFundBalance(id FundID, deltaTotal, deltaHeld *decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	a := m.account(id.Currency)
	f := a.fund(id.Name)
	if deltaTotal != nil {
		f.total = f.total.Add(*deltaTotal)
	}
	if deltaHeld != nil {
		f.held = f.held.Add(*deltaHeld)
	}
	a.updatedAt = ts
	ev := m.eventLocked(a, id)
	m.mu.Unlock()
	m.emit(ev)
}

// Available returns Total - Held - sum of live holds, floored at zero.
// Holds whose predicate reports "no longer needed" (or, for the default
// lifetime, whose currency has seen a balance update since the hold was
// placed) are purged as a side effect.
func (m *Manager) Available(id FundID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(id)
}

func (m *Manager) availableLocked(id FundID) decimal.Decimal {
	a, ok := m.accounts[id.Currency]
	if !ok {
		return decimal.Zero
	}
	f, ok := a.funds[id.Name]
	if !ok && id.Name != MainFund {
		return decimal.Zero
	}
	avail := a.totalOf(id.Name).Sub(a.heldOf(id.Name))
	if f != nil {
		for hid, h := range f.holds {
			if h.expired(a.updatedAt) {
				delete(f.holds, hid)
				continue
			}
			avail = avail.Sub(h.volume)
		}
	}
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

func (h *hold) expired(accountUpdatedAt time.Time) bool {
	if h.needed == nil {
		return accountUpdatedAt.After(h.created)
	}
	return !h.needed()
}

// Hold reserves volume against a fund's available balance. It refuses
// reservations that would over-commit the fund.
func (m *Manager) Hold(id FundID, volume decimal.Decimal, needed Predicate) (uuid.UUID, error) {
	if !volume.IsPositive() {
		return uuid.Nil, fmt.Errorf("hold volume must be positive, got %s", volume)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := m.availableLocked(id)
	if volume.GreaterThan(avail) {
		return uuid.Nil, fmt.Errorf("%w: fund %s has %s available, %s requested",
			ErrInsufficientBalance, id, avail, volume)
	}
	h := &hold{
		id:      uuid.New(),
		volume:  volume,
		created: time.Now(),
		needed:  needed,
	}
	m.account(id.Currency).fund(id.Name).holds[h.id] = h
	return h.id, nil
}

// Release removes a hold unconditionally.
func (m *Manager) Release(id FundID, holdID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id.Currency]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownHold, holdID, id)
	}
	f, ok := a.funds[id.Name]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownHold, holdID, id)
	}
	if _, ok := f.holds[holdID]; !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownHold, holdID, id)
	}
	delete(f.holds, holdID)
	return nil
}

// Validate checks the fund accounting invariants. It is an assertion
// aid: callers treat a non-nil result as a programming error, not a
// normal-path failure.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, a := range m.accounts {
		for name := range a.funds {
			total := a.totalOf(name)
			held := a.heldOf(name)
			fid := FundID{Currency: c, Name: name}
			if total.IsNegative() {
				return fmt.Errorf("fund %s has negative total %s", fid, total)
			}
			if held.IsNegative() {
				return fmt.Errorf("fund %s has negative held %s", fid, held)
			}
			if held.GreaterThan(total) {
				return fmt.Errorf("fund %s held %s exceeds total %s", fid, held, total)
			}
		}
		// Main.Total == ExchangeTotal - sum(named totals) holds by
		// construction; what can drift negative is the Main remainder.
		if a.totalOf(MainFund).IsNegative() {
			return fmt.Errorf("named funds of %s exceed the exchange-reported total", c)
		}
	}
	return nil
}

func (m *Manager) eventLocked(a *account, id FundID) Event {
	return Event{
		Fund:      id,
		Total:     a.totalOf(id.Name),
		Held:      a.heldOf(id.Name),
		Available: m.availableLocked(id),
		Time:      time.Now(),
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
