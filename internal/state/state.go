// Package state holds process-wide run flags. A failed loop execution
// disables trading for the rest of the process; search and evaluation
// keep running so the operator still sees opportunities.
package state

import (
	"sync"
)

type Flags struct {
	mu             sync.RWMutex
	tradingEnabled bool
	searchActive   bool
	disableReason  string
}

func NewFlags() *Flags {
	return &Flags{tradingEnabled: true, searchActive: true}
}

func (f *Flags) TradingEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tradingEnabled
}

// DisableTrading latches trading off. The first reason wins.
func (f *Flags) DisableTrading(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tradingEnabled {
		return
	}
	f.tradingEnabled = false
	f.disableReason = reason
}

// EnableTrading clears the latch. Operator action only.
func (f *Flags) EnableTrading() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradingEnabled = true
	f.disableReason = ""
}

func (f *Flags) DisableReason() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.disableReason
}

// SearchActive gates the continuous search-evaluate-execute cycle.
func (f *Flags) SearchActive() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.searchActive
}

func (f *Flags) SetSearchActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchActive = active
}
