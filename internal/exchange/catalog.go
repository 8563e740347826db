// Package exchange
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirphl/loop-trader/internal/market"
	"github.com/amirphl/loop-trader/internal/utils"
)

// Catalog aggregates tradable pairs and their books from one or more
// market sources, plus configured virtual pairs linking the same asset
// across exchanges. It serves the loop search a consistent snapshot.
type Catalog struct {
	mu      sync.RWMutex
	sources []MarketSource
	virtual []*market.Pair
	pairs   []*market.Pair
}

func NewCatalog(sources ...MarketSource) *Catalog {
	return &Catalog{sources: sources}
}

// AddVirtualLink registers a 1:1 transfer pair for symbol between two
// exchanges.
func (c *Catalog) AddVirtualLink(symbol, fromExchange, toExchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virtual = append(c.virtual, market.NewVirtualPair(symbol, fromExchange, toExchange))
}

// Refresh refetches pairs and order books from every source. A pair
// whose book fetch fails is kept without liquidity for this snapshot;
// a source that fails entirely fails the refresh and the previous
// snapshot stays in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	fresh := make([]*market.Pair, 0, len(c.pairs))
	for _, src := range c.sources {
		pairs, err := src.FetchPairs(ctx)
		if err != nil {
			return fmt.Errorf("refreshing catalog: %w", err)
		}
		for _, p := range pairs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			bids, asks, err := src.FetchOrderBook(ctx, p.ID)
			if err != nil {
				utils.GetLogger().Printf("Catalog | book fetch failed for %s: %v", p.ID, err)
			} else {
				p.Bids, p.Asks = bids, asks
			}
			fresh = append(fresh, p)
		}
	}

	c.mu.Lock()
	c.pairs = fresh
	c.mu.Unlock()
	return nil
}

// Pairs returns the current snapshot including virtual links.
func (c *Catalog) Pairs() []*market.Pair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*market.Pair, 0, len(c.pairs)+len(c.virtual))
	out = append(out, c.pairs...)
	out = append(out, c.virtual...)
	return out
}
