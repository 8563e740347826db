package loop

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/amirphl/loop-trader/internal/market"
)

// SearchConfig bounds the graph search.
type SearchConfig struct {
	// MaxLoopCount is the upper bound on legs per loop, >= 1.
	MaxLoopCount int
	// Workers is the size of the worker pool draining the queue.
	Workers int
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.MaxLoopCount < 1 {
		c.MaxLoopCount = 4
	}
	if c.Workers < 1 {
		c.Workers = 4
	}
	return c
}

// partial is a non-closed chain of pairs under construction. start is
// the fixed origin, end the open extension point.
type partial struct {
	pairs []*market.Pair
	start market.Currency
	end   market.Currency
}

// Search enumerates every distinct closed loop of at most MaxLoopCount
// legs over the catalog's pairs. Loops are deduplicated by canonical
// hash, so rotations and reversals of the same cycle appear once.
//
// The queue between workers is an unbounded FIFO pump; an outstanding
// work counter reaching zero closes the input, which makes termination
// deterministic instead of timeout-polled. On cancellation the search
// stops promptly and the partial result set is discarded.
func Search(ctx context.Context, catalog market.Catalog, cfg SearchConfig) ([]*Loop, error) {
	cfg = cfg.withDefaults()
	pairs := catalog.Pairs()

	adjacency := make(map[market.Currency][]*market.Pair)
	for _, p := range pairs {
		adjacency[p.Base] = append(adjacency[p.Base], p)
		adjacency[p.Quote] = append(adjacency[p.Quote], p)
	}

	// Seed with every real pair. Virtual links never seed, which
	// guarantees each loop carries at least one tradable leg.
	var seeds []partial
	for _, p := range pairs {
		if p.Virtual {
			continue
		}
		seeds = append(seeds, partial{pairs: []*market.Pair{p}, start: p.Base, end: p.Quote})
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	in := make(chan partial)
	out := make(chan partial)
	go pump(ctx, in, out)

	pending := int64(len(seeds))
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(in) }) }

	push := func(p partial) bool {
		atomic.AddInt64(&pending, 1)
		select {
		case in <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var mu sync.Mutex
	found := make(map[string]*Loop)
	emit := func(l *Loop) {
		key := l.HashKey()
		mu.Lock()
		if _, ok := found[key]; !ok {
			found[key] = l
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pt := range out {
				extend(pt, adjacency, cfg.MaxLoopCount, emit, push)
				// A single-leg chain has no fixed orientation yet, so
				// it also extends from its reversed form.
				if len(pt.pairs) == 1 {
					extend(partial{pairs: pt.pairs, start: pt.end, end: pt.start},
						adjacency, cfg.MaxLoopCount, emit, push)
				}
				if atomic.AddInt64(&pending, -1) == 0 {
					finish()
				}
				if ctx.Err() != nil {
					return
				}
			}
		}()
	}

	// Feed the seeds from here so worker capacity is not spent waiting.
	for _, s := range seeds {
		select {
		case in <- s:
		case <-ctx.Done():
		}
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loops := make([]*Loop, 0, len(found))
	for _, l := range found {
		loops = append(loops, l)
	}
	return loops, nil
}

// extend grows a partial chain by one pair incident to its open end,
// emitting completed loops and pushing longer chains back on the queue.
func extend(pt partial, adjacency map[market.Currency][]*market.Pair, maxLegs int,
	emit func(*Loop), push func(partial) bool,
) {
	last := pt.pairs[len(pt.pairs)-1]
	first := pt.pairs[0]
	for _, next := range adjacency[pt.end] {
		if contains(pt.pairs, next) {
			continue
		}
		// Two cross-exchange links may never sit next to each other.
		if next.Virtual && last.Virtual {
			continue
		}
		far, ok := next.Other(pt.end)
		if !ok {
			continue
		}
		if far == pt.start {
			if len(pt.pairs)+1 > maxLegs {
				continue
			}
			// The closing edge is adjacent to the first leg too.
			if next.Virtual && first.Virtual {
				continue
			}
			legs := make([]*market.Pair, len(pt.pairs)+1)
			copy(legs, pt.pairs)
			legs[len(pt.pairs)] = next
			emit(&Loop{Pairs: legs, Start: pt.start})
			continue
		}
		if len(pt.pairs)+1 < maxLegs {
			legs := make([]*market.Pair, len(pt.pairs)+1)
			copy(legs, pt.pairs)
			legs[len(pt.pairs)] = next
			if !push(partial{pairs: legs, start: pt.start, end: far}) {
				return
			}
		}
	}
}

func contains(pairs []*market.Pair, p *market.Pair) bool {
	for _, q := range pairs {
		if q == p {
			return true
		}
	}
	return false
}

// pump is an unbounded FIFO between in and out. It closes out when in
// is closed and the buffer drains, or when ctx is cancelled.
func pump(ctx context.Context, in <-chan partial, out chan<- partial) {
	defer close(out)
	var buf []partial
	for {
		var send chan<- partial
		var head partial
		if len(buf) > 0 {
			send = out
			head = buf[0]
		} else if in == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case it, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, it)
		case send <- head:
			buf = buf[1:]
		}
	}
}
