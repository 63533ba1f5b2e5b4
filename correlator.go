package corrpipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// KeyFuncs derives a CorrelationKey from a request and from a
// response, so that a Correlator can match pipeline output back to
// the pending Slot of the request that produced it, even when the
// underlying process reorders, drops, or duplicates elements.
type KeyFuncs[R, S any, K comparable] struct {
	KeyOfRequest  func(R) K
	KeyOfResponse func(S) K
}

// Correlator matches pipeline output to pending Slots by key. Entries
// are inserted on request admission and removed only by the sweeper,
// once their Slot has already reached a terminal state — Resolve
// itself never removes an entry, so a late duplicate response still
// has something to match against (and finds it already terminal).
//
// Duplicate keys favor the most recently admitted Slot: Admit
// overwrites the map entry, so Resolve always completes the newest
// pending request for a given key. This is a documented contract, not
// an accident of map semantics.
type Correlator[R, S any, K comparable] struct {
	name string
	fns  KeyFuncs[R, S, K]

	mu      sync.Mutex
	table   map[K]*Slot[S]
	dropped atomic.Int64
}

// NewCorrelator returns a Correlator ready to Admit and Resolve.
func NewCorrelator[R, S any, K comparable](name string, fns KeyFuncs[R, S, K]) *Correlator[R, S, K] {
	return &Correlator[R, S, K]{
		name:  name,
		fns:   fns,
		table: make(map[K]*Slot[S]),
	}
}

// Admit registers slot under the key derived from r. Call this before
// the request is handed to the shared process, so a response arriving
// concurrently on another goroutine can already find it.
func (c *Correlator[R, S, K]) Admit(r R, slot *Slot[S]) {
	k := c.fns.KeyOfRequest(r)

	c.mu.Lock()
	c.table[k] = slot
	c.mu.Unlock()
}

// Resolve completes the Slot matching s's derived key, if one is still
// registered. It reports whether a match was found; an unmatched
// response is not an error, only a diagnostic counter increment — the
// spec treats it as a drop, not a failure of anything already pending.
func (c *Correlator[R, S, K]) Resolve(s S) bool {
	k := c.fns.KeyOfResponse(s)

	c.mu.Lock()
	slot, ok := c.table[k]
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		return false
	}

	slot.Complete(s)
	return true
}

// Dropped returns the number of responses that matched no pending key.
func (c *Correlator[R, S, K]) Dropped() int64 {
	return c.dropped.Load()
}

// RunSweeper removes table entries whose Slot has already reached a
// terminal state, at every tick of interval, until ctx is done. It is
// meant to run as a goroutine owned by the Processor for the lifetime
// of the correlated pipeline.
func (c *Correlator[R, S, K]) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Correlator[R, S, K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, slot := range c.table {
		if slot.Terminal() {
			delete(c.table, k)
		}
	}
}

// Predicate reports whether response s should be attributed to the
// pending request r, for processes whose responses carry a
// correlation context that isn't cleanly reducible to a comparable
// key — the spec's "correlated(c, r) -> bool" variant.
type Predicate[R, S any] func(response S, request R) bool

type pendingRequest[R, S any] struct {
	request R
	slot    *Slot[S]
}

// PredicateCorrelator is the non-keyed sibling of Correlator: it holds
// pending (request, Slot) pairs in admission order and resolves a
// response by linear scan under Predicate, oldest admission first.
// Intended for low cardinality / low throughput correlation where
// deriving a comparable key isn't practical.
type PredicateCorrelator[R, S any] struct {
	name      string
	predicate Predicate[R, S]

	mu      sync.Mutex
	pending []*pendingRequest[R, S]
}

// NewPredicateCorrelator returns a PredicateCorrelator ready to Admit
// and Resolve.
func NewPredicateCorrelator[R, S any](name string, predicate Predicate[R, S]) *PredicateCorrelator[R, S] {
	return &PredicateCorrelator[R, S]{name: name, predicate: predicate}
}

// Admit registers slot as awaiting a response for r.
func (c *PredicateCorrelator[R, S]) Admit(r R, slot *Slot[S]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, &pendingRequest[R, S]{request: r, slot: slot})
}

// Resolve scans pending admissions, oldest first, and completes the
// first one matched by Predicate. If nothing matches, it fails the
// oldest still-pending admission with NotCorrelated, since that
// request is the one whose response is now most overdue.
func (c *PredicateCorrelator[R, S]) Resolve(s S) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p.slot.Terminal() {
			continue
		}

		if c.predicate(s, p.request) {
			p.slot.Complete(s)
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}

	for i, p := range c.pending {
		if !p.slot.Terminal() {
			p.slot.Fail(NotCorrelated)
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}

	return false
}

// Sweep drops pending admissions whose Slot has already terminated,
// e.g. by its own timeout, so the pending slice doesn't grow without
// bound under a Predicate that never matches.
func (c *PredicateCorrelator[R, S]) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.pending[:0]
	for _, p := range c.pending {
		if !p.slot.Terminal() {
			live = append(live, p)
		}
	}
	c.pending = live
}

// RunSweeper runs Sweep at every tick of interval until ctx is done.
func (c *PredicateCorrelator[R, S]) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
