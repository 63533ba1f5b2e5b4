package corrpipe

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	slotPending int32 = iota
	slotTerminal
)

// Slot is a write-once, read-once response cell. It transitions
// Pending to exactly one terminal state — a value, or a failure — and
// carries its own deadline: if nothing completes or fails it first, an
// internal timer fails it with Timeout when the deadline elapses.
//
// Complete, Fail, and the deadline timer race to make the one winning
// transition; the race is arbitrated by a single atomic
// compare-and-swap. Await may be called at most once, by the slot's
// owning submitter.
type Slot[S any] struct {
	state atomic.Int32

	name string
	tag  string

	value S
	err   error

	done  chan struct{}
	timer *time.Timer
}

// NewSlot returns a fresh pending Slot that fails itself with Timeout,
// tagged with tag, if still pending at deadline. name identifies the
// owning Processor for diagnostics.
func NewSlot[S any](name, tag string, deadline time.Time) *Slot[S] {
	s := &Slot[S]{
		name: name,
		tag:  tag,
		done: make(chan struct{}),
	}

	s.timer = time.AfterFunc(time.Until(deadline), func() {
		s.Fail(Timeout)
	})

	return s
}

// Complete transitions the Slot from Pending to Completed(value). It
// returns true if this call won the race, false if the Slot was
// already terminal.
func (s *Slot[S]) Complete(value S) bool {
	if !s.state.CompareAndSwap(slotPending, slotTerminal) {
		return false
	}

	s.timer.Stop()
	s.value = value
	close(s.done)

	return true
}

// Fail transitions the Slot from Pending to Failed(kind). It returns
// true if this call won the race, false if the Slot was already
// terminal.
func (s *Slot[S]) Fail(kind FailureKind) bool {
	if !s.state.CompareAndSwap(slotPending, slotTerminal) {
		return false
	}

	s.timer.Stop()
	s.err = &PipelineError{Kind: kind, Name: s.name, Tag: s.tag}
	close(s.done)

	return true
}

// Terminal reports whether the Slot has already made its one terminal
// transition. Used by the sweeper to reclaim correlation entries.
func (s *Slot[S]) Terminal() bool {
	return s.state.Load() == slotTerminal
}

// Await blocks until the Slot reaches its terminal state, or ctx is
// done first. A ctx cancellation does not itself resolve the Slot —
// it only stops this particular caller from waiting on it; the Slot
// still resolves on its own deadline or via Complete/Fail regardless.
func (s *Slot[S]) Await(ctx context.Context) (S, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		var zero S
		return zero, ctx.Err()
	}
}
