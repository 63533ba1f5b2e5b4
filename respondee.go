package corrpipe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Respondee is an addressable, one-shot response destination: the
// remote-facing counterpart of a Slot. Where a Slot is awaited
// in-process by the goroutine that created it, a Respondee is handed
// out by ID so a completion can arrive from anywhere — a different
// goroutine, a different process reached over some transport the
// caller owns — and still resolve the same pending submission.
type Respondee[S any] struct {
	ID uuid.UUID

	slot       *Slot[S]
	stopOnce   sync.Once
	deregister func()
}

// newRespondee wraps slot behind the given uuid.UUID identity.
// deregister is called exactly once, by whichever of release or Stop
// runs first.
func newRespondee[S any](id uuid.UUID, slot *Slot[S], deregister func()) *Respondee[S] {
	return &Respondee[S]{ID: id, slot: slot, deregister: deregister}
}

// Complete resolves the underlying Slot with value. Reports whether
// this call made the transition.
func (r *Respondee[S]) Complete(value S) bool {
	return r.slot.Complete(value)
}

// Fail resolves the underlying Slot with a failure of kind. Reports
// whether this call made the transition.
func (r *Respondee[S]) Fail(kind FailureKind) bool {
	return r.slot.Fail(kind)
}

// Await blocks until the Respondee's Slot resolves or ctx is done.
func (r *Respondee[S]) Await(ctx context.Context) (S, error) {
	return r.slot.Await(ctx)
}

// Stop releases the Respondee from its Registry: the kill-switch case
// where the remote side gives up or a transport reports the request is
// gone. Safe to call more than once; only the first call has effect,
// and safe to call concurrently with the Slot resolving on its own.
// Stop never itself resolves the Slot — a Respondee stopped while
// still pending just stops being reachable by ID; its Slot still
// completes, fails, or times out exactly as it would have otherwise.
func (r *Respondee[S]) Stop() {
	r.stopOnce.Do(r.deregister)
}

// RespondeeFactory creates Respondees and keeps them reachable by ID
// in a Registry for the duration of their deadline. Grounded on the
// corpus's uuid-keyed mailbox pattern: a Respondee plays the role of
// an actor address that a remote reply can be routed to, without this
// library taking any position on what that transport is.
type RespondeeFactory[S any] struct {
	name     string
	registry *Registry[S]
}

// NewRespondeeFactory returns a factory whose Respondees are tracked
// in registry.
func NewRespondeeFactory[S any](name string, registry *Registry[S]) *RespondeeFactory[S] {
	return &RespondeeFactory[S]{name: name, registry: registry}
}

// Create returns a new Respondee with the given deadline and
// diagnostic tag, registered under its ID until it resolves or the
// deadline passes.
func (f *RespondeeFactory[S]) Create(ctx context.Context, timeout time.Duration, tag string) (*Respondee[S], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slot := NewSlot[S](f.name, tag, time.Now().Add(timeout))
	id := uuid.New()
	r := newRespondee(id, slot, func() { f.registry.delete(id) })

	f.registry.put(r)
	go f.release(r)

	return r, nil
}

// release removes r from the registry once its Slot has resolved,
// freeing the Registry entry without requiring the remote side to
// ever call Stop explicitly.
func (f *RespondeeFactory[S]) release(r *Respondee[S]) {
	<-r.slot.done
	r.Stop()
}

// Registry is a directory of live Respondees keyed by uuid.UUID, the
// lookup a remote reply handler uses to turn an ID carried on the
// wire back into the local Respondee awaiting it.
type Registry[S any] struct {
	m sync.Map // uuid.UUID -> *Respondee[S]
}

// NewRegistry returns an empty Registry.
func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{}
}

func (reg *Registry[S]) put(r *Respondee[S]) {
	reg.m.Store(r.ID, r)
}

func (reg *Registry[S]) delete(id uuid.UUID) {
	reg.m.Delete(id)
}

// Lookup returns the Respondee registered under id, if it is still
// live. Callers complete or fail it directly once found.
func (reg *Registry[S]) Lookup(id uuid.UUID) (*Respondee[S], bool) {
	v, ok := reg.m.Load(id)
	if !ok {
		return nil, false
	}

	return v.(*Respondee[S]), true
}

// Len reports how many Respondees are currently registered.
func (reg *Registry[S]) Len() int {
	n := 0
	reg.m.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}
