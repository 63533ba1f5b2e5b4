package corrpipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corrpipe/corrpipe/internal"
	"github.com/rs/zerolog"
)

// correlationBinding lets Processor drive either a keyed Correlator or
// a PredicateCorrelator without knowing the key type K, which cannot
// itself appear as a Processor type parameter without forcing every
// non-correlated caller to also spell out an unused K.
type correlationBinding[R, S any] interface {
	setName(name string)
	admit(r R, slot *Slot[S])
	resolve(s S) bool
	droppedCount() int64
	runSweeper(ctx context.Context)
}

type keyedBinding[R, S any, K comparable] struct {
	corr          *Correlator[R, S, K]
	sweepInterval time.Duration
}

func (b *keyedBinding[R, S, K]) setName(name string)            { b.corr.name = name }
func (b *keyedBinding[R, S, K]) admit(r R, slot *Slot[S])       { b.corr.Admit(r, slot) }
func (b *keyedBinding[R, S, K]) resolve(s S) bool               { return b.corr.Resolve(s) }
func (b *keyedBinding[R, S, K]) droppedCount() int64            { return b.corr.Dropped() }
func (b *keyedBinding[R, S, K]) runSweeper(ctx context.Context) { b.corr.RunSweeper(ctx, b.sweepInterval) }

type predicateBinding[R, S any] struct {
	corr          *PredicateCorrelator[R, S]
	sweepInterval time.Duration
}

func (b *predicateBinding[R, S]) setName(name string)            { b.corr.name = name }
func (b *predicateBinding[R, S]) admit(r R, slot *Slot[S])       { b.corr.Admit(r, slot) }
func (b *predicateBinding[R, S]) resolve(s S) bool               { return b.corr.Resolve(s) }
func (b *predicateBinding[R, S]) droppedCount() int64            { return 0 }
func (b *predicateBinding[R, S]) runSweeper(ctx context.Context) { b.corr.RunSweeper(ctx, b.sweepInterval) }

type options[R, S any] struct {
	bufferSize  int
	maxInFlight int
	timeout     time.Duration
	name        string
	logger      zerolog.Logger
	correlation correlationBinding[R, S]
}

// Option configures a Processor at construction. Every enumerated
// configuration entry in the spec has a matching With* option here,
// following the teacher's HandlerOptions convention of composing small
// functional options rather than a bare config struct.
type Option[R, S any] func(*options[R, S])

// WithBufferSize sets the bounded input queue's capacity. Required;
// construction fails with InvalidArgument when n is not positive.
func WithBufferSize[R, S any](n int) Option[R, S] {
	return func(o *options[R, S]) { o.bufferSize = n }
}

// WithMaxInFlight bounds the number of envelopes concurrently inside
// process. Defaults to the buffer size when unset.
func WithMaxInFlight[R, S any](n int) Option[R, S] {
	return func(o *options[R, S]) { o.maxInFlight = n }
}

// WithTimeout sets the per-request deadline applied to each Slot at
// admission. Required.
func WithTimeout[R, S any](d time.Duration) Option[R, S] {
	return func(o *options[R, S]) { o.timeout = d }
}

// WithName sets the diagnostic identifier that appears in failure
// payloads and logs. When unset, NewProcessor derives one from S's
// type name plus "-processor".
func WithName[R, S any](name string) Option[R, S] {
	return func(o *options[R, S]) { o.name = name }
}

// WithLogger attaches a structured logger; without it, a Processor
// logs nothing.
func WithLogger[R, S any](logger zerolog.Logger) Option[R, S] {
	return func(o *options[R, S]) { o.logger = logger }
}

// WithCorrelation enables keyed correlation: process may reorder or
// drop elements, and responses are matched to pending requests by a
// derived comparable key rather than by position.
func WithCorrelation[R, S any, K comparable](fns KeyFuncs[R, S, K], sweepInterval time.Duration) Option[R, S] {
	return func(o *options[R, S]) {
		o.correlation = &keyedBinding[R, S, K]{
			corr:          NewCorrelator[R, S, K]("", fns),
			sweepInterval: sweepInterval,
		}
	}
}

// WithPredicateCorrelation enables the non-keyed correlation variant:
// a response is matched against pending requests by a boolean
// predicate rather than a hashable key.
func WithPredicateCorrelation[R, S any](predicate Predicate[R, S], sweepInterval time.Duration) Option[R, S] {
	return func(o *options[R, S]) {
		o.correlation = &predicateBinding[R, S]{
			corr:          NewPredicateCorrelator[R, S]("", predicate),
			sweepInterval: sweepInterval,
		}
	}
}

// Process is the opaque, user-supplied transformation a Processor
// wraps: an asynchronous R to S step.
type Process[R, S any] func(context.Context, R) (S, error)

// Processor is a long-running, in-process pipeline instance: it owns a
// bounded input queue and runs a user-supplied Process end-to-end,
// pairing each admitted request with its Slot and completing the Slot
// from the emitted output. It is the IntoableProcessor of the design.
type Processor[R, S any] struct {
	process     Process[R, S]
	name        string
	timeout     time.Duration
	maxInFlight int
	logger      zerolog.Logger
	correlation correlationBinding[R, S]

	queue *bufferedQueue[R, S]
	sem   chan struct{}

	// pending tracks every Slot admitted through Offer that hasn't yet
	// resolved, independent of whether correlation is configured. This
	// is what lets Shutdown force-fail work that work() silently
	// dropped rather than leaving it to its own deadline timer.
	pending sync.Map // *Slot[S] -> struct{}

	inFlight   sync.WaitGroup
	shutdownCh chan struct{}
	doneCh     chan struct{}
	finishedCh chan struct{}
	closeOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProcessor materializes a Processor running process. It fails
// synchronously with InvalidArgument if bufferSize or timeout is
// missing or not positive; a missing name is replaced by a default.
func NewProcessor[R, S any](process Process[R, S], opts ...Option[R, S]) (*Processor[R, S], error) {
	o := options[R, S]{logger: defaultLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.name == "" {
		o.name = internal.TypeName[S]() + "-processor"
	}

	if o.bufferSize <= 0 {
		return nil, errInvalidArgument(o.name, "bufferSize must be a positive integer")
	}

	if o.timeout <= 0 {
		return nil, errInvalidArgument(o.name, "timeout must be a positive duration")
	}

	if o.maxInFlight <= 0 {
		o.maxInFlight = o.bufferSize
	}

	if o.correlation != nil {
		o.correlation.setName(o.name)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor[R, S]{
		process:     process,
		name:        o.name,
		timeout:     o.timeout,
		maxInFlight: o.maxInFlight,
		logger:      o.logger,
		correlation: o.correlation,
		queue:       newBufferedQueue[R, S](o.bufferSize),
		sem:         make(chan struct{}, o.maxInFlight),
		shutdownCh:  make(chan struct{}),
		doneCh:      make(chan struct{}),
		finishedCh:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	go p.dispatch()

	if p.correlation != nil {
		go p.correlation.runSweeper(ctx)
	}

	return p, nil
}

// Submit admits r, waits for the matching response, and returns it or
// a typed failure: Unavailable if the queue was full, Timeout if the
// deadline elapsed first, Shutdown if the pipeline drained before r's
// Slot resolved, or NotCorrelated under the correlated variant.
func (p *Processor[R, S]) Submit(ctx context.Context, r R) (S, error) {
	tag := fmt.Sprintf("%v", r)
	slot := NewSlot[S](p.name, tag, time.Now().Add(p.timeout))

	switch p.Offer(r, slot) {
	case offerEnqueued:
		return slot.Await(ctx)
	case offerDropped:
		slot.Fail(Unavailable)
		return internal.ZeroValue[S](), errUnavailable(p.name)
	case offerClosed:
		slot.Fail(Shutdown)
		return internal.ZeroValue[S](), errShutdown(p.name, tag)
	default:
		err := errUnexpectedOffer(p.name, nil)
		slot.Fail(UnexpectedOfferResult)
		return internal.ZeroValue[S](), err
	}
}

// Sink returns the write-end used by Into/IntoRemote to splice an
// upstream sequence directly into this Processor, bypassing Submit's
// own Await.
func (p *Processor[R, S]) Sink() IntoableSink[R, S] {
	return p
}

// Offer implements IntoableSink. Every successfully enqueued slot is
// tracked until it resolves, so Shutdown can force-fail it even if
// nothing else in the Processor keeps a reference to it.
func (p *Processor[R, S]) Offer(request R, slot *Slot[S]) offerResult {
	result := p.queue.offer(envelope[R, S]{request: request, slot: slot})
	if result == offerEnqueued {
		p.track(slot)
	}

	return result
}

// track registers slot in pending and removes it again once it
// resolves, mirroring RespondeeFactory's own release-on-done idiom.
func (p *Processor[R, S]) track(slot *Slot[S]) {
	p.pending.Store(slot, struct{}{})

	go func() {
		<-slot.done
		p.pending.Delete(slot)
	}()
}

// failAllPending force-fails every Slot still tracked in pending with
// kind. Slot.Fail is idempotent, so a Slot already resolved by the time
// this runs is simply a no-op.
func (p *Processor[R, S]) failAllPending(kind FailureKind) int {
	n := 0
	p.pending.Range(func(key, _ any) bool {
		if key.(*Slot[S]).Fail(kind) {
			n++
		}
		return true
	})

	return n
}

// WhenDone resolves once the pipeline has fully drained after
// Shutdown. It never resolves on its own; the pipeline only
// terminates via explicit Shutdown.
func (p *Processor[R, S]) WhenDone() <-chan struct{} {
	return p.finishedCh
}

// Shutdown closes admission monotonically, lets already-admitted
// envelopes drain to a terminal Slot state, then force-fails with
// Shutdown every admitted Slot that is still pending — whether or not
// it was ever resolved through a correlation table — and resolves the
// returned channel. It is idempotent: a second call returns the same
// channel without doing the work twice.
func (p *Processor[R, S]) Shutdown(ctx context.Context) <-chan struct{} {
	p.closeOnce.Do(func() {
		go func() {
			p.queue.close()
			close(p.shutdownCh)

			select {
			case <-p.doneCh:
			case <-ctx.Done():
			}

			pending := p.failAllPending(Shutdown)

			logShutdown(&p.logger, p.name, pending)
			p.cancel()
			close(p.finishedCh)
		}()
	})

	return p.finishedCh
}

func (p *Processor[R, S]) dispatch() {
	for {
		select {
		case e := <-p.queue.ch:
			p.spawn(e)
		case <-p.shutdownCh:
			p.drain()
			return
		}
	}
}

func (p *Processor[R, S]) drain() {
	for {
		select {
		case e := <-p.queue.ch:
			p.spawn(e)
		default:
			p.inFlight.Wait()
			close(p.doneCh)
			return
		}
	}
}

func (p *Processor[R, S]) spawn(e envelope[R, S]) {
	p.inFlight.Add(1)

	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		p.inFlight.Done()
		e.slot.Fail(Shutdown)
		return
	}

	go p.work(e)
}

// work runs process for a single envelope under resume supervision: a
// panic or a returned error both drop the element rather than
// terminating the pipeline. In the non-correlated case the Slot
// travels in this goroutine's closure, so pairing is exact without a
// zipped auxiliary buffer. In the correlated case the Slot is only
// admitted into the correlation table; the response that eventually
// completes it may come from a different work() call entirely.
func (p *Processor[R, S]) work(e envelope[R, S]) {
	defer func() { <-p.sem }()
	defer p.inFlight.Done()
	defer func() {
		if r := recover(); r != nil {
			logDropped(&p.logger, p.name, e.slot.tag, fmt.Errorf("recovered from panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	if p.correlation != nil {
		p.correlation.admit(e.request, e.slot)
	}

	s, err := p.process(ctx, e.request)
	if err != nil {
		logDropped(&p.logger, p.name, e.slot.tag, err)
		return
	}

	if p.correlation != nil {
		if !p.correlation.resolve(s) {
			logUncorrelated(&p.logger, p.name, p.correlation.droppedCount())
		}
		return
	}

	e.slot.Complete(s)
}
