package corrpipe

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Into splices upstream directly into sink, bounding how many elements
// are admitted concurrently to parallelism, and yields each (response,
// error) pair in the same order upstream produced the request — even
// though sink's own Processor may complete them out of order
// internally. This is the SubmitterAdapter's "into" operator: dispatch
// is decoupled from upstream's iteration rate, and results are
// reassembled by index rather than by completion order.
//
// Once ctx is done, Into stops pulling from upstream and stops
// yielding; it stops waiting on requests already in flight rather than
// draining them, though those requests still run to completion inside
// sink's own Processor. timeout should match
// the deadline sink's own Processor was configured with; Into bypasses
// Submit and constructs the Slot itself, so it must supply a deadline
// of its own.
//
// The returned AggregatedError accumulates every per-item failure
// Into also yields inline, so a caller that only cares whether the
// splice was clean can check it once after ranging over the sequence,
// instead of tracking per-item errors itself.
func Into[A, C any](ctx context.Context, upstream iter.Seq[A], sink IntoableSink[A, C], timeout time.Duration, parallelism int) (iter.Seq2[C, error], *AggregatedError) {
	if parallelism <= 0 {
		parallelism = 1
	}

	agg := NewAggregatedError("into")

	seq := func(yield func(C, error) bool) {
		results := make(chan indexedResult[C])
		sem := make(chan struct{}, parallelism)

		var wg sync.WaitGroup
		dispatchCtx, cancelDispatch := context.WithCancel(ctx)
		defer cancelDispatch()

		go func() {
			i := 0

			for a := range upstream {
				select {
				case sem <- struct{}{}:
				case <-dispatchCtx.Done():
				}

				if dispatchCtx.Err() != nil {
					break
				}

				wg.Add(1)
				go dispatchOne(dispatchCtx, sink, a, i, timeout, sem, &wg, results)
				i++
			}

			wg.Wait()
			close(results)
		}()

		pending := map[int]indexedResult[C]{}
		next := 0

		for {
			select {
			case r, ok := <-results:
				if !ok {
					return
				}

				pending[r.index] = r

				for {
					done, ok := pending[next]
					if !ok {
						break
					}

					delete(pending, next)
					next++

					agg.Append(done.err)

					if !yield(done.value, done.err) {
						cancelDispatch()
						return
					}
				}
			case <-ctx.Done():
				cancelDispatch()
				return
			}
		}
	}

	return seq, agg
}

func dispatchOne[A, C any](ctx context.Context, sink IntoableSink[A, C], a A, index int, timeout time.Duration, sem chan struct{}, wg *sync.WaitGroup, results chan<- indexedResult[C]) {
	defer wg.Done()
	defer func() { <-sem }()

	slot := NewSlot[C]("into", "", time.Now().Add(timeout))

	var r indexedResult[C]
	switch sink.Offer(a, slot) {
	case offerEnqueued:
		c, err := slot.Await(ctx)
		r = indexedResult[C]{index: index, value: c, err: err}
	case offerDropped:
		r = indexedResult[C]{index: index, err: errUnavailable("into")}
	default:
		r = indexedResult[C]{index: index, err: errShutdown("into", "")}
	}

	select {
	case results <- r:
	case <-ctx.Done():
	}
}

type indexedResult[C any] struct {
	index int
	value C
	err   error
}

// IntoRemote is Into's remote-respondee variant: instead of a direct
// IntoableSink, each request is handed a Respondee whose ID the caller
// is responsible for carrying across whatever transport stands between
// this process and the one that will eventually call Complete or Fail
// on it. remoteSink is the send side of that transport — typically a
// closure that serializes (id, request) and publishes it, configured
// to return promptly so dispatch isn't blocked on delivery.
func IntoRemote[A, C any](
	ctx context.Context,
	upstream iter.Seq[A],
	remoteSink func(ctx context.Context, id string, request A) error,
	factory *RespondeeFactory[C],
	responseTimeout time.Duration,
	parallelism int,
) (iter.Seq2[C, error], *AggregatedError) {
	if parallelism <= 0 {
		parallelism = 1
	}

	agg := NewAggregatedError("into-remote")

	seq := func(yield func(C, error) bool) {
		results := make(chan indexedResult[C])
		sem := make(chan struct{}, parallelism)

		var wg sync.WaitGroup
		dispatchCtx, cancelDispatch := context.WithCancel(ctx)
		defer cancelDispatch()

		go func() {
			i := 0

			for a := range upstream {
				select {
				case sem <- struct{}{}:
				case <-dispatchCtx.Done():
				}

				if dispatchCtx.Err() != nil {
					break
				}

				wg.Add(1)
				go dispatchRemoteOne(dispatchCtx, remoteSink, factory, responseTimeout, a, i, sem, &wg, results)
				i++
			}

			wg.Wait()
			close(results)
		}()

		pending := map[int]indexedResult[C]{}
		next := 0

		for {
			select {
			case r, ok := <-results:
				if !ok {
					return
				}

				pending[r.index] = r

				for {
					done, ok := pending[next]
					if !ok {
						break
					}

					delete(pending, next)
					next++

					agg.Append(done.err)

					if !yield(done.value, done.err) {
						cancelDispatch()
						return
					}
				}
			case <-ctx.Done():
				cancelDispatch()
				return
			}
		}
	}

	return seq, agg
}

func dispatchRemoteOne[A, C any](
	ctx context.Context,
	remoteSink func(ctx context.Context, id string, request A) error,
	factory *RespondeeFactory[C],
	responseTimeout time.Duration,
	a A,
	index int,
	sem chan struct{},
	wg *sync.WaitGroup,
	results chan<- indexedResult[C],
) {
	defer wg.Done()
	defer func() { <-sem }()

	var r indexedResult[C]
	if respondee, err := factory.Create(ctx, responseTimeout, ""); err != nil {
		r = indexedResult[C]{index: index, err: err}
	} else if err := remoteSink(ctx, respondee.ID.String(), a); err != nil {
		respondee.Fail(Unavailable)
		r = indexedResult[C]{index: index, err: err}
	} else {
		c, err := respondee.Await(ctx)
		r = indexedResult[C]{index: index, value: c, err: err}
	}

	select {
	case results <- r:
	case <-ctx.Done():
	}
}
