// Package corrpipe adapts a request/response programming model onto a
// streaming dataflow pipeline.
//
// A service's domain logic is naturally expressed as a pipeline of
// asynchronous stages, but its callers issue discrete requests and each
// must receive exactly one response, or a typed failure, within a bound.
// corrpipe bridges the two: a caller submits a request to a Processor; the
// request flows through a long-running pipeline shared by all callers;
// when the pipeline emits the matching result, the caller's pending
// response is completed.
//
// To install corrpipe:
//
//	go get -u github.com/corrpipe/corrpipe
//
// # Direct submission
//
// No correlation, for a 1:1, order-preserving process:
//
//	proc, err := corrpipe.NewProcessor[string, int](
//		func(ctx context.Context, s string) (int, error) { return len(s), nil },
//		corrpipe.WithBufferSize[string, int](16),
//		corrpipe.WithTimeout[string, int](time.Second),
//		corrpipe.WithName[string, int]("length"),
//	)
//	if err != nil {
//		// construction failed: InvalidArgument
//	}
//
//	n, err := proc.Submit(ctx, "abc")
//	// n == 3, err == nil
//
//	<-proc.Shutdown(ctx)
//
// # Correlated submission
//
// For a process that may reorder or drop elements, a Correlator matches
// each response back to its request by a derived key:
//
//	proc, err := corrpipe.NewProcessor[int, int](
//		shuffledEcho,
//		corrpipe.WithBufferSize[int, int](64),
//		corrpipe.WithTimeout[int, int](time.Second),
//		corrpipe.WithName[int, int]("echo"),
//		corrpipe.WithCorrelation(corrpipe.KeyFuncs[int, int, int]{
//			KeyOfRequest:  func(r int) int { return r },
//			KeyOfResponse: func(s int) int { return s },
//		}, time.Second),
//	)
//
// # Splicing a sequence
//
// Into feeds an upstream sequence directly into a shared Processor and
// yields results in upstream's own order:
//
//	results, agg := corrpipe.Into(ctx, upstream, proc.Sink(), time.Second, 4)
//	for v, err := range results {
//		// ...
//	}
//	if len(agg.Inner()) > 0 {
//		// agg.Error() summarizes every per-item failure observed above
//	}
package corrpipe
