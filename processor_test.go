package corrpipe_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corrpipe/corrpipe"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// Scenario 1: a plain, order-preserving process resolves one submit.
func TestScenarioDirectSubmitResolvesValue(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	proc, err := corrpipe.NewProcessor[string, int](
		func(_ context.Context, s string) (int, error) { return len(s), nil },
		corrpipe.WithBufferSize[string, int](4),
		corrpipe.WithTimeout[string, int](time.Second),
		corrpipe.WithName[string, int]("length"),
	)
	suite.NoError(err)

	n, err := proc.Submit(context.Background(), "abc")
	suite.NoError(err)
	suite.Equal(3, n)

	<-proc.Shutdown(context.Background())
}

// Scenario 2: a slower-than-timeout process fails the slot with Timeout.
func TestScenarioSlowProcessTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	proc, err := corrpipe.NewProcessor[string, string](
		func(ctx context.Context, s string) (string, error) {
			select {
			case <-time.After(time.Second):
				return s, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		corrpipe.WithBufferSize[string, string](4),
		corrpipe.WithTimeout[string, string](50*time.Millisecond),
		corrpipe.WithName[string, string]("slow"),
	)
	suite.NoError(err)

	_, err = proc.Submit(context.Background(), "abc")
	suite.ErrorIs(err, corrpipe.Timeout)

	<-proc.Shutdown(context.Background())
}

// Scenario 3: resume supervision - one failing submission doesn't
// prevent the next one on the same process from resolving.
func TestScenarioResumeAfterElementFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	type pair struct{ n, m int }

	proc, err := corrpipe.NewProcessor[pair, int](
		func(_ context.Context, p pair) (int, error) {
			if p.m == 0 {
				return 0, errors.New("division by zero")
			}
			return p.n / p.m, nil
		},
		corrpipe.WithBufferSize[pair, int](4),
		corrpipe.WithTimeout[pair, int](100*time.Millisecond),
		corrpipe.WithName[pair, int]("divide"),
	)
	suite.NoError(err)

	_, err = proc.Submit(context.Background(), pair{4, 0})
	suite.ErrorIs(err, corrpipe.Timeout)

	v, err := proc.Submit(context.Background(), pair{4, 2})
	suite.NoError(err)
	suite.Equal(2, v)

	<-proc.Shutdown(context.Background())
}

// Scenario 4: under Shutdown mid-flight, admitted requests still
// resolve or fail, but no new submission is ever silently lost.
func TestScenarioShutdownDrainsAdmittedWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	var processed atomic.Int32

	proc, err := corrpipe.NewProcessor[int, int](
		func(_ context.Context, n int) (int, error) {
			time.Sleep(10 * time.Millisecond)
			processed.Add(1)
			return n, nil
		},
		corrpipe.WithBufferSize[int, int](2),
		corrpipe.WithMaxInFlight[int, int](2),
		corrpipe.WithTimeout[int, int](time.Second),
		corrpipe.WithName[int, int]("throttled"),
	)
	suite.NoError(err)

	results := make([]error, 10)
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func(i int) {
			_, err := proc.Submit(context.Background(), i)
			results[i] = err
			if i == 9 {
				close(done)
			}
		}(i)

		if i == 6 {
			proc.Shutdown(context.Background())
		}
	}

	<-done

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		suite.True(errors.Is(err, corrpipe.Unavailable) || errors.Is(err, corrpipe.Shutdown))
	}

	suite.GreaterOrEqual(succeeded, 1)
}

// Scenario 5: correlated process that may shuffle output still
// resolves each submission to its own matching value.
func TestScenarioCorrelatedProcessResolvesDespiteReordering(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	proc, err := corrpipe.NewProcessor[int, int](
		func(_ context.Context, n int) (int, error) {
			time.Sleep(time.Duration(n%5) * time.Millisecond)
			return n, nil
		},
		corrpipe.WithBufferSize[int, int](128),
		corrpipe.WithMaxInFlight[int, int](32),
		corrpipe.WithTimeout[int, int](time.Second),
		corrpipe.WithName[int, int]("shuffled-echo"),
		corrpipe.WithCorrelation(corrpipe.KeyFuncs[int, int, int]{
			KeyOfRequest:  func(r int) int { return r },
			KeyOfResponse: func(s int) int { return s },
		}, 20*time.Millisecond),
	)
	suite.NoError(err)

	results := make([]int, 100)
	errs := make([]error, 100)
	doneCh := make(chan struct{})

	var remaining atomic.Int32
	remaining.Store(100)

	for i := 0; i < 100; i++ {
		go func(i int) {
			v, err := proc.Submit(context.Background(), i)
			results[i] = v
			errs[i] = err
			if remaining.Add(-1) == 0 {
				close(doneCh)
			}
		}(i)
	}

	<-doneCh

	for i := 0; i < 100; i++ {
		suite.NoError(errs[i])
		suite.Equal(i, results[i])
	}

	<-proc.Shutdown(context.Background())
}

// Shutdown must force-fail a pending Slot even when work() silently
// dropped its element under resume supervision and no correlation
// table ever saw it — previously only correlated-mode slots were
// force-failed, leaving a non-correlated dropped Slot to resolve only
// via its own much longer deadline timer.
func TestScenarioShutdownFailsNonCorrelatedDroppedSlot(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	proc, err := corrpipe.NewProcessor[int, int](
		func(_ context.Context, n int) (int, error) { return 0, errors.New("boom") },
		corrpipe.WithBufferSize[int, int](1),
		corrpipe.WithTimeout[int, int](10*time.Second),
		corrpipe.WithName[int, int]("always-errors"),
	)
	suite.NoError(err)

	start := time.Now()
	submitErrCh := make(chan error, 1)

	go func() {
		_, err := proc.Submit(context.Background(), 1)
		submitErrCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	<-proc.Shutdown(context.Background())

	submitErr := <-submitErrCh
	elapsed := time.Since(start)

	suite.ErrorIs(submitErr, corrpipe.Shutdown)
	suite.Less(elapsed, time.Second)
}

func TestNewProcessorRejectsInvalidConfiguration(t *testing.T) {
	suite := assert.New(t)

	_, err := corrpipe.NewProcessor[int, int](
		func(_ context.Context, n int) (int, error) { return n, nil },
		corrpipe.WithBufferSize[int, int](0),
		corrpipe.WithTimeout[int, int](time.Second),
	)
	suite.ErrorIs(err, corrpipe.InvalidArgument)

	_, err = corrpipe.NewProcessor[int, int](
		func(_ context.Context, n int) (int, error) { return n, nil },
		corrpipe.WithBufferSize[int, int](1),
	)
	suite.ErrorIs(err, corrpipe.InvalidArgument)
}

func TestProcessorShutdownIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite := assert.New(t)

	proc, err := corrpipe.NewProcessor[int, int](
		func(_ context.Context, n int) (int, error) { return n, nil },
		corrpipe.WithBufferSize[int, int](4),
		corrpipe.WithTimeout[int, int](time.Second),
		corrpipe.WithName[int, int]("idempotent"),
	)
	suite.NoError(err)

	first := proc.Shutdown(context.Background())
	second := proc.Shutdown(context.Background())

	<-first
	<-second
	<-proc.WhenDone()
}
