package he

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// NumWorkers bounds the number of goroutines used by ParallelFor.
var NumWorkers = runtime.NumCPU()

// ErrPanic wraps a panic raised by a ParallelFor body.
var ErrPanic = errors.New("panic in parallel task")

// ParallelFor runs fn for every index in [0, n) on a bounded pool and
// returns the first error. Results must be written to disjoint,
// index-addressed slots so that output order is independent of scheduling.
// A panic in fn is returned as an error wrapping ErrPanic.
func ParallelFor(ctx context.Context, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return call(fn, 0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(NumWorkers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return call(fn, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func call(fn func(i int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: index %d: %v", ErrPanic, i, r)
		}
	}()
	return fn(i)
}
