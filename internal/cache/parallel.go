package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrCallTimeout marks a parallel slot that outlived ParallelOptions.Timeout.
var ErrCallTimeout = errors.New("parallel: call timeout")

type ParallelOptions struct {
	MaxConcurrency int
	// Timeout bounds each call; zero means no per-call bound.
	Timeout  time.Duration
	FailFast bool
}

// Result is one slot of a Parallel run.
type Result[T any] struct {
	Value T
	Err   error
}

// Parallel runs fns in batches of at most MaxConcurrency. The returned slice
// always has len(fns) slots in input order. With FailFast the first error is
// also returned and the rest of its batch is cancelled; later batches do not
// start.
func Parallel[T any](ctx context.Context, fns []func(ctx context.Context) (T, error), opts ParallelOptions) ([]Result[T], error) {
	results := make([]Result[T], len(fns))
	size := opts.MaxConcurrency
	if size <= 0 {
		size = 5
	}
	for start := 0; start < len(fns); start += size {
		if err := ctx.Err(); err != nil {
			fillRemaining(results, start, err)
			return results, err
		}
		end := min(start+size, len(fns))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			fn := fns[i]
			g.Go(func() error {
				v, err := callWithTimeout(gctx, fn, opts.Timeout)
				results[i] = Result[T]{Value: v, Err: err}
				if err != nil && opts.FailFast {
					return fmt.Errorf("parallel slot %d: %w", i, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			fillRemaining(results, end, context.Canceled)
			return results, err
		}
	}
	return results, nil
}

func fillRemaining[T any](results []Result[T], from int, err error) {
	for i := from; i < len(results); i++ {
		results[i].Err = err
	}
}

func callWithTimeout[T any](ctx context.Context, fn func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	var zero T
	if fn == nil {
		return zero, errors.New("parallel: nil function")
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{v, err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	}
}
