package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type Func[T, R any] func(ctx context.Context, item T) (R, error)

type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Pool runs one batch of items at a time with bounded concurrency.
type Pool[T, R any] struct {
	size int
	fn   Func[T, R]
}

func NewPool[T, R any](size int, fn Func[T, R]) *Pool[T, R] {
	if size < 1 {
		size = 1
	}
	return &Pool[T, R]{size: size, fn: fn}
}

func (p *Pool[T, R]) Size() int { return p.size }

// Run starts the batch and returns its results in completion order. The
// channel is closed once every item has finished. A panicking fn is
// reported as that item's error.
func (p *Pool[T, R]) Run(ctx context.Context, items []T) <-chan Result[T, R] {
	out := make(chan Result[T, R], len(items))
	var g errgroup.Group
	g.SetLimit(p.size)
	go func() {
		defer close(out)
		for _, it := range items {
			it := it
			g.Go(func() error {
				out <- p.call(ctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

func (p *Pool[T, R]) call(ctx context.Context, it T) (res Result[T, R]) {
	res.Item = it
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	res.Value, res.Err = p.fn(ctx, it)
	return res
}
