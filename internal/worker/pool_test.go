package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	var running, peak int32
	p := NewPool(3, func(ctx context.Context, n int) (int, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return n * 2, nil
	})

	sum := 0
	count := 0
	for r := range p.Run(context.Background(), []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}) {
		require.NoError(t, r.Err)
		assert.Equal(t, r.Item*2, r.Value)
		sum += r.Value
		count++
	}
	assert.Equal(t, 10, count)
	assert.Equal(t, 110, sum)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestPoolDeliversInCompletionOrder(t *testing.T) {
	p := NewPool(2, func(ctx context.Context, d time.Duration) (time.Duration, error) {
		time.Sleep(d)
		return d, nil
	})
	var got []time.Duration
	for r := range p.Run(context.Background(), []time.Duration{80 * time.Millisecond, 5 * time.Millisecond}) {
		got = append(got, r.Value)
	}
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 80 * time.Millisecond}, got)
}

func TestPoolIsolatesErrorsAndPanics(t *testing.T) {
	p := NewPool(4, func(ctx context.Context, n int) (string, error) {
		switch n {
		case 2:
			return "", errors.New("boom")
		case 3:
			panic("bad input")
		}
		return "ok", nil
	})

	errs := map[int]error{}
	for r := range p.Run(context.Background(), []int{1, 2, 3, 4}) {
		errs[r.Item] = r.Err
	}
	require.Len(t, errs, 4)
	assert.NoError(t, errs[1])
	assert.EqualError(t, errs[2], "boom")
	assert.ErrorContains(t, errs[3], "bad input")
	assert.NoError(t, errs[4])
}

func TestPoolEmptyBatchClosesChannel(t *testing.T) {
	p := NewPool(0, func(ctx context.Context, n int) (int, error) { return n, nil })
	assert.Equal(t, 1, p.Size())
	_, open := <-p.Run(context.Background(), nil)
	assert.False(t, open)
}
