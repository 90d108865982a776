package util

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallel_VisitsEveryInput(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	var inFlight, peak atomic.Int32

	err := Parallel(context.Background(), []int{1, 2, 3, 4, 5, 6, 7}, 3, func(_ context.Context, n int) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})

	assert.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7}, seen)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestParallel_FirstErrorWins(t *testing.T) {
	boom := errors.New("boom")
	err := Parallel(context.Background(), []string{"a", "b", "c"}, 1, func(_ context.Context, s string) error {
		if s == "b" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestParallel_EmptyAndCancelled(t *testing.T) {
	assert.NoError(t, Parallel(context.Background(), []int(nil), 4, func(context.Context, int) error {
		t.Fatal("fn called for empty input")
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Parallel(ctx, []int{1, 2}, 0, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
