package jitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayWithinBounds(t *testing.T) {
	t.Parallel()

	p := New(time.Second, 3*time.Second)
	for i := 0; i < 200; i++ {
		d := p.Delay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestDelayEdges(t *testing.T) {
	t.Parallel()

	p := New(time.Second, 3*time.Second)
	p.rand = func() float64 { return 0 }
	assert.Equal(t, time.Second, p.Delay())
	p.rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, p.Delay())

	fixed := New(2*time.Second, time.Second)
	assert.Equal(t, 2*time.Second, fixed.Delay())
}

func TestWaitSleeps(t *testing.T) {
	t.Parallel()

	p := New(20*time.Millisecond, 20*time.Millisecond)
	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), "https://x.test"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, New(time.Hour, time.Hour).Wait(ctx, "https://x.test"), context.Canceled)
	require.ErrorIs(t, New(0, 0).Wait(ctx, "https://x.test"), context.Canceled)
}
