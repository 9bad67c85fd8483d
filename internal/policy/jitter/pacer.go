// Package jitter implements the randomized politeness delay applied before
// each sequential paper fetch.
package jitter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Pacer sleeps for a uniformly random duration in [Min, Max] before each fetch.
type Pacer struct {
	min  time.Duration
	max  time.Duration
	rand func() float64
}

// New builds a Pacer. max is raised to min when smaller.
func New(minDelay, maxDelay time.Duration) *Pacer {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Pacer{min: minDelay, max: maxDelay, rand: rand.Float64}
}

// Delay draws the next delay.
func (p *Pacer) Delay() time.Duration {
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	return p.min + time.Duration(p.rand()*float64(span))
}

// Wait sleeps for the next delay or until ctx is done.
func (p *Pacer) Wait(ctx context.Context, _ string) error {
	d := p.Delay()
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("politeness wait: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("politeness wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
