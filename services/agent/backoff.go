package agent

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
	reconnectJitter  = 0.5
)

// fibonacciBackOff yields 1s, 1s, 2s, 3s, 5s, ... capped at 30s, each
// randomised by up to half its value in either direction. A delay is never
// shorter than the one before it.
type fibonacciBackOff struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
	rand    func() float64

	prev time.Duration
	next time.Duration
	last time.Duration
}

var _ backoff.BackOff = (*fibonacciBackOff)(nil)

func newFibonacciBackOff() *fibonacciBackOff {
	b := &fibonacciBackOff{
		initial: reconnectInitial,
		max:     reconnectMax,
		jitter:  reconnectJitter,
		rand:    rand.Float64,
	}
	b.Reset()
	return b
}

func (b *fibonacciBackOff) Reset() {
	b.prev = 0
	b.next = b.initial
	b.last = 0
}

// advance returns the next delay before jitter.
func (b *fibonacciBackOff) advance() time.Duration {
	d := min(b.next, b.max)
	if b.next < b.max {
		b.prev, b.next = b.next, b.next+b.prev
	}
	return d
}

func (b *fibonacciBackOff) NextBackOff() time.Duration {
	d := b.advance()
	delta := b.jitter * float64(d)
	d = time.Duration(float64(d) - delta + 2*delta*b.rand())
	d = min(max(d, b.last), b.max)
	b.last = d
	return d
}
