// Package backoff provides decorrelated-jitter retry delays and
// context-aware sleeping on an injectable clock.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Decorr generates "decorrelated jitter" delays as described in
// https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/:
// each delay is drawn uniformly from [base, prev*mul), capped at cap.
// Successive draws depend on the previous draw, which keeps concurrent
// retriers from synchronizing.
type Decorr struct {
	base  int64
	cap   int64
	mul   int64
	sleep int64
}

// NewDecorr returns a generator with the conventional multiplier of 3.
// With mul=3 the first draw is uniform in [base, 3*base), so its median
// is 2*base.
func NewDecorr(base, cap time.Duration) *Decorr {
	return NewDecorrWithMul(base, cap, 3)
}

// NewDecorrWithMul returns a generator with a custom multiplier.
func NewDecorrWithMul(base, cap time.Duration, mul int64) *Decorr {
	if base <= 0 {
		base = time.Millisecond
	}
	if cap < base {
		cap = base
	}
	if mul < 2 {
		mul = 2
	}
	return &Decorr{
		base:  int64(base),
		cap:   int64(cap),
		mul:   mul,
		sleep: int64(base),
	}
}

// Next draws the next delay and advances the generator state.
func (d *Decorr) Next() time.Duration {
	d.sleep = d.base + rand.N(d.sleep*d.mul-d.base)
	if d.sleep > d.cap {
		d.sleep = d.cap
	}
	return time.Duration(d.sleep)
}

// Schedule pre-draws n delays. Callers that must fix their delays up front
// (for example, a retry executor that commits to its schedule at
// construction) draw once and replay the slice.
func (d *Decorr) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d.Next()
	}
	return out
}

// Sleep waits for dur on the given clock or until ctx is done, whichever
// comes first. Returns ctx.Err() when the context wins.
func Sleep(ctx context.Context, clock clockwork.Clock, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
