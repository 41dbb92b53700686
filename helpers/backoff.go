package helpers

import (
	"time"
)

// Limited exponential backoff for retry delays.
// Delay(0) is always 0, so first attempt is immediate.
// Delay(n) = Min * K^(n-1), clamped to [Min, Max].
type Backoff struct {
	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for attempt := 0; ; attempt++ {
//   time.Sleep(backoff.Delay(attempt))
//   if op() == nil { break }
// }
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	k := b.K
	if k < 1 {
		k = 1
	}
	next := float64(b.Min)
	for i := 1; i < attempt; i++ {
		next *= float64(k)
		if b.Max != 0 && next >= float64(b.Max) {
			break
		}
	}
	return b.limit(time.Duration(next))
}

func (b Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
