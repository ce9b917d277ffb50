package work

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays that grow geometrically from Base up to
// Max. Jitter picks the actual delay from [d/2, d].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter func(d time.Duration) time.Duration
}

// Delay returns the wait before the attempt following failure n (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	d := geometric(b.Base, b.Max, n)
	if d <= 0 {
		return 0
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = halfJitter
	}
	return jitter(d)
}

func halfJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}
