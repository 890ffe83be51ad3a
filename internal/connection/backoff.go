package connection

import (
	"math/rand"
	"time"
)

// backoff returns the wait before retry n (n >= 1): base doubled per retry,
// capped at max, with the upper half randomized.
func backoff(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
