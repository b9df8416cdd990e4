package crosstab

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
)

// limiter is a fixed-window rate limiter.
type limiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// newLimiter allows rate events per window. A rate <= 0 disables limiting.
func newLimiter(rate int, window time.Duration, c clock.Clock) *limiter {
	return &limiter{
		clock:       c,
		rate:        rate,
		window:      window,
		windowStart: c.Now(),
	}
}

func (l *limiter) allow() bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}
