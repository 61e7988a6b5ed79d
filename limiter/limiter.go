// Package limiter implements the token bucket gate used for per-server and
// per-rule queries-per-second limits.
package limiter

import (
	"sync"
	"time"

	"github.com/dnsgate/dnsgate/util"
)

// QPS is a token bucket with a steady-state rate and a burst capacity.
// A rate of zero creates a passthrough limiter that admits everything.
type QPS struct {
	mu     sync.Mutex
	prev   util.StopWatch
	tokens float64

	rate        uint32
	burst       uint32
	passthrough bool
}

// New returns a limiter admitting rate queries per second with the given
// burst capacity. rate == 0 means passthrough.
func New(rate, burst uint32) *QPS {
	l := &QPS{rate: rate, burst: burst, passthrough: rate == 0}
	l.tokens = float64(burst)
	l.prev.Start()

	return l
}

// Rate returns the configured rate, zero for passthrough limiters.
func (l *QPS) Rate() uint32 {
	if l.passthrough {
		return 0
	}

	return l.rate
}

// Check refills the bucket, then admits and consumes one token if available.
func (l *QPS) Check() bool {
	if l.passthrough {
		l.touch()
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refill() {
		l.tokens--
		return true
	}

	return false
}

// CheckOnly reports whether a token is available without consuming it.
func (l *QPS) CheckOnly() bool {
	if l.passthrough {
		l.touch()
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.refill()
}

// SeenSince reports whether the limiter was consulted after t.
func (l *QPS) SeenSince(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return t.Before(l.prev.Started())
}

// touch records a consultation of a passthrough limiter for SeenSince.
func (l *QPS) touch() {
	l.mu.Lock()
	l.prev.Start()
	l.mu.Unlock()
}

// refill advances the bucket. Time going backwards skips the refill but the
// call still proceeds.
func (l *QPS) refill() bool {
	delta := l.prev.UDiffAndSet()

	if delta > 0 {
		l.tokens += float64(l.rate) * (delta / 1e6)
	}

	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	// burst=1 would never admit without the >= 1.0 floor
	return l.tokens >= 1.0
}
