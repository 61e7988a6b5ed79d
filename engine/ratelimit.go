package engine

import (
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const clientLimitCap = 256 * 100

// clientLimits keeps one token bucket per client address for the frontend
// rate gate.
type clientLimits struct {
	mu sync.Mutex
	m  map[uint64]*rate.Limiter

	qps int
}

func newClientLimits(qps int) *clientLimits {
	return &clientLimits{
		m:   make(map[uint64]*rate.Limiter),
		qps: qps,
	}
}

// allow reports whether the client under ip may proceed.
func (c *clientLimits) allow(ip net.IP) bool {
	if c.qps <= 0 {
		return true
	}

	key := xxhash.Sum64(ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.m[key]
	if !ok {
		if len(c.m) >= clientLimitCap {
			// shed an arbitrary tracked client rather than grow without bound
			for k := range c.m {
				delete(c.m, k)
				break
			}
		}

		l = rate.NewLimiter(rate.Every(time.Second/time.Duration(c.qps)), c.qps)
		c.m[key] = l
	}

	return l.Allow()
}
