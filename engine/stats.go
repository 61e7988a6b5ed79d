package engine

import "sync/atomic"

// Stats aggregates the engine counters. All fields are atomics, the struct
// is shared by every worker.
type Stats struct {
	Queries   atomic.Uint64
	Responses atomic.Uint64

	NonCompliantQueries   atomic.Uint64
	NonCompliantResponses atomic.Uint64
	EmptyQueries          atomic.Uint64

	ACLDrops   atomic.Uint64
	DynBlocked atomic.Uint64

	RuleDrop      atomic.Uint64
	RuleNxdomain  atomic.Uint64
	RuleRefused   atomic.Uint64
	RuleServFail  atomic.Uint64
	RuleTruncated atomic.Uint64

	SelfAnswered atomic.Uint64

	CacheHits   atomic.Uint64
	CacheMisses atomic.Uint64

	NoPolicy          atomic.Uint64
	ServFailResponses atomic.Uint64

	DownstreamTimeouts   atomic.Uint64
	DownstreamSendErrors atomic.Uint64

	RateLimited atomic.Uint64

	Latency0_1      atomic.Uint64
	Latency1_10     atomic.Uint64
	Latency10_50    atomic.Uint64
	Latency50_100   atomic.Uint64
	Latency100_1000 atomic.Uint64
	LatencySlow     atomic.Uint64
	LatencySum      atomic.Uint64
	LatencyCount    atomic.Uint64
}

// RecordLatency files one response latency, given in microseconds, into the
// histogram buckets.
func (st *Stats) RecordLatency(usec float64) {
	msec := usec / 1000

	switch {
	case msec < 1:
		st.Latency0_1.Add(1)
	case msec < 10:
		st.Latency1_10.Add(1)
	case msec < 50:
		st.Latency10_50.Add(1)
	case msec < 100:
		st.Latency50_100.Add(1)
	case msec < 1000:
		st.Latency100_1000.Add(1)
	default:
		st.LatencySlow.Add(1)
	}

	st.LatencySum.Add(uint64(usec))
	st.LatencyCount.Add(1)
}
