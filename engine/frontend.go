// Package engine glues the query life-cycle together: classification, rule
// pipelines, cache, policy selection, in-flight correlation and the reply
// path.
package engine

import (
	"net"
	"sync/atomic"
)

// ClientState is the per-frontend listener state, one per address and
// protocol combination.
type ClientState struct {
	Addr  string
	Proto string // "udp", "tcp", "dot" or "doh"
	TCP   bool

	// Muted frontends never send responses, they only count them.
	Muted bool

	Queries      atomic.Uint64
	Responses    atomic.Uint64
	Dropped      atomic.Uint64
	NonCompliant atomic.Uint64
}

// NewClientState returns a frontend for addr speaking proto.
func NewClientState(addr, proto string) *ClientState {
	return &ClientState{
		Addr:  addr,
		Proto: proto,
		TCP:   proto != "udp",
	}
}

func isLoopback(addr net.Addr) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.IsLoopback()
	case *net.TCPAddr:
		return a.IP.IsLoopback()
	}

	return false
}
