// Package backend implements downstream servers: their sockets, in-flight
// correlation tables, health state and pool/policy selection.
package backend

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dnsgate/dnsgate/util"
)

// UnusedIndicator marks a free slot. Generations are widened unsigned
// 32-bit values, so they never collide with it.
const UnusedIndicator = int64(-1)

// Unit is an external resource attached to an in-flight query, typically
// the back-channel to the frontend goroutine waiting for the response.
// Release is called when the slot is reused or times out.
type Unit interface {
	Release()
}

// IDData is the correlation payload of one in-flight query. It is copied
// out by the responder before the slot is released, so it must stay a plain
// value type.
type IDData struct {
	OrigRemote net.Addr
	OrigDest   net.Addr
	HopRemote  net.Addr
	HopLocal   net.Addr

	SentTime util.StopWatch

	Qname    string
	Qtype    uint16
	Qclass   uint16
	PoolName string

	OrigID    uint16
	OrigFlags uint16
	DelayMsec int

	CacheKey      uint64
	CacheKeyNoECS uint64

	ECSAdded     bool
	EDNSAdded    bool
	SkipCache    bool
	UseZeroScope bool
	DNSSECOK     bool

	UniqueID       *uuid.UUID
	TempFailureTTL *uint32

	Unit Unit
}

// IDState is one slot of a backend's in-flight table.
//
// The usage indicator is -1 while the slot is free and holds the widened
// per-slot generation while in use. The generation increases on every
// acquisition, so a responder that read the slot before it was reused fails
// its compare-and-swap instead of releasing a fresh query (the ABA hazard).
type IDState struct {
	usage      atomic.Int64
	generation atomic.Uint32

	Data IDData
}

// InUse reports whether the slot currently holds an outstanding query.
func (s *IDState) InUse() bool {
	return s.usage.Load() != UnusedIndicator
}

// Usage returns the current usage indicator.
func (s *IDState) Usage() int64 {
	return s.usage.Load()
}

// TryMarkUnused releases the slot if the indicator still matches expected.
// Exactly one of two racing releasers succeeds.
func (s *IDState) TryMarkUnused(expected int64) bool {
	return s.usage.CompareAndSwap(expected, UnusedIndicator)
}

// publish stores a fresh generation in the indicator after the data fields
// have been written. It returns the published indicator and the previous
// one, so the caller can detect a reuse.
func (s *IDState) publish() (usage, prev int64) {
	gen := s.generation.Add(1)
	usage = int64(gen)

	return usage, s.usage.Swap(usage)
}
