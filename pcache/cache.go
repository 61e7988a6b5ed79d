// Package pcache implements the packet cache keyed by query fingerprints.
package pcache

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrCacheNotFound is returned on a miss.
	ErrCacheNotFound = errors.New("cache not found")
	// ErrCacheExpired is returned when the entry exists but its TTL ran out.
	ErrCacheExpired = errors.New("cache expired")
)

const (
	shardCount = 256

	// MaxEntrySize is the largest response the cache stores, in octets.
	MaxEntrySize = 4096
)

type entry struct {
	msg   *dns.Msg
	added time.Time
	ttl   uint32
}

type shard struct {
	mu sync.RWMutex
	m  map[uint64]*entry
}

// Cache maps fingerprints to cached answers.
type Cache struct {
	shards [shardCount]shard

	maxEntries int
	maxTTL     uint32
	minTTL     uint32
	staleTTL   uint32

	hits    atomic.Uint64
	misses  atomic.Uint64
	inserts atomic.Uint64
}

// New returns a cache bounded to size entries. maxTTL caps how long an
// answer may be served, minTTL floors it, staleTTL is the window in which an
// expired entry can still be served to cover dead backends.
func New(size int, maxTTL, minTTL, staleTTL uint32) *Cache {
	if size < 1 {
		size = 1
	}

	c := &Cache{
		maxEntries: size,
		maxTTL:     maxTTL,
		minTTL:     minTTL,
		staleTTL:   staleTTL,
	}

	for i := range c.shards {
		c.shards[i].m = make(map[uint64]*entry)
	}

	return c
}

// Lookup returns a copy of the cached answer under key with id rewritten and
// TTLs decremented by the entry age, clamped at zero.
func (c *Cache) Lookup(key uint64, id uint16, now time.Time) (*dns.Msg, error) {
	s := &c.shards[key%shardCount]

	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, ErrCacheNotFound
	}

	age := uint32(now.Sub(e.added) / time.Second)
	if age >= e.ttl {
		c.misses.Add(1)
		return nil, ErrCacheExpired
	}

	c.hits.Add(1)

	return copyWithAge(e.msg, id, age), nil
}

// LookupStale behaves like Lookup but also serves entries that expired less
// than staleTTL seconds ago. TTLs are aged as in Lookup, so on a stale
// answer every record whose TTL ran out carries zero.
func (c *Cache) LookupStale(key uint64, id uint16, now time.Time) (*dns.Msg, error) {
	s := &c.shards[key%shardCount]

	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrCacheNotFound
	}

	age := uint32(now.Sub(e.added) / time.Second)
	if age >= e.ttl+c.staleTTL {
		return nil, ErrCacheExpired
	}

	return copyWithAge(e.msg, id, age), nil
}

// Insert stores msg under key. Oversized and unanswerable messages are
// refused.
func (c *Cache) Insert(key uint64, msg *dns.Msg, now time.Time) bool {
	if msg == nil || msg.Len() > MaxEntrySize {
		return false
	}

	ttl := minTTL(msg)
	if ttl == 0 {
		return false
	}

	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl < c.minTTL {
		ttl = c.minTTL
	}

	e := &entry{msg: msg.Copy(), added: now, ttl: ttl}

	s := &c.shards[key%shardCount]
	s.mu.Lock()
	if len(s.m) >= c.maxEntries/shardCount+1 {
		// evict one arbitrary entry, map iteration order serves as a
		// cheap random pick
		for k := range s.m {
			delete(s.m, k)
			break
		}
	}
	s.m[key] = e
	s.mu.Unlock()

	c.inserts.Add(1)

	return true
}

// Expunge removes entries that are past their stale window.
func (c *Cache) Expunge(now time.Time) (removed int) {
	for i := range c.shards {
		s := &c.shards[i]

		s.mu.Lock()
		for k, e := range s.m {
			age := uint32(now.Sub(e.added) / time.Second)
			if age >= e.ttl+c.staleTTL {
				delete(s.m, k)
				removed++
			}
		}
		s.mu.Unlock()
	}

	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}

	return n
}

// Stats returns hit, miss and insert counts.
func (c *Cache) Stats() (hits, misses, inserts uint64) {
	return c.hits.Load(), c.misses.Load(), c.inserts.Load()
}

func copyWithAge(msg *dns.Msg, id uint16, age uint32) *dns.Msg {
	m := msg.Copy()
	m.Id = id

	for _, rrs := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}

			if rr.Header().Ttl > age {
				rr.Header().Ttl -= age
			} else {
				rr.Header().Ttl = 0
			}
		}
	}

	return m
}

func minTTL(msg *dns.Msg) uint32 {
	ttl := uint32(0)
	found := false

	for _, rrs := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}

			if !found || rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
				found = true
			}
		}
	}

	if !found {
		return 0
	}

	return ttl
}
