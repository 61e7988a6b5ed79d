package pcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keyBuffer holds a reusable buffer for fingerprint generation.
type keyBuffer struct {
	buf [288]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Fingerprint hashes the identifying parts of a query into a cache key.
// Format: [qclass:2][qtype:2][flags:2][ecs][qname]. The name is lowercased
// so fingerprints are case insensitive. Pass ecs == "" for the no-ECS key.
func Fingerprint(name string, qtype, qclass, flags uint16, ecs string) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	buf := kb.buf[:0]

	buf = append(buf, byte(qclass>>8), byte(qclass))
	buf = append(buf, byte(qtype>>8), byte(qtype))
	buf = append(buf, byte(flags>>8), byte(flags))
	buf = append(buf, ecs...)

	if len(buf)+len(name) > cap(buf) {
		// extremely long names spill to the heap
		spill := make([]byte, len(buf), len(buf)+len(name))
		copy(spill, buf)
		buf = spill
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	key := xxhash.Sum64(buf)
	keyBufferPool.Put(kb)

	return key
}
