package backend

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/mroth/weightedrand"

	"github.com/dnsgate/dnsgate/dnsq"
)

// PolicyFunc selects one server from a pool snapshot, nil when no server
// qualifies.
type PolicyFunc func(servers []NumberedServer, q *dnsq.Question) *Server

// Policy is a named selection strategy.
type Policy struct {
	Name string
	Fn   PolicyFunc
}

var roundRobinCursor atomic.Uint64

// QnameHash hashes a canonical query name for the hashed policies.
func QnameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

func upServers(servers []NumberedServer) []NumberedServer {
	up := make([]NumberedServer, 0, len(servers))
	for _, ns := range servers {
		if ns.Server.IsUp() {
			up = append(up, ns)
		}
	}

	return up
}

// FirstAvailable picks the first up server whose limiter admits the query,
// consuming a token. When every limiter refuses it falls back to
// LeastOutstanding.
func FirstAvailable(servers []NumberedServer, q *dnsq.Question) *Server {
	for _, ns := range servers {
		if ns.Server.IsUp() && ns.Server.QPS.Check() {
			return ns.Server
		}
	}

	return LeastOutstanding(servers, q)
}

// RoundRobin cycles through the up servers.
func RoundRobin(servers []NumberedServer, q *dnsq.Question) *Server {
	up := upServers(servers)
	if len(up) == 0 {
		return nil
	}

	pos := roundRobinCursor.Add(1) - 1

	return up[pos%uint64(len(up))].Server
}

// LeastOutstanding picks the minimum of (outstanding, order, latency).
func LeastOutstanding(servers []NumberedServer, q *dnsq.Question) *Server {
	var best *Server

	for _, ns := range servers {
		s := ns.Server
		if !s.IsUp() {
			continue
		}

		if best == nil || lessLoaded(s, best) {
			best = s
		}
	}

	return best
}

func lessLoaded(a, b *Server) bool {
	ao, bo := a.Outstanding(), b.Outstanding()
	if ao != bo {
		return ao < bo
	}

	if a.Order() != b.Order() {
		return a.Order() < b.Order()
	}

	return a.LatencyUsec() < b.LatencyUsec()
}

// WHashed maps the query name onto a weighted table of the up servers, the
// same name lands on the same server as long as the set is stable.
func WHashed(servers []NumberedServer, q *dnsq.Question) *Server {
	up := upServers(servers)
	if len(up) == 0 {
		return nil
	}

	total := 0
	for _, ns := range up {
		total += ns.Server.Weight()
	}

	target := int(QnameHash(q.Name) % uint64(total))
	for _, ns := range up {
		target -= ns.Server.Weight()
		if target < 0 {
			return ns.Server
		}
	}

	return up[len(up)-1].Server
}

// WRandom picks a weighted-random up server.
func WRandom(servers []NumberedServer, q *dnsq.Question) *Server {
	up := upServers(servers)
	if len(up) == 0 {
		return nil
	}

	choices := make([]weightedrand.Choice, 0, len(up))
	for _, ns := range up {
		choices = append(choices, weightedrand.Choice{
			Item:   ns.Server,
			Weight: uint(ns.Server.Weight()),
		})
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil
	}

	return chooser.Pick().(*Server)
}

// CHashed looks the query name up on the consistent-hash ring assembled
// from every up server's positions: the owner is the first position at or
// after the hash, wrapping around.
func CHashed(servers []NumberedServer, q *dnsq.Question) *Server {
	h := QnameHash(q.Name)

	var owner, first *Server
	var ownerHash, firstHash uint64

	for _, ns := range servers {
		s := ns.Server
		if !s.IsUp() {
			continue
		}

		for _, sh := range s.Hashes() {
			if first == nil || sh < firstHash {
				first, firstHash = s, sh
			}
			if sh >= h && (owner == nil || sh < ownerHash) {
				owner, ownerHash = s, sh
			}
		}
	}

	if owner != nil {
		return owner
	}

	return first
}

// Random picks a uniformly random up server.
func Random(servers []NumberedServer, q *dnsq.Question) *Server {
	up := upServers(servers)
	if len(up) == 0 {
		return nil
	}

	return up[rand.Intn(len(up))].Server
}

var builtinPolicies = map[string]PolicyFunc{
	"firstAvailable":   FirstAvailable,
	"roundRobin":       RoundRobin,
	"leastOutstanding": LeastOutstanding,
	"whashed":          WHashed,
	"wrandom":          WRandom,
	"chashed":          CHashed,
	"random":           Random,
}

// PolicyByName resolves a built-in policy.
func PolicyByName(name string) (*Policy, error) {
	if fn, ok := builtinPolicies[name]; ok {
		return &Policy{Name: name, Fn: fn}, nil
	}

	return nil, fmt.Errorf("unknown policy %q", name)
}
