package backend

import (
	"sort"

	"github.com/dnsgate/dnsgate/pcache"
	"github.com/dnsgate/dnsgate/state"
)

// NumberedServer is one pool member with its dense 1-based position.
type NumberedServer struct {
	Position int
	Server   *Server
}

// Pool is a named set of downstream servers. The member vector is published
// as an immutable snapshot, edits clone, sort, renumber and republish.
type Pool struct {
	Name string

	servers *state.Holder[[]NumberedServer]

	// Cache and Policy are optional pool overrides, fixed at build time.
	Cache  *pcache.Cache
	Policy *Policy
	UseECS bool
}

// NewPool returns an empty pool.
func NewPool(name string) *Pool {
	return &Pool{
		Name:    name,
		servers: state.New([]NumberedServer{}),
	}
}

// Servers returns the current member snapshot.
func (p *Pool) Servers() []NumberedServer {
	return *p.servers.Get()
}

// AddServer inserts server, resorts by ascending order and renumbers.
func (p *Pool) AddServer(server *Server) {
	p.servers.Modify(func(cur []NumberedServer) []NumberedServer {
		next := make([]NumberedServer, 0, len(cur)+1)
		next = append(next, cur...)
		next = append(next, NumberedServer{Server: server})

		return renumber(next)
	})

	server.Pools[p.Name] = struct{}{}
}

// RemoveServer drops server and renumbers the remainder.
func (p *Pool) RemoveServer(server *Server) {
	p.servers.Modify(func(cur []NumberedServer) []NumberedServer {
		next := make([]NumberedServer, 0, len(cur))
		for _, ns := range cur {
			if ns.Server != server {
				next = append(next, ns)
			}
		}

		return renumber(next)
	})

	delete(server.Pools, p.Name)
}

// Resort reapplies the order sort after a member's order changed.
func (p *Pool) Resort() {
	p.servers.Modify(func(cur []NumberedServer) []NumberedServer {
		next := make([]NumberedServer, len(cur))
		copy(next, cur)

		return renumber(next)
	})
}

// CountServers returns the member count, optionally only those up.
func (p *Pool) CountServers(upOnly bool) int {
	count := 0
	for _, ns := range p.Servers() {
		if !upOnly || ns.Server.IsUp() {
			count++
		}
	}

	return count
}

func renumber(servers []NumberedServer) []NumberedServer {
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].Server.Order() < servers[j].Server.Order()
	})

	for i := range servers {
		servers[i].Position = i + 1
	}

	return servers
}
