// Package dynblock implements the dynamic block tables, temporary bans
// keyed by client network and by DNS suffix.
package dynblock

import (
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/dnsgate/dnsgate/rules"
	"github.com/dnsgate/dnsgate/state"
	"github.com/dnsgate/dnsgate/util"
)

// DynBlock is one temporary ban. Action overrides the engine's default
// dynamic block action when not ActionNone. Warning blocks count hits but are not enforced.
type DynBlock struct {
	Reason  string
	Until   time.Time
	Action  rules.Action
	Warning bool
	BPF     bool

	blocks atomic.Uint64
}

// Hit counts one blocked query.
func (d *DynBlock) Hit() { d.blocks.Add(1) }

// Blocks returns the number of queries this ban matched.
func (d *DynBlock) Blocks() uint64 { return d.blocks.Load() }

// Live reports whether the ban is still in force at now.
func (d *DynBlock) Live(now time.Time) bool { return now.Before(d.Until) }

type netEntry struct {
	ipnet net.IPNet
	block *DynBlock
}

func (e *netEntry) Network() net.IPNet { return e.ipnet }

// netTable is an immutable snapshot of the address-keyed bans.
type netTable struct {
	ranger  cidranger.Ranger
	entries []*netEntry
}

func buildNetTable(entries []*netEntry) *netTable {
	t := &netTable{ranger: cidranger.NewPCTrieRanger(), entries: entries}
	for _, e := range entries {
		_ = t.ranger.Insert(e)
	}

	return t
}

// suffixNode is one label of the suffix tree. A node with a block bans the
// whole subtree under its name.
type suffixNode struct {
	children map[string]*suffixNode
	block    *DynBlock
}

func (n *suffixNode) clone() *suffixNode {
	cp := &suffixNode{block: n.block}
	if len(n.children) > 0 {
		cp.children = make(map[string]*suffixNode, len(n.children))
		for label, child := range n.children {
			cp.children[label] = child
		}
	}

	return cp
}

// Registry holds both tables behind versioned snapshots.
type Registry struct {
	nmg *state.Holder[*netTable]
	smt *state.Holder[*suffixNode]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nmg: state.New(buildNetTable(nil)),
		smt: state.New(&suffixNode{}),
	}
}

// AddNetmask bans a client network. An existing ban on the same network is
// replaced, keeping the later expiry and carrying the hit count forward.
func (r *Registry) AddNetmask(cidr string, block *DynBlock) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}

	r.nmg.Modify(func(t *netTable) *netTable {
		entries := make([]*netEntry, 0, len(t.entries)+1)
		for _, e := range t.entries {
			if e.ipnet.String() == ipnet.String() {
				if e.block.Until.After(block.Until) {
					block.Until = e.block.Until
				}
				block.blocks.Add(e.block.Blocks())
				continue
			}
			entries = append(entries, e)
		}
		entries = append(entries, &netEntry{ipnet: *ipnet, block: block})

		return buildNetTable(entries)
	})

	zlog.Info("Dynamic block inserted", "netmask", ipnet.String(), "reason", block.Reason, "until", block.Until)

	return nil
}

// AddSuffix bans a DNS subtree. Merging follows the netmask rules.
func (r *Registry) AddSuffix(name string, block *DynBlock) {
	labels := splitLabels(util.CanonicalName(name))

	r.smt.Modify(func(root *suffixNode) *suffixNode {
		newRoot := root.clone()
		node := newRoot
		// walk from the TLD down, copying the touched path
		for i := len(labels) - 1; i >= 0; i-- {
			label := labels[i]
			child, ok := node.children[label]
			if ok {
				child = child.clone()
			} else {
				child = &suffixNode{}
			}
			if node.children == nil {
				node.children = make(map[string]*suffixNode)
			}
			node.children[label] = child
			node = child
		}

		if node.block != nil {
			if node.block.Until.After(block.Until) {
				block.Until = node.block.Until
			}
			block.blocks.Add(node.block.Blocks())
		}
		node.block = block

		return newRoot
	})

	zlog.Info("Dynamic block inserted", "suffix", name, "reason", block.Reason, "until", block.Until)
}

// Lookup returns the most specific live ban covering ip.
func (r *Registry) Lookup(ip net.IP, now time.Time) *DynBlock {
	if ip == nil {
		return nil
	}

	t := *r.nmg.Get()

	matches, err := t.ranger.ContainingNetworks(ip)
	if err != nil || len(matches) == 0 {
		return nil
	}

	var best *netEntry
	bestOnes := -1
	for _, m := range matches {
		e := m.(*netEntry)
		if !e.block.Live(now) {
			continue
		}
		ones, _ := e.ipnet.Mask.Size()
		if ones > bestOnes {
			best, bestOnes = e, ones
		}
	}

	if best == nil {
		return nil
	}

	return best.block
}

// LookupSuffix returns the most specific live ban covering qname.
func (r *Registry) LookupSuffix(qname string, now time.Time) *DynBlock {
	labels := splitLabels(util.CanonicalName(qname))

	node := *r.smt.Get()
	var best *DynBlock

	for i := len(labels) - 1; i >= 0; i-- {
		child, ok := node.children[labels[i]]
		if !ok {
			break
		}

		if child.block != nil && child.block.Live(now) {
			best = child.block
		}
		node = child
	}

	return best
}

// Purge drops expired bans from both tables.
func (r *Registry) Purge(now time.Time) (removed int) {
	r.nmg.Modify(func(t *netTable) *netTable {
		entries := make([]*netEntry, 0, len(t.entries))
		for _, e := range t.entries {
			if e.block.Live(now) {
				entries = append(entries, e)
			} else {
				removed++
			}
		}

		return buildNetTable(entries)
	})

	r.smt.Modify(func(root *suffixNode) *suffixNode {
		pruned, n := pruneExpired(root, now)
		removed += n
		if pruned == nil {
			pruned = &suffixNode{}
		}

		return pruned
	})

	return removed
}

// NetmaskCount returns the number of address bans, expired included.
func (r *Registry) NetmaskCount() int {
	return len((*r.nmg.Get()).entries)
}

func pruneExpired(node *suffixNode, now time.Time) (*suffixNode, int) {
	removed := 0
	cp := &suffixNode{}

	if node.block != nil {
		if node.block.Live(now) {
			cp.block = node.block
		} else {
			removed++
		}
	}

	for label, child := range node.children {
		pruned, n := pruneExpired(child, now)
		removed += n
		if pruned != nil {
			if cp.children == nil {
				cp.children = make(map[string]*suffixNode)
			}
			cp.children[label] = pruned
		}
	}

	if cp.block == nil && len(cp.children) == 0 {
		return nil, removed
	}

	return cp, removed
}

func splitLabels(fqdn string) []string {
	trimmed := strings.TrimSuffix(fqdn, ".")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, ".")
}
