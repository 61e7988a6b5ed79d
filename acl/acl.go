// Package acl implements the client access control list on a CIDR trie.
package acl

import (
	"net"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// ACL is an immutable set of allowed client networks. Build a new one and
// publish it through a holder to change the list at runtime.
type ACL struct {
	ranger cidranger.Ranger
	nets   []string
	empty  bool
}

// New builds an ACL from CIDR strings. Invalid entries are logged and
// skipped. An empty list admits everyone.
func New(cidrs []string) *ACL {
	a := &ACL{ranger: cidranger.NewPCTrieRanger()}

	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
		a.nets = append(a.nets, ipnet.String())
	}

	a.empty = len(a.nets) == 0

	return a
}

// Allowed reports whether ip may query this instance.
func (a *ACL) Allowed(ip net.IP) bool {
	if a.empty {
		return true
	}

	if ip == nil {
		return false
	}

	ok, err := a.ranger.Contains(ip)
	if err != nil {
		return false
	}

	return ok
}

// Networks returns the configured network list.
func (a *ACL) Networks() []string {
	return a.nets
}
