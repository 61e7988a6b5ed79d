package engine

import (
	"net"
	"strconv"

	"github.com/miekg/dns"

	"github.com/dnsgate/dnsgate/dnsq"
	"github.com/dnsgate/dnsgate/util"
)

const (
	ecsPrefixV4 = 24
	ecsPrefixV6 = 56
)

// ecsOption returns the client subnet option of m, nil when absent.
func ecsOption(m *dns.Msg) *dns.EDNS0_SUBNET {
	opt := m.IsEdns0()
	if opt == nil {
		return nil
	}

	for _, o := range opt.Option {
		if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
			return subnet
		}
	}

	return nil
}

// ecsKeyString renders the option for cache fingerprinting.
func ecsKeyString(subnet *dns.EDNS0_SUBNET) string {
	if subnet == nil {
		return ""
	}

	return subnet.Address.String() + "/" + strconv.Itoa(int(subnet.SourceNetmask))
}

// addECS attaches the client prefix to the outgoing query when the pool
// wants ECS. A client-supplied option is kept unless override is allowed.
// It records on q whether an OPT record or the subnet option was added.
func addECS(q *dnsq.Question, override bool) {
	existing := ecsOption(q.Msg)
	if existing != nil && !override {
		q.ECSPrefixLen = existing.SourceNetmask
		return
	}

	ip := q.RemoteIP()
	if ip == nil {
		return
	}

	subnet := &dns.EDNS0_SUBNET{
		Code:   dns.EDNS0SUBNET,
		Family: 1,
	}

	if ip4 := ip.To4(); ip4 != nil {
		subnet.SourceNetmask = ecsPrefixV4
		subnet.Address = ip4.Mask(net.CIDRMask(ecsPrefixV4, 32))
	} else {
		subnet.Family = 2
		subnet.SourceNetmask = ecsPrefixV6
		subnet.Address = ip.Mask(net.CIDRMask(ecsPrefixV6, 128))
	}

	opt := q.Msg.IsEdns0()
	if opt == nil {
		opt = &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(util.MaxUDPPayload)
		q.Msg.Extra = append(q.Msg.Extra, opt)
		q.EDNSAdded = true
	}

	if existing != nil {
		for i, o := range opt.Option {
			if o.Option() == dns.EDNS0SUBNET {
				opt.Option[i] = subnet
			}
		}
	} else {
		opt.Option = append(opt.Option, subnet)
		q.ECSAdded = true
	}

	q.ECSPrefixLen = subnet.SourceNetmask
	q.UseECS = true
}

// stripAddedEDNS undoes what addECS attached before the response goes back
// to a client that never sent it.
func stripAddedEDNS(m *dns.Msg, ednsAdded, ecsAdded bool) {
	if ednsAdded {
		extra := m.Extra[:0]
		for _, rr := range m.Extra {
			if rr.Header().Rrtype != dns.TypeOPT {
				extra = append(extra, rr)
			}
		}
		m.Extra = extra

		return
	}

	if !ecsAdded {
		return
	}

	if opt := m.IsEdns0(); opt != nil {
		options := opt.Option[:0]
		for _, o := range opt.Option {
			if o.Option() != dns.EDNS0SUBNET {
				options = append(options, o)
			}
		}
		opt.Option = options
	}
}

// zeroScope reports whether the response's ECS scope allows caching the
// answer for every subnet.
func zeroScope(m *dns.Msg) bool {
	subnet := ecsOption(m)
	if subnet == nil {
		return true
	}

	return subnet.SourceScope == 0
}
