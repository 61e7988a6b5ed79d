package rules

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/dnsgate/dnsgate/dnsq"
)

const spoofTTL = 60

// AllowAction lets the query continue to cache and backend, skipping the
// remaining rules.
type AllowAction struct{}

func (AllowAction) Apply(*dnsq.Question) (Action, string) { return ActionAllow, "" }
func (AllowAction) String() string                        { return "allow" }

// DropAction discards the query silently.
type DropAction struct{}

func (DropAction) Apply(*dnsq.Question) (Action, string) { return ActionDrop, "" }
func (DropAction) String() string                        { return "drop" }

// NoneAction continues the rule walk.
type NoneAction struct{}

func (NoneAction) Apply(*dnsq.Question) (Action, string) { return ActionNone, "" }
func (NoneAction) String() string                        { return "no-op" }

// RcodeAction answers with a fixed response code.
type RcodeAction struct {
	Rcode int
}

func (a RcodeAction) Apply(*dnsq.Question) (Action, string) {
	switch a.Rcode {
	case dns.RcodeNameError:
		return ActionNxdomain, ""
	case dns.RcodeRefused:
		return ActionRefused, ""
	default:
		return ActionServFail, ""
	}
}

func (a RcodeAction) String() string { return "rcode " + dns.RcodeToString[a.Rcode] }

// SpoofAction answers A/AAAA queries from a fixed address set and any type
// via CNAME when a target is set.
type SpoofAction struct {
	Addrs []net.IP
	CName string
}

// NewSpoofAction parses addresses and an optional CNAME target. Entries that
// do not parse as an IP are treated as the CNAME target.
func NewSpoofAction(values ...string) *SpoofAction {
	a := new(SpoofAction)
	for _, v := range values {
		if ip := net.ParseIP(v); ip != nil {
			a.Addrs = append(a.Addrs, ip)
			continue
		}
		a.CName = dns.Fqdn(v)
	}

	return a
}

func (a *SpoofAction) Apply(q *dnsq.Question) (Action, string) {
	m := new(dns.Msg)
	m.SetReply(q.Msg)
	m.RecursionAvailable = q.Msg.RecursionDesired

	hdr := dns.RR_Header{Name: q.Msg.Question[0].Name, Class: q.Qclass, Ttl: spoofTTL}

	if a.CName != "" {
		hdr.Rrtype = dns.TypeCNAME
		m.Answer = append(m.Answer, &dns.CNAME{Hdr: hdr, Target: a.CName})
	} else {
		for _, ip := range a.Addrs {
			if ip4 := ip.To4(); ip4 != nil && q.Qtype == dns.TypeA {
				h := hdr
				h.Rrtype = dns.TypeA
				m.Answer = append(m.Answer, &dns.A{Hdr: h, A: ip4})
			} else if ip.To4() == nil && q.Qtype == dns.TypeAAAA {
				h := hdr
				h.Rrtype = dns.TypeAAAA
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: h, AAAA: ip})
			}
		}
	}

	q.SelfAnswer = m

	return ActionSpoof, ""
}

func (a *SpoofAction) String() string {
	parts := make([]string, 0, len(a.Addrs)+1)
	for _, ip := range a.Addrs {
		parts = append(parts, ip.String())
	}
	if a.CName != "" {
		parts = append(parts, a.CName)
	}

	return "spoof " + strings.Join(parts, ", ")
}

// SpoofRawAction answers from preparsed resource records.
type SpoofRawAction struct {
	Records []dns.RR
}

// NewSpoofRawAction parses zone format records, the first bad one fails the
// whole action with an error.
func NewSpoofRawAction(records ...string) (*SpoofRawAction, error) {
	a := new(SpoofRawAction)
	for _, r := range records {
		rr, err := dns.NewRR(r)
		if err != nil {
			return nil, fmt.Errorf("spoof raw record %q: %w", r, err)
		}
		a.Records = append(a.Records, rr)
	}

	return a, nil
}

func (a *SpoofRawAction) Apply(q *dnsq.Question) (Action, string) {
	m := new(dns.Msg)
	m.SetReply(q.Msg)
	m.RecursionAvailable = q.Msg.RecursionDesired

	for _, rr := range a.Records {
		cp := dns.Copy(rr)
		cp.Header().Name = q.Msg.Question[0].Name
		m.Answer = append(m.Answer, cp)
	}

	q.SelfAnswer = m

	return ActionSpoofRaw, ""
}

func (a *SpoofRawAction) String() string { return fmt.Sprintf("spoof raw %d records", len(a.Records)) }

// TruncateAction sets TC on UDP queries, TCP transports ignore it.
type TruncateAction struct{}

func (TruncateAction) Apply(q *dnsq.Question) (Action, string) {
	if q.TCP {
		return ActionNone, ""
	}

	return ActionTruncate, ""
}

func (TruncateAction) String() string { return "truncate" }

// NoRecurseAction clears the RD bit before the query goes downstream.
type NoRecurseAction struct{}

func (NoRecurseAction) Apply(q *dnsq.Question) (Action, string) {
	q.Msg.RecursionDesired = false
	return ActionNoRecurse, ""
}

func (NoRecurseAction) String() string { return "set rd=0" }

// PoolAction routes the query to a named pool and continues the walk.
type PoolAction struct {
	Pool string
}

func (a PoolAction) Apply(*dnsq.Question) (Action, string) { return ActionPool, a.Pool }
func (a PoolAction) String() string                        { return "to pool " + a.Pool }

// DelayAction defers the response by a fixed number of milliseconds.
type DelayAction struct {
	Msec int
}

func (a DelayAction) Apply(*dnsq.Question) (Action, string) {
	return ActionDelay, strconv.Itoa(a.Msec)
}

func (a DelayAction) String() string { return fmt.Sprintf("delay %d ms", a.Msec) }

// TagAction attaches a tag and continues the walk.
type TagAction struct {
	Key   string
	Value string
}

func (a TagAction) Apply(q *dnsq.Question) (Action, string) {
	q.SetTag(a.Key, a.Value)
	return ActionNone, ""
}

func (a TagAction) String() string { return "set tag " + a.Key + "=" + a.Value }

// HeaderModifyAction mutates the message header in place and continues.
type HeaderModifyAction struct {
	Desc string
	Fn   func(h *dns.MsgHdr)
}

func (a HeaderModifyAction) Apply(q *dnsq.Question) (Action, string) {
	a.Fn(&q.Msg.MsgHdr)
	return ActionHeaderModify, ""
}

func (a HeaderModifyAction) String() string { return "header " + a.Desc }
