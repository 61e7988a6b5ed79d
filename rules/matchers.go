package rules

import (
	"fmt"
	"math/rand"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/dnsgate/dnsgate/dnsq"
	"github.com/dnsgate/dnsgate/limiter"
	"github.com/dnsgate/dnsgate/util"
)

// AllRule matches every query.
type AllRule struct{}

func (AllRule) Matches(*dnsq.Question) bool { return true }
func (AllRule) String() string              { return "All" }

// QTypeRule matches on the query type.
type QTypeRule struct {
	Qtype uint16
}

func (r QTypeRule) Matches(q *dnsq.Question) bool { return q.Qtype == r.Qtype }
func (r QTypeRule) String() string                { return "QType == " + dns.TypeToString[r.Qtype] }

// QClassRule matches on the query class.
type QClassRule struct {
	Qclass uint16
}

func (r QClassRule) Matches(q *dnsq.Question) bool { return q.Qclass == r.Qclass }
func (r QClassRule) String() string                { return "QClass == " + dns.ClassToString[r.Qclass] }

// OpcodeRule matches on the message opcode.
type OpcodeRule struct {
	Opcode int
}

func (r OpcodeRule) Matches(q *dnsq.Question) bool { return q.Msg.Opcode == r.Opcode }
func (r OpcodeRule) String() string                { return "Opcode == " + dns.OpcodeToString[r.Opcode] }

// SuffixRule matches when the query name equals or sits under one of the
// configured suffixes.
type SuffixRule struct {
	suffixes map[string]struct{}
}

// NewSuffixRule builds a suffix matcher, names are canonicalized.
func NewSuffixRule(names ...string) *SuffixRule {
	r := &SuffixRule{suffixes: make(map[string]struct{}, len(names))}
	for _, n := range names {
		r.suffixes[util.CanonicalName(n)] = struct{}{}
	}

	return r
}

func (r *SuffixRule) Matches(q *dnsq.Question) bool {
	name := q.Name
	for name != "" {
		if _, ok := r.suffixes[name]; ok {
			return true
		}

		i := strings.IndexByte(name, '.')
		if i < 0 || i == len(name)-1 {
			if _, ok := r.suffixes["."]; ok {
				return true
			}
			return false
		}
		name = name[i+1:]
	}

	return false
}

func (r *SuffixRule) String() string {
	names := make([]string, 0, len(r.suffixes))
	for n := range r.suffixes {
		names = append(names, n)
	}

	return "Suffix in {" + strings.Join(names, ", ") + "}"
}

// QNameRule matches the exact query name.
type QNameRule struct {
	Name string
}

// NewQNameRule builds an exact name matcher.
func NewQNameRule(name string) QNameRule {
	return QNameRule{Name: util.CanonicalName(name)}
}

func (r QNameRule) Matches(q *dnsq.Question) bool { return q.Name == r.Name }
func (r QNameRule) String() string                { return "QName == " + r.Name }

// NetmaskRule matches on the effective client address.
type NetmaskRule struct {
	ranger cidranger.Ranger
	nets   []string
}

// NewNetmaskRule builds a client network matcher. Bad CIDRs are logged and
// skipped.
func NewNetmaskRule(cidrs ...string) *NetmaskRule {
	r := &NetmaskRule{ranger: cidranger.NewPCTrieRanger()}
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Netmask rule parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = r.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
		r.nets = append(r.nets, ipnet.String())
	}

	return r
}

func (r *NetmaskRule) Matches(q *dnsq.Question) bool {
	ip := q.RemoteIP()
	if ip == nil {
		return false
	}

	ok, err := r.ranger.Contains(ip)
	if err != nil {
		return false
	}

	return ok
}

func (r *NetmaskRule) String() string { return "Netmask in {" + strings.Join(r.nets, ", ") + "}" }

// TCPRule matches on the client transport.
type TCPRule struct {
	TCP bool
}

func (r TCPRule) Matches(q *dnsq.Question) bool { return q.TCP == r.TCP }
func (r TCPRule) String() string {
	if r.TCP {
		return "Transport == TCP"
	}
	return "Transport == UDP"
}

// RDRule matches queries with the recursion desired bit set.
type RDRule struct{}

func (RDRule) Matches(q *dnsq.Question) bool { return q.Msg.RecursionDesired }
func (RDRule) String() string                { return "RD == 1" }

// ProbabilityRule matches a fraction of the traffic.
type ProbabilityRule struct {
	Probability float64
}

func (r ProbabilityRule) Matches(*dnsq.Question) bool { return rand.Float64() < r.Probability }
func (r ProbabilityRule) String() string {
	return fmt.Sprintf("random() < %.2f", r.Probability)
}

// MaxQPSRule matches queries exceeding a rule-scoped rate. Note the inverted
// sense: the rule fires when the limiter refuses the token, so pairing it
// with a Drop action sheds the excess.
type MaxQPSRule struct {
	lim  *limiter.QPS
	rate uint32
}

// NewMaxQPSRule builds a rate matcher admitting qps with burst == qps.
func NewMaxQPSRule(qps uint32) *MaxQPSRule {
	return &MaxQPSRule{lim: limiter.New(qps, qps), rate: qps}
}

func (r *MaxQPSRule) Matches(*dnsq.Question) bool { return !r.lim.Check() }
func (r *MaxQPSRule) String() string              { return fmt.Sprintf("qps > %d", r.rate) }

// RecordsCountRule matches on the number of records in a message section.
type RecordsCountRule struct {
	Section string // "answer", "authority", "additional", "question"
	Min     int
	Max     int
}

func (r RecordsCountRule) Matches(q *dnsq.Question) bool {
	var count int
	switch r.Section {
	case "answer":
		count = len(q.Msg.Answer)
	case "authority":
		count = len(q.Msg.Ns)
	case "additional":
		count = len(q.Msg.Extra)
	default:
		count = len(q.Msg.Question)
	}

	return count >= r.Min && count <= r.Max
}

func (r RecordsCountRule) String() string {
	return fmt.Sprintf("%d <= records(%s) <= %d", r.Min, r.Section, r.Max)
}

// AndRule matches when all children match.
type AndRule struct {
	Rules []Rule
}

func (r AndRule) Matches(q *dnsq.Question) bool {
	for _, child := range r.Rules {
		if !child.Matches(q) {
			return false
		}
	}

	return true
}

func (r AndRule) String() string { return joinRules(r.Rules, " && ") }

// OrRule matches when any child matches.
type OrRule struct {
	Rules []Rule
}

func (r OrRule) Matches(q *dnsq.Question) bool {
	for _, child := range r.Rules {
		if child.Matches(q) {
			return true
		}
	}

	return false
}

func (r OrRule) String() string { return joinRules(r.Rules, " || ") }

// NotRule inverts its child.
type NotRule struct {
	Rule Rule
}

func (r NotRule) Matches(q *dnsq.Question) bool { return !r.Rule.Matches(q) }
func (r NotRule) String() string                { return "!(" + r.Rule.String() + ")" }

func joinRules(list []Rule, sep string) string {
	parts := make([]string, len(list))
	for i, r := range list {
		parts[i] = "(" + r.String() + ")"
	}

	return strings.Join(parts, sep)
}
