// Package dnsq defines the mutable per-query view shared by the rule
// pipeline and the query engine.
package dnsq

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/dnsgate/dnsgate/util"
)

// ProxyTLV is one type-length-value record from a proxy protocol header.
type ProxyTLV struct {
	Type  uint8
	Value []byte
}

// Question is a mutable view over a query while it travels through the
// engine. The embedded message is borrowed from the frontend, never copied.
type Question struct {
	Msg *dns.Msg

	Name   string
	Qtype  uint16
	Qclass uint16

	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// hop addresses are only set when a proxy protocol header rewrote the
	// effective client address
	HopRemote net.Addr
	HopLocal  net.Addr

	TCP       bool
	QueryTime time.Time

	PoolName string

	ECSPrefixLen  uint8
	ECSOverride   bool
	CacheKey      uint64
	CacheKeyNoECS uint64

	UniqueID  *uuid.UUID
	OrigFlags uint16
	DelayMsec int

	SkipCache    bool
	UseECS       bool
	ECSAdded     bool
	EDNSAdded    bool
	UseZeroScope bool
	DNSSECOK     bool

	// SelfAnswer holds a response synthesized by a rule action.
	SelfAnswer *dns.Msg

	tags map[string]string
	TLVs []ProxyTLV
}

// New builds a question over a parsed message.
func New(m *dns.Msg, local, remote net.Addr, tcp bool) *Question {
	q := &Question{
		Msg:        m,
		LocalAddr:  local,
		RemoteAddr: remote,
		TCP:        tcp,
		QueryTime:  time.Now(),
	}

	if len(m.Question) > 0 {
		q.Name = util.CanonicalName(m.Question[0].Name)
		q.Qtype = m.Question[0].Qtype
		q.Qclass = m.Question[0].Qclass
	}

	if opt := m.IsEdns0(); opt != nil {
		q.DNSSECOK = opt.Do()
	}

	return q
}

// RemoteIP returns the effective client IP.
func (q *Question) RemoteIP() net.IP {
	return addrIP(q.RemoteAddr)
}

// SetTag attaches an open-ended key/value tag to the query.
func (q *Question) SetTag(key, value string) {
	if q.tags == nil {
		q.tags = make(map[string]string)
	}
	q.tags[key] = value
}

// Tag returns the tag stored under key.
func (q *Question) Tag(key string) (string, bool) {
	v, ok := q.tags[key]
	return v, ok
}

// MaxSize returns the largest answer the client transport accepts.
func (q *Question) MaxSize() int {
	if q.TCP {
		return util.MaxTCPPayload
	}

	return util.MaxUDPPayload
}

// Response is the same shape as Question, used on the return path.
type Response struct {
	Msg *dns.Msg

	Name   string
	Qtype  uint16
	Qclass uint16

	LocalAddr  net.Addr
	RemoteAddr net.Addr

	TCP       bool
	DelayMsec int

	tags map[string]string
}

// SetTag attaches a tag to the response.
func (r *Response) SetTag(key, value string) {
	if r.tags == nil {
		r.tags = make(map[string]string)
	}
	r.tags[key] = value
}

// Tag returns the tag stored under key.
func (r *Response) Tag(key string) (string, bool) {
	v, ok := r.tags[key]
	return v, ok
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}

	return nil
}
