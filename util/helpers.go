package util

import (
	"strings"

	"github.com/miekg/dns"
)

const (
	// MaxUDPPayload is the largest answer accepted over UDP.
	MaxUDPPayload = 4096
	// MaxTCPPayload is the largest answer accepted over TCP.
	MaxTCPPayload = dns.MaxMsgSize
)

// FormatQuestion returns a human readable "name class type" string.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

// CanonicalName lowercases a domain name and ensures it is fully qualified.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// Header flag bits in wire order.
const (
	FlagRD uint16 = 1 << 8
	FlagTC uint16 = 1 << 9
	FlagAA uint16 = 1 << 10
	FlagQR uint16 = 1 << 15
	FlagRA uint16 = 1 << 7
	FlagAD uint16 = 1 << 5
	FlagCD uint16 = 1 << 4
)

// PackFlags composes the wire flag word of a message header.
func PackFlags(h *dns.MsgHdr) uint16 {
	var f uint16

	if h.Response {
		f |= FlagQR
	}
	if h.Authoritative {
		f |= FlagAA
	}
	if h.Truncated {
		f |= FlagTC
	}
	if h.RecursionDesired {
		f |= FlagRD
	}
	if h.RecursionAvailable {
		f |= FlagRA
	}
	if h.AuthenticatedData {
		f |= FlagAD
	}
	if h.CheckingDisabled {
		f |= FlagCD
	}

	return f
}

// RestoreFlags writes the client-visible flag bits back onto a response
// header.
func RestoreFlags(h *dns.MsgHdr, flags uint16) {
	h.RecursionDesired = flags&FlagRD != 0
	h.CheckingDisabled = flags&FlagCD != 0
}

// SetRcode builds a minimal reply to req carrying rcode, preserving the
// question and the EDNS DO bit.
func SetRcode(req *dns.Msg, rcode int, do bool) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	m.RecursionAvailable = req.RecursionDesired

	if opt := req.IsEdns0(); opt != nil {
		m.SetEdns0(opt.UDPSize(), do)
	}

	return m
}
