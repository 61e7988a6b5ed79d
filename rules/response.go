package rules

import (
	"fmt"
	"strconv"

	"github.com/miekg/dns"

	"github.com/dnsgate/dnsgate/dnsq"
)

// RespAllowAction stops the response walk and delivers the response.
type RespAllowAction struct{}

func (RespAllowAction) Apply(*dnsq.Response) (Action, string) { return ActionAllow, "" }
func (RespAllowAction) String() string                        { return "allow" }

// RespDropAction discards the response, the client sees a timeout.
type RespDropAction struct{}

func (RespDropAction) Apply(*dnsq.Response) (Action, string) { return ActionDrop, "" }
func (RespDropAction) String() string                        { return "drop" }

// RespNoneAction continues the walk.
type RespNoneAction struct{}

func (RespNoneAction) Apply(*dnsq.Response) (Action, string) { return ActionNone, "" }
func (RespNoneAction) String() string                        { return "no-op" }

// RespDelayAction defers delivery by a fixed number of milliseconds.
type RespDelayAction struct {
	Msec int
}

func (a RespDelayAction) Apply(*dnsq.Response) (Action, string) {
	return ActionDelay, strconv.Itoa(a.Msec)
}

func (a RespDelayAction) String() string { return fmt.Sprintf("delay %d ms", a.Msec) }

// RespServFailAction rewrites the response into a server failure.
type RespServFailAction struct{}

func (RespServFailAction) Apply(r *dnsq.Response) (Action, string) {
	r.Msg.Rcode = dns.RcodeServerFailure
	r.Msg.Answer = nil
	r.Msg.Ns = nil

	return ActionServFail, ""
}

func (RespServFailAction) String() string { return "servfail" }

// RespHeaderModifyAction mutates the response header in place.
type RespHeaderModifyAction struct {
	Desc string
	Fn   func(h *dns.MsgHdr)
}

func (a RespHeaderModifyAction) Apply(r *dnsq.Response) (Action, string) {
	a.Fn(&r.Msg.MsgHdr)
	return ActionHeaderModify, ""
}

func (a RespHeaderModifyAction) String() string { return "header " + a.Desc }

// MatchResponse evaluates a query rule against a response by projecting the
// response onto a question view. Probability, QPS and transport matchers
// behave identically on both paths.
func MatchResponse(rule Rule, r *dnsq.Response) bool {
	q := &dnsq.Question{
		Msg:        r.Msg,
		Name:       r.Name,
		Qtype:      r.Qtype,
		Qclass:     r.Qclass,
		LocalAddr:  r.LocalAddr,
		RemoteAddr: r.RemoteAddr,
		TCP:        r.TCP,
	}

	return rule.Matches(q)
}
