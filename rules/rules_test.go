package rules

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsgate/dnsgate/dnsq"
)

func makeQuestion(name string, qtype uint16, remote string, tcp bool) *dnsq.Question {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)

	local := net.Addr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53})
	var remoteAddr net.Addr = &net.UDPAddr{IP: net.ParseIP(remote), Port: 4242}
	if tcp {
		local = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
		remoteAddr = &net.TCPAddr{IP: net.ParseIP(remote), Port: 4242}
	}

	return dnsq.New(m, local, remoteAddr, tcp)
}

func Test_Matchers(t *testing.T) {
	q := makeQuestion("www.example.com.", dns.TypeA, "10.0.0.5", false)

	assert.True(t, AllRule{}.Matches(q))
	assert.True(t, QTypeRule{Qtype: dns.TypeA}.Matches(q))
	assert.False(t, QTypeRule{Qtype: dns.TypeAAAA}.Matches(q))
	assert.True(t, QClassRule{Qclass: dns.ClassINET}.Matches(q))
	assert.True(t, OpcodeRule{Opcode: dns.OpcodeQuery}.Matches(q))
	assert.False(t, OpcodeRule{Opcode: dns.OpcodeNotify}.Matches(q))

	assert.True(t, NewSuffixRule("example.com").Matches(q))
	assert.True(t, NewSuffixRule("www.example.com.").Matches(q))
	assert.False(t, NewSuffixRule("other.com").Matches(q))
	assert.True(t, NewSuffixRule(".").Matches(q))

	assert.True(t, NewQNameRule("WWW.Example.Com").Matches(q))
	assert.False(t, NewQNameRule("example.com").Matches(q))

	assert.True(t, NewNetmaskRule("10.0.0.0/8").Matches(q))
	assert.False(t, NewNetmaskRule("192.0.2.0/24").Matches(q))

	assert.True(t, TCPRule{TCP: false}.Matches(q))
	assert.False(t, TCPRule{TCP: true}.Matches(q))

	q.Msg.RecursionDesired = true
	assert.True(t, RDRule{}.Matches(q))
}

func Test_Combinators(t *testing.T) {
	q := makeQuestion("www.example.com.", dns.TypeA, "10.0.0.5", false)

	and := AndRule{Rules: []Rule{QTypeRule{Qtype: dns.TypeA}, NewSuffixRule("example.com")}}
	assert.True(t, and.Matches(q))

	and = AndRule{Rules: []Rule{QTypeRule{Qtype: dns.TypeAAAA}, NewSuffixRule("example.com")}}
	assert.False(t, and.Matches(q))

	or := OrRule{Rules: []Rule{QTypeRule{Qtype: dns.TypeAAAA}, NewSuffixRule("example.com")}}
	assert.True(t, or.Matches(q))

	not := NotRule{Rule: QTypeRule{Qtype: dns.TypeAAAA}}
	assert.True(t, not.Matches(q))
	assert.NotEmpty(t, not.String())
}

func Test_ProbabilityBounds(t *testing.T) {
	q := makeQuestion("p.test.", dns.TypeA, "10.0.0.5", false)

	assert.False(t, ProbabilityRule{Probability: 0}.Matches(q))
	assert.True(t, ProbabilityRule{Probability: 1.1}.Matches(q))
}

func Test_MaxQPSRule(t *testing.T) {
	q := makeQuestion("qps.test.", dns.TypeA, "10.0.0.5", false)

	r := NewMaxQPSRule(2)

	// under the limit the rule stays quiet, over it it fires
	assert.False(t, r.Matches(q))
	assert.False(t, r.Matches(q))
	assert.True(t, r.Matches(q))
}

func Test_RecordsCountRule(t *testing.T) {
	q := makeQuestion("rc.test.", dns.TypeA, "10.0.0.5", false)

	assert.True(t, RecordsCountRule{Section: "question", Min: 1, Max: 1}.Matches(q))
	assert.True(t, RecordsCountRule{Section: "answer", Min: 0, Max: 0}.Matches(q))
	assert.False(t, RecordsCountRule{Section: "additional", Min: 1, Max: 10}.Matches(q))
}

func Test_RcodeAction(t *testing.T) {
	q := makeQuestion("r.test.", dns.TypeA, "10.0.0.5", false)

	act, _ := RcodeAction{Rcode: dns.RcodeNameError}.Apply(q)
	assert.Equal(t, ActionNxdomain, act)

	act, _ = RcodeAction{Rcode: dns.RcodeRefused}.Apply(q)
	assert.Equal(t, ActionRefused, act)

	act, _ = RcodeAction{Rcode: dns.RcodeServerFailure}.Apply(q)
	assert.Equal(t, ActionServFail, act)
}

func Test_SpoofAction(t *testing.T) {
	q := makeQuestion("spoof.test.", dns.TypeA, "10.0.0.5", false)

	a := NewSpoofAction("192.0.2.10", "2001:db8::10")

	act, _ := a.Apply(q)
	assert.Equal(t, ActionSpoof, act)

	require.NotNil(t, q.SelfAnswer)
	require.Len(t, q.SelfAnswer.Answer, 1)
	assert.Equal(t, "192.0.2.10", q.SelfAnswer.Answer[0].(*dns.A).A.String())

	// AAAA queries get only the v6 addresses
	q6 := makeQuestion("spoof.test.", dns.TypeAAAA, "10.0.0.5", false)
	_, _ = a.Apply(q6)
	require.Len(t, q6.SelfAnswer.Answer, 1)
	assert.Equal(t, dns.TypeAAAA, q6.SelfAnswer.Answer[0].Header().Rrtype)
}

func Test_SpoofCName(t *testing.T) {
	q := makeQuestion("alias.test.", dns.TypeA, "10.0.0.5", false)

	a := NewSpoofAction("target.test")

	_, _ = a.Apply(q)
	require.Len(t, q.SelfAnswer.Answer, 1)
	assert.Equal(t, "target.test.", q.SelfAnswer.Answer[0].(*dns.CNAME).Target)
}

func Test_SpoofRawAction(t *testing.T) {
	a, err := NewSpoofRawAction("raw.test. 60 IN TXT \"hello\"")
	require.NoError(t, err)

	q := makeQuestion("raw.test.", dns.TypeTXT, "10.0.0.5", false)

	act, _ := a.Apply(q)
	assert.Equal(t, ActionSpoofRaw, act)
	require.Len(t, q.SelfAnswer.Answer, 1)

	_, err = NewSpoofRawAction("not a record")
	assert.Error(t, err)
}

func Test_TruncateUDPOnly(t *testing.T) {
	udp := makeQuestion("tc.test.", dns.TypeA, "10.0.0.5", false)
	act, _ := TruncateAction{}.Apply(udp)
	assert.Equal(t, ActionTruncate, act)

	tcp := makeQuestion("tc.test.", dns.TypeA, "10.0.0.5", true)
	act, _ = TruncateAction{}.Apply(tcp)
	assert.Equal(t, ActionNone, act)
}

func Test_PoolDelayTagActions(t *testing.T) {
	q := makeQuestion("x.test.", dns.TypeA, "10.0.0.5", false)

	act, payload := PoolAction{Pool: "cold"}.Apply(q)
	assert.Equal(t, ActionPool, act)
	assert.Equal(t, "cold", payload)

	act, payload = DelayAction{Msec: 250}.Apply(q)
	assert.Equal(t, ActionDelay, act)
	assert.Equal(t, "250", payload)

	act, _ = TagAction{Key: "team", Value: "edge"}.Apply(q)
	assert.Equal(t, ActionNone, act)
	v, ok := q.Tag("team")
	assert.True(t, ok)
	assert.Equal(t, "edge", v)
}

func Test_NoRecurseAction(t *testing.T) {
	q := makeQuestion("nr.test.", dns.TypeA, "10.0.0.5", false)
	q.Msg.RecursionDesired = true

	act, _ := NoRecurseAction{}.Apply(q)
	assert.Equal(t, ActionNoRecurse, act)
	assert.False(t, q.Msg.RecursionDesired)
}

func Test_HeaderModifyAction(t *testing.T) {
	q := makeQuestion("hm.test.", dns.TypeA, "10.0.0.5", false)
	q.Msg.AuthenticatedData = true

	a := HeaderModifyAction{Desc: "clear ad", Fn: func(h *dns.MsgHdr) { h.AuthenticatedData = false }}

	act, _ := a.Apply(q)
	assert.Equal(t, ActionHeaderModify, act)
	assert.False(t, q.Msg.AuthenticatedData)
}

func Test_RuleActionSet(t *testing.T) {
	ra1 := NewRuleAction(AllRule{}, DropAction{}, "one")
	ra2 := NewRuleAction(AllRule{}, AllowAction{}, "two")

	assert.NotEqual(t, ra1.ID, ra2.ID)
	assert.Less(t, ra1.CreationOrder, ra2.CreationOrder)

	list := []*RuleAction{ra1}
	list = InsertAt(list, 0, ra2)
	assert.Equal(t, "two", list[0].Name)
	assert.Equal(t, "one", list[1].Name)

	list, ok := RemoveByID(list, ra1.ID)
	assert.True(t, ok)
	assert.Len(t, list, 1)

	_, ok = RemoveByID(list, ra1.ID)
	assert.False(t, ok)

	ra1.Matched()
	assert.Equal(t, uint64(1), ra1.Matches())
}

func Test_ParseAction(t *testing.T) {
	a, ok := ParseAction("drop")
	assert.True(t, ok)
	assert.Equal(t, ActionDrop, a)

	a, ok = ParseAction("NXDOMAIN")
	assert.True(t, ok)
	assert.Equal(t, ActionNxdomain, a)

	_, ok = ParseAction("bogus")
	assert.False(t, ok)

	assert.Equal(t, "Drop", ActionDrop.String())
	assert.Equal(t, "Unknown", Action(200).String())
}

func Test_ResponseActions(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("resp.test.", dns.TypeA)
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.AuthenticatedData = true

	r := &dnsq.Response{Msg: msg, Name: "resp.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	act, _ := RespAllowAction{}.Apply(r)
	assert.Equal(t, ActionAllow, act)

	act, _ = RespDropAction{}.Apply(r)
	assert.Equal(t, ActionDrop, act)

	act, payload := RespDelayAction{Msec: 100}.Apply(r)
	assert.Equal(t, ActionDelay, act)
	assert.Equal(t, "100", payload)

	a := RespHeaderModifyAction{Desc: "clear ad", Fn: func(h *dns.MsgHdr) { h.AuthenticatedData = false }}
	act, _ = a.Apply(r)
	assert.Equal(t, ActionHeaderModify, act)
	assert.False(t, msg.AuthenticatedData)

	act, _ = RespServFailAction{}.Apply(r)
	assert.Equal(t, ActionServFail, act)
	assert.Equal(t, dns.RcodeServerFailure, msg.Rcode)

	assert.True(t, MatchResponse(QTypeRule{Qtype: dns.TypeA}, r))
	assert.False(t, MatchResponse(QTypeRule{Qtype: dns.TypeAAAA}, r))
}
