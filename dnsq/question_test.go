package dnsq

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func Test_QuestionNew(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("WWW.Example.COM.", dns.TypeAAAA)
	m.SetEdns0(4096, true)

	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
	remote := &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5353}

	q := New(m, local, remote, false)

	assert.Equal(t, "www.example.com.", q.Name)
	assert.Equal(t, dns.TypeAAAA, q.Qtype)
	assert.Equal(t, uint16(dns.ClassINET), q.Qclass)
	assert.Equal(t, "10.1.2.3", q.RemoteIP().String())
	assert.True(t, q.DNSSECOK)
	assert.False(t, q.TCP)
	assert.Equal(t, 4096, q.MaxSize())
}

func Test_QuestionTags(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("t.test.", dns.TypeA)

	q := New(m, nil, nil, true)

	_, ok := q.Tag("missing")
	assert.False(t, ok)

	q.SetTag("region", "eu")
	v, ok := q.Tag("region")
	assert.True(t, ok)
	assert.Equal(t, "eu", v)

	assert.Equal(t, dns.MaxMsgSize, q.MaxSize())
	assert.Nil(t, q.RemoteIP())
}

func Test_ResponseTags(t *testing.T) {
	r := new(Response)

	r.SetTag("k", "v")
	v, ok := r.Tag("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
