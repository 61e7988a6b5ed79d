package mock

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Writer(t *testing.T) {
	w := NewWriter("udp", "10.0.0.1:4242")

	assert.Equal(t, "udp", w.Proto())
	assert.Equal(t, "10.0.0.1", w.RemoteIP().String())
	assert.False(t, w.Written())
	assert.Equal(t, dns.RcodeServerFailure, w.Rcode())

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true

	require.NoError(t, w.WriteMsg(msg))
	assert.True(t, w.Written())
	assert.Equal(t, msg, w.Msg())
	assert.Equal(t, dns.RcodeSuccess, w.Rcode())
}

func Test_WriterTCP(t *testing.T) {
	w := NewWriter("tcp", "10.0.0.1:4242")

	assert.Equal(t, "tcp", w.Proto())
	assert.NotNil(t, w.LocalAddr())
	assert.NotNil(t, w.RemoteAddr())

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	packed, err := msg.Pack()
	require.NoError(t, err)

	n, err := w.Write(packed)
	require.NoError(t, err)
	assert.Equal(t, len(packed), n)
	assert.True(t, w.Written())
}
