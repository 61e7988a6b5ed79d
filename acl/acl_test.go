package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ACLDeny(t *testing.T) {
	a := New([]string{"192.0.2.0/24"})

	assert.False(t, a.Allowed(net.ParseIP("10.0.0.5")))
	assert.True(t, a.Allowed(net.ParseIP("192.0.2.77")))
}

func Test_ACLEmptyAllowsAll(t *testing.T) {
	a := New(nil)

	assert.True(t, a.Allowed(net.ParseIP("203.0.113.1")))
}

func Test_ACLBadEntriesSkipped(t *testing.T) {
	a := New([]string{"not-a-cidr", "127.0.0.0/8"})

	assert.Equal(t, []string{"127.0.0.0/8"}, a.Networks())
	assert.True(t, a.Allowed(net.ParseIP("127.0.0.1")))
	assert.False(t, a.Allowed(net.ParseIP("8.8.8.8")))
}

func Test_ACLv6(t *testing.T) {
	a := New([]string{"2001:db8::/32"})

	assert.True(t, a.Allowed(net.ParseIP("2001:db8::1")))
	assert.False(t, a.Allowed(net.ParseIP("2001:db9::1")))
	assert.False(t, a.Allowed(nil))
}
