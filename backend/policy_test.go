package backend

import (
	"fmt"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsgate/dnsgate/dnsq"
)

func policyQuestion(name string) *dnsq.Question {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)

	return dnsq.New(m,
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53},
		&net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4242},
		false)
}

func upServer(t *testing.T, addr string, order, weight int) *Server {
	t.Helper()

	s, err := New(Config{Addr: addr, Order: order, Weight: weight, MaxOutstanding: 64})
	require.NoError(t, err)
	s.SetUp()

	return s
}

func Test_RoundRobinFanOut(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 1)
	b2 := upServer(t, "127.0.0.1:5302", 2, 1)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	roundRobinCursor.Store(0)

	q := policyQuestion("rr.test.")

	var got []*Server
	for i := 0; i < 4; i++ {
		got = append(got, RoundRobin(pool.Servers(), q))
	}

	assert.Equal(t, []*Server{b1, b2, b1, b2}, got)
}

func Test_RoundRobinSkipsDown(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 1)
	b2 := upServer(t, "127.0.0.1:5302", 2, 1)
	b2.SetDown()

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	q := policyQuestion("rr.test.")
	for i := 0; i < 4; i++ {
		assert.Equal(t, b1, RoundRobin(pool.Servers(), q))
	}

	b1.SetDown()
	assert.Nil(t, RoundRobin(pool.Servers(), q))
}

func Test_LeastOutstanding(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 2, 1)
	b2 := upServer(t, "127.0.0.1:5302", 1, 1)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	q := policyQuestion("lo.test.")

	// equal load, the lower order wins
	assert.Equal(t, b2, LeastOutstanding(pool.Servers(), q))

	// load tips the balance
	b2.FillSlot(0, IDData{Qname: "lo.test.", Qtype: dns.TypeA})
	assert.Equal(t, b1, LeastOutstanding(pool.Servers(), q))
}

func Test_FirstAvailableRateFallthrough(t *testing.T) {
	b1, err := New(Config{Addr: "127.0.0.1:5301", QPS: 10, Burst: 10, Order: 1, MaxOutstanding: 64})
	require.NoError(t, err)
	b1.SetUp()

	b2 := upServer(t, "127.0.0.1:5302", 2, 1)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	q := policyQuestion("fa.test.")

	// the first ten take b1's tokens
	for i := 0; i < 10; i++ {
		assert.Equal(t, b1, FirstAvailable(pool.Servers(), q))
	}

	// with the bucket empty and b1 carrying load, the overflow falls
	// through to the least loaded backend
	b1.FillSlot(0, IDData{Qname: "fa.test.", Qtype: dns.TypeA})

	for i := 0; i < 5; i++ {
		assert.Equal(t, b2, FirstAvailable(pool.Servers(), q))
	}
}

func Test_WHashedDeterministic(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 2)
	b2 := upServer(t, "127.0.0.1:5302", 2, 3)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	for _, name := range []string{"a.test.", "b.test.", "c.test."} {
		q := policyQuestion(name)

		first := WHashed(pool.Servers(), q)
		require.NotNil(t, first)

		for i := 0; i < 10; i++ {
			assert.Equal(t, first, WHashed(pool.Servers(), q))
		}
	}
}

func Test_CHashedDeterministic(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 4)
	b2 := upServer(t, "127.0.0.1:5302", 2, 4)
	b3 := upServer(t, "127.0.0.1:5303", 3, 4)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)
	pool.AddServer(b3)

	seen := make(map[*Server]bool)
	for i := 0; i < 30; i++ {
		q := policyQuestion(fmt.Sprintf("q%d.test.", i))

		first := CHashed(pool.Servers(), q)
		require.NotNil(t, first)
		seen[first] = true

		for j := 0; j < 5; j++ {
			assert.Equal(t, first, CHashed(pool.Servers(), q))
		}
	}

	// the ring spreads names over more than one backend
	assert.Greater(t, len(seen), 1)
}

func Test_CHashedSurvivesMemberLoss(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 4)
	b2 := upServer(t, "127.0.0.1:5302", 2, 4)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	q := policyQuestion("sticky.test.")

	first := CHashed(pool.Servers(), q)
	require.NotNil(t, first)

	// with the owner gone the name moves to a surviving backend
	first.SetDown()

	second := CHashed(pool.Servers(), q)
	require.NotNil(t, second)
	assert.NotEqual(t, first, second)
}

func Test_RandomAndWRandom(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 1)
	b2 := upServer(t, "127.0.0.1:5302", 2, 1)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	q := policyQuestion("rand.test.")

	for i := 0; i < 20; i++ {
		assert.NotNil(t, Random(pool.Servers(), q))
		assert.NotNil(t, WRandom(pool.Servers(), q))
	}

	b1.SetDown()
	b2.SetDown()
	assert.Nil(t, Random(pool.Servers(), q))
	assert.Nil(t, WRandom(pool.Servers(), q))
}

func Test_PolicyByName(t *testing.T) {
	for _, name := range []string{"firstAvailable", "roundRobin", "leastOutstanding", "whashed", "wrandom", "chashed", "random"} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
		assert.NotNil(t, p.Fn)
	}

	_, err := PolicyByName("bogus")
	assert.Error(t, err)
}
