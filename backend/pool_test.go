package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PoolAddRemove(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 2, 1)
	b2 := upServer(t, "127.0.0.1:5302", 1, 1)
	b3 := upServer(t, "127.0.0.1:5303", 3, 1)

	pool := NewPool("edge")

	pool.AddServer(b1)
	pool.AddServer(b2)
	pool.AddServer(b3)

	servers := pool.Servers()
	require.Len(t, servers, 3)

	// sorted by ascending order, positions dense from 1
	assert.Equal(t, b2, servers[0].Server)
	assert.Equal(t, b1, servers[1].Server)
	assert.Equal(t, b3, servers[2].Server)
	for i, ns := range servers {
		assert.Equal(t, i+1, ns.Position)
	}

	// servers know their pool by name only
	_, ok := b1.Pools["edge"]
	assert.True(t, ok)

	pool.RemoveServer(b1)

	servers = pool.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, 1, servers[0].Position)
	assert.Equal(t, 2, servers[1].Position)

	_, ok = b1.Pools["edge"]
	assert.False(t, ok)
}

func Test_PoolSnapshotIsolation(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 1)
	b2 := upServer(t, "127.0.0.1:5302", 2, 1)

	pool := NewPool("")
	pool.AddServer(b1)

	snap := pool.Servers()

	pool.AddServer(b2)

	assert.Len(t, snap, 1)
	assert.Len(t, pool.Servers(), 2)
}

func Test_PoolResortAfterOrderChange(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 1)
	b2 := upServer(t, "127.0.0.1:5302", 2, 1)

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	b1.SetOrder(5)
	pool.Resort()

	servers := pool.Servers()
	assert.Equal(t, b2, servers[0].Server)
	assert.Equal(t, 1, servers[0].Position)
	assert.Equal(t, b1, servers[1].Server)
}

func Test_PoolCountServers(t *testing.T) {
	b1 := upServer(t, "127.0.0.1:5301", 1, 1)
	b2 := upServer(t, "127.0.0.1:5302", 2, 1)
	b2.SetDown()

	pool := NewPool("")
	pool.AddServer(b1)
	pool.AddServer(b2)

	assert.Equal(t, 2, pool.CountServers(false))
	assert.Equal(t, 1, pool.CountServers(true))
}

func Test_SetWeightRehashes(t *testing.T) {
	b := upServer(t, "127.0.0.1:5301", 1, 2)

	assert.Len(t, b.Hashes(), 2)

	b.SetWeight(5)
	assert.Len(t, b.Hashes(), 5)
	assert.Equal(t, 5, b.Weight())

	b.SetWeight(0)
	assert.Equal(t, 1, b.Weight())
}
