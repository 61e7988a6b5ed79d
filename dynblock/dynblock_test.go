package dynblock

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsgate/dnsgate/rules"
)

func Test_SuffixBlock(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	r.AddSuffix("evil.test.", &DynBlock{Reason: "abuse", Until: now.Add(60 * time.Second)})

	b := r.LookupSuffix("www.evil.test.", now.Add(5*time.Second))
	require.NotNil(t, b)
	assert.Equal(t, "abuse", b.Reason)

	b.Hit()
	assert.Equal(t, uint64(1), b.Blocks())

	assert.Nil(t, r.LookupSuffix("good.test.", now))
	assert.Nil(t, r.LookupSuffix("www.evil.test.", now.Add(61*time.Second)))
}

func Test_SuffixMostSpecificWins(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	r.AddSuffix("test.", &DynBlock{Reason: "broad", Until: now.Add(time.Minute)})
	r.AddSuffix("evil.test.", &DynBlock{Reason: "narrow", Until: now.Add(time.Minute)})

	b := r.LookupSuffix("a.evil.test.", now)
	require.NotNil(t, b)
	assert.Equal(t, "narrow", b.Reason)

	b = r.LookupSuffix("other.test.", now)
	require.NotNil(t, b)
	assert.Equal(t, "broad", b.Reason)
}

func Test_NetmaskBlock(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	require.NoError(t, r.AddNetmask("198.51.100.0/24", &DynBlock{Reason: "flood", Until: now.Add(time.Minute)}))
	require.Error(t, r.AddNetmask("bogus", &DynBlock{}))

	b := r.Lookup(net.ParseIP("198.51.100.7"), now)
	require.NotNil(t, b)
	assert.Equal(t, "flood", b.Reason)

	assert.Nil(t, r.Lookup(net.ParseIP("198.51.101.7"), now))
	assert.Nil(t, r.Lookup(nil, now))
}

func Test_NetmaskMostSpecificWins(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	require.NoError(t, r.AddNetmask("10.0.0.0/8", &DynBlock{Reason: "wide", Until: now.Add(time.Minute)}))
	require.NoError(t, r.AddNetmask("10.1.0.0/16", &DynBlock{Reason: "tight", Until: now.Add(time.Minute)}))

	b := r.Lookup(net.ParseIP("10.1.2.3"), now)
	require.NotNil(t, b)
	assert.Equal(t, "tight", b.Reason)
}

func Test_BlockMergeKeepsHits(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	first := &DynBlock{Reason: "one", Until: now.Add(2 * time.Minute)}
	r.AddSuffix("evil.test.", first)
	first.Hit()
	first.Hit()

	second := &DynBlock{Reason: "two", Until: now.Add(time.Minute)}
	r.AddSuffix("evil.test.", second)

	b := r.LookupSuffix("evil.test.", now)
	require.NotNil(t, b)
	assert.Equal(t, "two", b.Reason)
	assert.Equal(t, uint64(2), b.Blocks())
	// the later expiry of the merged entries survives
	assert.Equal(t, now.Add(2*time.Minute), b.Until)
}

func Test_Purge(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	require.NoError(t, r.AddNetmask("192.0.2.0/24", &DynBlock{Until: now.Add(time.Second)}))
	r.AddSuffix("old.test.", &DynBlock{Until: now.Add(time.Second)})
	r.AddSuffix("new.test.", &DynBlock{Until: now.Add(time.Hour)})

	removed := r.Purge(now.Add(2 * time.Second))
	assert.Equal(t, 2, removed)

	assert.Equal(t, 0, r.NetmaskCount())
	assert.Nil(t, r.LookupSuffix("old.test.", now))
	assert.NotNil(t, r.LookupSuffix("new.test.", now))
}

func Test_BlockActionOverride(t *testing.T) {
	b := &DynBlock{Action: rules.ActionRefused, Until: time.Now().Add(time.Minute)}

	assert.Equal(t, rules.ActionRefused, b.Action)
	assert.True(t, b.Live(time.Now()))
	assert.False(t, b.Live(time.Now().Add(2*time.Minute)))
}
