package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_HolderSnapshotIsolation(t *testing.T) {
	h := New([]string{"a", "b"})

	snap := h.Get()

	h.Modify(func(cur []string) []string {
		next := make([]string, len(cur))
		copy(next, cur)

		return append(next, "c")
	})

	// the old snapshot is untouched by the publish
	assert.Equal(t, []string{"a", "b"}, *snap)
	assert.Equal(t, []string{"a", "b", "c"}, *h.Get())
	assert.Equal(t, uint64(1), h.Version())
}

func Test_HolderSet(t *testing.T) {
	h := New(1)

	h.Set(2)

	assert.Equal(t, 2, *h.Get())
	assert.Equal(t, uint64(1), h.Version())
}
