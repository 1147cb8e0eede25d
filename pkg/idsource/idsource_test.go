package idsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIsSequential(t *testing.T) {
	c := &Counter{}
	for want := uint64(1); want <= 5; want++ {
		id, err := c.NextID()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestFlakeIDsAreUniqueAndIncreasing(t *testing.T) {
	f, err := NewFlake(7)
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 10; i++ {
		id, err := f.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}
