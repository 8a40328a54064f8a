package team_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/team"
)

func TestWorld_RanksMatchPEs(t *testing.T) {
	w := team.World(4)
	require.Equal(t, 4, w.Size())
	assert.Equal(t, team.WorldID, w.ID())
	assert.Nil(t, w.Parent())

	for pe := 0; pe < 4; pe++ {
		rank, ok := w.Rank(lamellae.PE(pe))
		require.True(t, ok)
		assert.Equal(t, pe, rank)

		global, err := w.Global(rank)
		require.NoError(t, err)
		assert.Equal(t, lamellae.PE(pe), global)
	}
	assert.Equal(t, lamellae.PE(0), w.Root())
}

func TestSub_RanksAreDenseAndSorted(t *testing.T) {
	w := team.World(8)

	// Membership order in the argument must not matter.
	sub, err := w.Sub(7, []lamellae.PE{6, 2, 4})
	require.NoError(t, err)
	require.Equal(t, 3, sub.Size())
	assert.Equal(t, []lamellae.PE{2, 4, 6}, sub.Members())
	assert.Equal(t, lamellae.PE(2), sub.Root())
	assert.Same(t, w, sub.Parent())

	rank, ok := sub.Rank(6)
	require.True(t, ok)
	assert.Equal(t, 2, rank)

	_, ok = sub.Rank(3)
	assert.False(t, ok)
}

func TestSub_RejectsNonMembers(t *testing.T) {
	w := team.World(4)
	_, err := w.Sub(9, []lamellae.PE{1, 5})
	assert.Error(t, err)

	_, err = w.Sub(10, nil)
	assert.Error(t, err)
}

func TestSub_OfSub(t *testing.T) {
	w := team.World(8)
	mid, err := w.Sub(1, []lamellae.PE{1, 3, 5, 7})
	require.NoError(t, err)

	leaf, err := mid.Sub(2, []lamellae.PE{3, 7})
	require.NoError(t, err)
	assert.Equal(t, []lamellae.PE{3, 7}, leaf.Members())

	// 2 is in the world but not in mid.
	_, err = mid.Sub(3, []lamellae.PE{2, 3})
	assert.Error(t, err)
}

func TestGlobal_OutOfRange(t *testing.T) {
	w := team.World(2)
	_, err := w.Global(2)
	assert.Error(t, err)
	_, err = w.Global(-1)
	assert.Error(t, err)
}
