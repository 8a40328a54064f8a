package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastDedup_FirstDeliveryNeverSuppressed(t *testing.T) {
	var d broadcastDedup
	d.init()

	// Far more keys than the filters were sized for, so bloom collisions
	// are certain; the exact sets must absorb every one of them. A single
	// suppressed first delivery would strand a broadcast forever.
	for origin := uint32(0); origin < 8; origin++ {
		for req := uint64(1); req <= 40000; req++ {
			require.False(t, d.observed(origin, req),
				"first delivery suppressed for origin %d req %d", origin, req)
		}
	}
}

func TestBroadcastDedup_RepeatIsSuppressed(t *testing.T) {
	var d broadcastDedup
	d.init()

	assert.False(t, d.observed(3, 7))
	assert.True(t, d.observed(3, 7))
	assert.True(t, d.observed(3, 7))
}

func TestBroadcastDedup_SurvivesOneRotation(t *testing.T) {
	var d broadcastDedup
	d.init()

	assert.False(t, d.observed(1, 1))
	for req := uint64(0); req < dedupCapacity; req++ {
		d.observed(2, req+1)
	}
	// One rotation later the original key sits in the previous set and is
	// still recognized.
	assert.True(t, d.observed(1, 1))
}
