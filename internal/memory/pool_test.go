package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/memory"
)

// heapRegions satisfies RegionAllocator without a transport.
type heapRegions struct {
	regions [][]byte
}

func (h *heapRegions) AllocRegion(size int) ([]byte, lamellae.RegionID, error) {
	mem := make([]byte, size)
	h.regions = append(h.regions, mem)
	return mem, lamellae.RegionID(len(h.regions) - 1), nil
}

func newPool(t *testing.T, size int) (*memory.Pool, *heapRegions) {
	t.Helper()
	alloc := &heapRegions{}
	p, err := memory.New(alloc, size, nil)
	require.NoError(t, err)
	return p, alloc
}

func TestPool_AllocRoundsUpToClass(t *testing.T) {
	p, _ := newPool(t, 1<<20)

	b, err := p.Alloc(1)
	require.NoError(t, err)
	assert.Len(t, b.Data, 64)

	b2, err := p.Alloc(65)
	require.NoError(t, err)
	assert.Len(t, b2.Data, 256)

	b3, err := p.Alloc(262144)
	require.NoError(t, err)
	assert.Len(t, b3.Data, 262144)

	_, err = p.Alloc(262145)
	assert.Error(t, err)
}

func TestPool_DataAliasesRegion(t *testing.T) {
	p, alloc := newPool(t, 1<<20)

	b, err := p.Alloc(64)
	require.NoError(t, err)
	b.Data[0] = 0xAB

	// Writes through the buffer must land in the registered region, or
	// remote Puts would not be visible.
	assert.Equal(t, byte(0xAB), alloc.regions[b.Region][b.Offset])
}

func TestPool_FreeReusesSlot(t *testing.T) {
	p, _ := newPool(t, 1<<20)

	b, err := p.Alloc(100)
	require.NoError(t, err)
	region, offset := b.Region, b.Offset
	require.NoError(t, p.Free(b))

	b2, err := p.Alloc(200)
	require.NoError(t, err)
	assert.Equal(t, region, b2.Region)
	assert.Equal(t, offset, b2.Offset)
}

func TestPool_DoubleFreeDetected(t *testing.T) {
	p, _ := newPool(t, 1<<20)

	b, err := p.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, p.Free(b))
	assert.Error(t, p.Free(b))
}

func TestPool_ExhaustionAndGrow(t *testing.T) {
	p, _ := newPool(t, 1<<16)

	var live []*memory.Buf
	for {
		b, err := p.Alloc(4096)
		if err != nil {
			require.ErrorIs(t, err, memory.ErrPoolExhausted)
			break
		}
		live = append(live, b)
	}
	assert.Equal(t, 16, len(live))

	require.NoError(t, p.Grow())
	assert.Equal(t, 1, p.Growths())

	b, err := p.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, lamellae.RegionID(1), b.Region)

	for _, old := range live {
		require.NoError(t, p.Free(old))
	}
	require.NoError(t, p.Free(b))

	st := p.Stats()
	assert.Equal(t, 2, st.Regions)
	assert.Equal(t, 0, st.Live)
}

func TestPool_DistinctBuffersDoNotOverlap(t *testing.T) {
	p, _ := newPool(t, 1<<20)

	seen := map[int]struct{}{}
	for i := 0; i < 32; i++ {
		b, err := p.Alloc(1024)
		require.NoError(t, err)
		_, dup := seen[b.Offset]
		require.False(t, dup, "offset %d handed out twice", b.Offset)
		seen[b.Offset] = struct{}{}
	}
}
