package lamellae_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
)

func TestLocalWorld_SendDelivers(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	src, dst := w.Endpoint(0), w.Endpoint(1)
	require.NoError(t, src.Send(1, []byte("ping")))

	select {
	case d := <-dst.Inbound():
		assert.Equal(t, lamellae.PE(0), d.Src)
		assert.Equal(t, []byte("ping"), d.Data)
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestLocalWorld_SendCopiesData(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	msg := []byte("mutate-me")
	require.NoError(t, w.Endpoint(0).Send(1, msg))
	msg[0] = 'X'

	d := <-w.Endpoint(1).Inbound()
	assert.Equal(t, byte('m'), d.Data[0])
}

func TestLocalWorld_PerSenderFIFO(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	const n = 1000
	src := w.Endpoint(0)
	for i := 0; i < n; i++ {
		require.NoError(t, src.Send(1, []byte(fmt.Sprintf("%06d", i))))
	}

	inbound := w.Endpoint(1).Inbound()
	for i := 0; i < n; i++ {
		d := <-inbound
		require.Equal(t, fmt.Sprintf("%06d", i), string(d.Data), "reordered at %d", i)
	}
}

func TestLocalWorld_SendToBadPE(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	assert.ErrorIs(t, w.Endpoint(0).Send(5, []byte("x")), lamellae.ErrUnreachable)
	assert.ErrorIs(t, w.Endpoint(0).Send(-1, []byte("x")), lamellae.ErrUnreachable)
}

func TestLocalWorld_BarrierBlocksUntilAllArrive(t *testing.T) {
	const n = 4
	w, err := lamellae.NewLocalWorld(n)
	require.NoError(t, err)
	defer w.Close()

	var arrived atomic.Int32
	var wg sync.WaitGroup
	for pe := 0; pe < n; pe++ {
		wg.Add(1)
		go func(pe int) {
			defer wg.Done()
			// Staggered entry: the barrier must still release everyone.
			time.Sleep(time.Duration(pe) * 10 * time.Millisecond)
			arrived.Add(1)
			require.NoError(t, w.Endpoint(pe).Barrier())
			assert.Equal(t, int32(n), arrived.Load(), "released before all arrived")
		}(pe)
	}
	wg.Wait()
}

func TestLocalWorld_PutGetThroughRegions(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	// Symmetric allocation gives matching region ids.
	_, id0, err := w.Endpoint(0).AllocRegion(4096)
	require.NoError(t, err)
	mem1, id1, err := w.Endpoint(1).AllocRegion(4096)
	require.NoError(t, err)
	require.Equal(t, id0, id1)

	require.NoError(t, w.Endpoint(0).Put(1, id1, 128, []byte("remote write")))
	assert.Equal(t, []byte("remote write"), mem1[128:140])

	buf := make([]byte, 12)
	require.NoError(t, w.Endpoint(0).Get(1, id1, 128, buf))
	assert.Equal(t, []byte("remote write"), buf)
}

func TestLocalWorld_RegionBoundsChecked(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	_, id, err := w.Endpoint(1).AllocRegion(64)
	require.NoError(t, err)

	ep := w.Endpoint(0)
	assert.ErrorIs(t, ep.Put(1, id, 60, []byte("too long")), lamellae.ErrBadRegion)
	assert.ErrorIs(t, ep.Put(1, id+1, 0, []byte("x")), lamellae.ErrBadRegion)
	assert.ErrorIs(t, ep.Get(1, id, -1, make([]byte, 4)), lamellae.ErrBadRegion)
}

func TestLocalWorld_CloseUnreachable(t *testing.T) {
	w, err := lamellae.NewLocalWorld(2)
	require.NoError(t, err)
	w.Close()

	assert.ErrorIs(t, w.Endpoint(0).Send(1, []byte("x")), lamellae.ErrUnreachable)
}
