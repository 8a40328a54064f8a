package lamellae

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(capacity uint64) *ring {
	mem := make([]byte, ringHeaderSize+capacity)
	return newRing(mem, 0, capacity)
}

func TestRing_WriteReadRoundTrip(t *testing.T) {
	r := newTestRing(256)

	require.NoError(t, r.write([]byte("hello")))
	require.NoError(t, r.write([]byte("world")))

	frame, err := r.read()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)

	frame, err = r.read()
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), frame)

	_, err = r.read()
	assert.ErrorIs(t, err, errRingEmpty)
}

func TestRing_FullThenDrain(t *testing.T) {
	r := newTestRing(64)

	// 4-byte length prefix + 12 bytes = 16 per frame, so 4 frames fit.
	frame := []byte("abcdefghijkl")
	for i := 0; i < 4; i++ {
		require.NoError(t, r.write(frame))
	}
	assert.ErrorIs(t, r.write(frame), errRingFull)

	_, err := r.read()
	require.NoError(t, err)
	assert.NoError(t, r.write(frame))
}

func TestRing_WrapAtBoundary(t *testing.T) {
	r := newTestRing(64)

	// Advance the indices to just before the wrap point, then push a frame
	// that straddles it.
	require.NoError(t, r.write(make([]byte, 40)))
	_, err := r.read()
	require.NoError(t, err)

	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	require.NoError(t, r.write(payload))

	got, err := r.read()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRing_FrameLargerThanCapacity(t *testing.T) {
	r := newTestRing(64)
	assert.Error(t, r.write(make([]byte, 64)))
}

func TestRing_CloseWakesReader(t *testing.T) {
	r := newTestRing(64)
	r.close()
	_, err := r.read()
	assert.ErrorIs(t, err, errRingDown)
	assert.ErrorIs(t, r.write([]byte("x")), errRingDown)
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	r := newTestRing(1024)
	const frames = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			frame := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
			for {
				if err := r.write(frame); err == nil {
					break
				}
			}
		}
	}()

	for i := 0; i < frames; i++ {
		var frame []byte
		for {
			var err error
			frame, err = r.read()
			if err == nil {
				break
			}
		}
		want := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		require.Equal(t, want, frame, "frame %d out of order", i)
	}
	wg.Wait()
}
