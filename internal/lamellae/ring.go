package lamellae

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

// Single-producer single-consumer byte ring over a shared mapping. One ring
// exists per ordered (sender, receiver) pair, which is what gives the
// transport its per-sender FIFO guarantee.

const (
	ringHeaderSize = 64

	ringWidxOff   = 0
	ringRidxOff   = 8
	ringClosedOff = 16
)

var (
	errRingFull  = errors.New("lamellae: ring full")
	errRingEmpty = errors.New("lamellae: ring empty")
	errRingDown  = errors.New("lamellae: ring closed")
)

// ring views a header plus data area inside mem. Indices are monotonic
// uint64s masked into the data area, so widx-ridx is the used byte count.
type ring struct {
	mem      []byte
	hdrOff   uintptr
	dataOff  uintptr
	capacity uint64
	capMask  uint64
}

func newRing(mem []byte, hdrOff uintptr, capacity uint64) *ring {
	if capacity&(capacity-1) != 0 {
		panic("ring capacity must be a power of 2")
	}
	return &ring{
		mem:      mem,
		hdrOff:   hdrOff,
		dataOff:  hdrOff + ringHeaderSize,
		capacity: capacity,
		capMask:  capacity - 1,
	}
}

func (r *ring) base() unsafe.Pointer {
	return unsafe.Pointer(&r.mem[0])
}

func (r *ring) widx() *uint64 {
	return (*uint64)(unsafe.Add(r.base(), r.hdrOff+ringWidxOff))
}

func (r *ring) ridx() *uint64 {
	return (*uint64)(unsafe.Add(r.base(), r.hdrOff+ringRidxOff))
}

func (r *ring) closedFlag() *uint32 {
	return (*uint32)(unsafe.Add(r.base(), r.hdrOff+ringClosedOff))
}

func (r *ring) close() {
	atomic.StoreUint32(r.closedFlag(), 1)
}

func (r *ring) closed() bool {
	return atomic.LoadUint32(r.closedFlag()) == 1
}

// write appends one length-prefixed frame. Returns errRingFull when the
// frame does not fit; the caller backs off and retries so delivery order is
// preserved.
func (r *ring) write(frame []byte) error {
	if r.closed() {
		return errRingDown
	}
	need := uint64(4 + len(frame))
	if need > r.capacity {
		return errors.New("lamellae: frame larger than ring capacity")
	}
	w := atomic.LoadUint64(r.widx())
	rd := atomic.LoadUint64(r.ridx())
	if r.capacity-(w-rd) < need {
		return errRingFull
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	r.copyIn(w, lenBuf[:])
	r.copyIn(w+4, frame)

	// Publish after the payload is visible.
	atomic.StoreUint64(r.widx(), w+need)
	return nil
}

// read pops one frame, or errRingEmpty.
func (r *ring) read() ([]byte, error) {
	rd := atomic.LoadUint64(r.ridx())
	w := atomic.LoadUint64(r.widx())
	if w == rd {
		if r.closed() {
			return nil, errRingDown
		}
		return nil, errRingEmpty
	}

	var lenBuf [4]byte
	r.copyOut(rd, lenBuf[:])
	n := binary.LittleEndian.Uint32(lenBuf[:])
	frame := make([]byte, n)
	r.copyOut(rd+4, frame)

	atomic.StoreUint64(r.ridx(), rd+4+uint64(n))
	return frame, nil
}

// copyIn writes src at logical index idx, wrapping at the capacity boundary.
func (r *ring) copyIn(idx uint64, src []byte) {
	pos := idx & r.capMask
	first := r.capacity - pos
	if uint64(len(src)) <= first {
		copy(r.mem[r.dataOff+uintptr(pos):], src)
		return
	}
	copy(r.mem[r.dataOff+uintptr(pos):], src[:first])
	copy(r.mem[r.dataOff:], src[first:])
}

func (r *ring) copyOut(idx uint64, dst []byte) {
	pos := idx & r.capMask
	first := r.capacity - pos
	if uint64(len(dst)) <= first {
		copy(dst, r.mem[r.dataOff+uintptr(pos):r.dataOff+uintptr(pos)+uintptr(len(dst))])
		return
	}
	copy(dst[:first], r.mem[r.dataOff+uintptr(pos):r.dataOff+uintptr(pos)+uintptr(first)])
	copy(dst[first:], r.mem[r.dataOff:])
}
