//go:build linux

package lamellae

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/pgas_v1/internal/config"
)

// Shared-memory backend. Each PE owns one /dev/shm segment holding its
// inbox rings (one SPSC ring per sender) plus a data area that registered
// regions are carved from. Every PE maps every segment, so a remote Put is a
// plain copy into the destination's mapping.
//
// Wakeup is poll-with-backoff rather than futex; the backoff caps at 1ms so
// idle PEs stay cheap without a platform-specific wait path.

const (
	// "PGASSHM1" little-endian.
	shmMagicValue = uint64(0x314d485353414750)
	shmVersion    = uint32(1)

	shmHeaderSize    = 128
	shmRegionSlots   = 64
	shmRegionEntrySz = 16
	shmRingCapacity  = 1 << 20

	// Header field offsets.
	shmMagicOff     = 0
	shmVersionOff   = 8
	shmWorldOff     = 12
	shmReadyOff     = 16
	shmClosedOff    = 20
	shmBarrierCnt   = 24
	shmBarrierGen   = 28
	shmDataNextOff  = 32
	shmRegionCntOff = 40
)

const shmAttachTimeout = 10 * time.Second

type shmTransport struct {
	cfg    config.Config
	logger *slog.Logger
	dir    string

	me  PE
	n   int
	segs []*shmSegment // indexed by PE; segs[me] is owned

	inbound chan Delivery
	sendMu  []sync.Mutex // one per destination ring

	done      chan struct{}
	closeOnce sync.Once
}

type shmSegment struct {
	path  string
	mem   []byte
	owned bool

	ringsOff uintptr
	dataOff  uintptr
	dataSize uint64
}

func shmSegmentPath(jobID string, pe int) string {
	return filepath.Join("/dev/shm", fmt.Sprintf("pgas-%s-pe%d", jobID, pe))
}

func dialShmem(cfg config.Config, logger *slog.Logger) (Transport, error) {
	t := &shmTransport{
		cfg:     cfg,
		logger:  logger.With("component", "lamellae.shmem", "pe", cfg.MyPE),
		me:      PE(cfg.MyPE),
		n:       cfg.WorldSize,
		segs:    make([]*shmSegment, cfg.WorldSize),
		inbound: make(chan Delivery, localInboundDepth),
		sendMu:  make([]sync.Mutex, cfg.WorldSize),
		done:    make(chan struct{}),
	}

	own, err := createSegment(shmSegmentPath(cfg.JobID, cfg.MyPE), cfg)
	if err != nil {
		return nil, err
	}
	t.segs[cfg.MyPE] = own

	for pe := 0; pe < cfg.WorldSize; pe++ {
		if pe == cfg.MyPE {
			continue
		}
		seg, err := attachSegment(shmSegmentPath(cfg.JobID, pe), cfg)
		if err != nil {
			t.unmapAll()
			return nil, fmt.Errorf("attach pe %d: %w", pe, err)
		}
		t.segs[pe] = seg
	}

	t.logger.Info("shared-memory transport up", "world_size", t.n)
	go t.recvLoop()
	return t, nil
}

func segmentSize(cfg config.Config) int {
	rings := cfg.WorldSize * (ringHeaderSize + shmRingCapacity)
	data := 4 * cfg.PoolSize
	if data < 64<<20 {
		data = 64 << 20
	}
	return alignUp(shmHeaderSize+shmRegionSlots*shmRegionEntrySz, 4096) +
		alignUp(rings, 4096) + data
}

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

func layout(cfg config.Config) (ringsOff, dataOff uintptr) {
	ringsOff = uintptr(alignUp(shmHeaderSize+shmRegionSlots*shmRegionEntrySz, 4096))
	dataOff = ringsOff + uintptr(alignUp(cfg.WorldSize*(ringHeaderSize+shmRingCapacity), 4096))
	return
}

func createSegment(path string, cfg config.Config) (*shmSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	defer f.Close()

	size := segmentSize(cfg)
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("size segment: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	ringsOff, dataOff := layout(cfg)
	seg := &shmSegment{
		path:     path,
		mem:      mem,
		owned:    true,
		ringsOff: ringsOff,
		dataOff:  dataOff,
		dataSize: uint64(len(mem)) - uint64(dataOff),
	}

	base := unsafe.Pointer(&mem[0])
	atomic.StoreUint32((*uint32)(unsafe.Add(base, shmVersionOff)), shmVersion)
	atomic.StoreUint32((*uint32)(unsafe.Add(base, shmWorldOff)), uint32(cfg.WorldSize))
	atomic.StoreUint64((*uint64)(unsafe.Add(base, shmDataNextOff)), 0)
	// Publishing ready last lets attachers trust the layout fields.
	atomic.StoreUint64((*uint64)(unsafe.Add(base, shmMagicOff)), shmMagicValue)
	atomic.StoreUint32((*uint32)(unsafe.Add(base, shmReadyOff)), 1)
	return seg, nil
}

func attachSegment(path string, cfg config.Config) (*shmSegment, error) {
	deadline := time.Now().Add(shmAttachTimeout)
	size := segmentSize(cfg)

	for {
		f, err := os.OpenFile(path, os.O_RDWR, 0o600)
		if err == nil {
			info, statErr := f.Stat()
			if statErr == nil && info.Size() == int64(size) {
				mem, mapErr := unix.Mmap(int(f.Fd()), 0, size,
					unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
				f.Close()
				if mapErr != nil {
					return nil, fmt.Errorf("mmap: %w", mapErr)
				}
				base := unsafe.Pointer(&mem[0])
				if atomic.LoadUint32((*uint32)(unsafe.Add(base, shmReadyOff))) == 1 &&
					atomic.LoadUint64((*uint64)(unsafe.Add(base, shmMagicOff))) == shmMagicValue {
					ringsOff, dataOff := layout(cfg)
					return &shmSegment{
						path:     path,
						mem:      mem,
						ringsOff: ringsOff,
						dataOff:  dataOff,
						dataSize: uint64(len(mem)) - uint64(dataOff),
					}, nil
				}
				unix.Munmap(mem)
			} else {
				f.Close()
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: segment %s never became ready", ErrUnreachable, path)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ringFor returns the ring carrying traffic from sender inside seg.
func (seg *shmSegment) ringFor(sender PE) *ring {
	off := seg.ringsOff + uintptr(int(sender)*(ringHeaderSize+shmRingCapacity))
	return newRing(seg.mem, off, shmRingCapacity)
}

func (t *shmTransport) MyPE() PE       { return t.me }
func (t *shmTransport) WorldSize() int { return t.n }
func (t *shmTransport) Inbound() <-chan Delivery {
	return t.inbound
}

func (t *shmTransport) Send(dest PE, data []byte) error {
	if int(dest) < 0 || int(dest) >= t.n {
		return fmt.Errorf("%w: pe %d", ErrUnreachable, dest)
	}
	seg := t.segs[dest]
	r := seg.ringFor(t.me)

	t.sendMu[dest].Lock()
	defer t.sendMu[dest].Unlock()

	backoff := time.Microsecond
	for {
		err := r.write(data)
		if err == nil {
			return nil
		}
		if err != errRingFull {
			return fmt.Errorf("%w: pe %d: %v", ErrUnreachable, dest, err)
		}
		select {
		case <-t.done:
			return ErrClosed
		case <-time.After(backoff):
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

func (t *shmTransport) Broadcast(data []byte) error {
	// No hardware multicast over shared memory; the engine's tree handles
	// fan-out instead.
	return ErrUnsupported
}

func (t *shmTransport) recvLoop() {
	own := t.segs[t.me]
	backoff := time.Microsecond
	for {
		select {
		case <-t.done:
			return
		default:
		}

		got := false
		for pe := 0; pe < t.n; pe++ {
			if PE(pe) == t.me {
				continue
			}
			r := own.ringFor(PE(pe))
			for {
				frame, err := r.read()
				if err != nil {
					break
				}
				got = true
				select {
				case t.inbound <- Delivery{Src: PE(pe), Data: frame}:
				case <-t.done:
					return
				}
			}
		}

		if got {
			backoff = time.Microsecond
			continue
		}
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// Barrier uses a sense-reversing counter in PE 0's segment header.
func (t *shmTransport) Barrier() error {
	base := unsafe.Pointer(&t.segs[0].mem[0])
	cnt := (*uint32)(unsafe.Add(base, shmBarrierCnt))
	gen := (*uint32)(unsafe.Add(base, shmBarrierGen))

	g := atomic.LoadUint32(gen)
	if atomic.AddUint32(cnt, 1) == uint32(t.n) {
		atomic.StoreUint32(cnt, 0)
		atomic.AddUint32(gen, 1)
		return nil
	}
	backoff := time.Microsecond
	for atomic.LoadUint32(gen) == g {
		select {
		case <-t.done:
			return ErrClosed
		case <-time.After(backoff):
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
	return nil
}

func (t *shmTransport) AllocRegion(size int) ([]byte, RegionID, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: non-positive region size %d", ErrBadRegion, size)
	}
	seg := t.segs[t.me]
	base := unsafe.Pointer(&seg.mem[0])

	aligned := uint64(alignUp(size, 64))
	next := atomic.AddUint64((*uint64)(unsafe.Add(base, shmDataNextOff)), aligned)
	if next > seg.dataSize {
		return nil, 0, fmt.Errorf("%w: segment data area exhausted", ErrBadRegion)
	}
	start := next - aligned

	id := atomic.AddUint32((*uint32)(unsafe.Add(base, shmRegionCntOff)), 1) - 1
	if id >= shmRegionSlots {
		return nil, 0, fmt.Errorf("%w: region table full", ErrBadRegion)
	}
	entry := unsafe.Add(base, shmHeaderSize+uintptr(id)*shmRegionEntrySz)
	atomic.StoreUint64((*uint64)(entry), start)
	// Length published second; readers treat zero length as not-yet-visible.
	atomic.StoreUint64((*uint64)(unsafe.Add(entry, 8)), uint64(size))

	buf := seg.mem[seg.dataOff+uintptr(start) : seg.dataOff+uintptr(start)+uintptr(size)]
	return buf, RegionID(id), nil
}

func (t *shmTransport) resolve(pe PE, region RegionID, offset, n int) ([]byte, error) {
	if int(pe) < 0 || int(pe) >= t.n {
		return nil, fmt.Errorf("%w: pe %d", ErrUnreachable, pe)
	}
	seg := t.segs[pe]
	base := unsafe.Pointer(&seg.mem[0])
	if uint32(region) >= atomic.LoadUint32((*uint32)(unsafe.Add(base, shmRegionCntOff))) {
		return nil, fmt.Errorf("%w: pe %d region %d", ErrBadRegion, pe, region)
	}
	entry := unsafe.Add(base, shmHeaderSize+uintptr(region)*shmRegionEntrySz)
	length := atomic.LoadUint64((*uint64)(unsafe.Add(entry, 8)))
	if length == 0 {
		return nil, fmt.Errorf("%w: pe %d region %d not published", ErrBadRegion, pe, region)
	}
	start := atomic.LoadUint64((*uint64)(entry))
	if offset < 0 || uint64(offset+n) > length {
		return nil, fmt.Errorf("%w: [%d,%d) outside region of %d bytes",
			ErrBadRegion, offset, offset+n, length)
	}
	off := seg.dataOff + uintptr(start)
	return seg.mem[off : off+uintptr(length)], nil
}

func (t *shmTransport) Put(dest PE, region RegionID, offset int, data []byte) error {
	buf, err := t.resolve(dest, region, offset, len(data))
	if err != nil {
		return err
	}
	copy(buf[offset:], data)
	return nil
}

func (t *shmTransport) Get(src PE, region RegionID, offset int, buf []byte) error {
	target, err := t.resolve(src, region, offset, len(buf))
	if err != nil {
		return err
	}
	copy(buf, target[offset:])
	return nil
}

func (t *shmTransport) unmapAll() {
	for _, seg := range t.segs {
		if seg == nil {
			continue
		}
		unix.Munmap(seg.mem)
		if seg.owned {
			os.Remove(seg.path)
		}
	}
}

func (t *shmTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		// Give the recv loop a moment to observe done before unmapping.
		time.Sleep(5 * time.Millisecond)
		t.unmapAll()
		close(t.inbound)
	})
	return nil
}
