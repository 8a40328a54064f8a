package lamellae

import (
	"fmt"
	"sync"
)

// Local backend: every PE lives in one process. Delivery is a channel hop,
// the barrier is a sense-reversing counter, and RDMA is a direct copy into
// the target's registered slice. This is the backend the test suite runs on.

const localInboundDepth = 4096

// LocalWorld hosts n PEs and hands out one Transport per PE.
type LocalWorld struct {
	n   int
	eps []*localEndpoint

	barrierMu   sync.Mutex
	barrierCond *sync.Cond
	barrierCnt  int
	barrierGen  uint64

	regionMu sync.RWMutex
	regions  [][][]byte // regions[pe][regionID]

	closeOnce sync.Once
}

type localEndpoint struct {
	world   *LocalWorld
	pe      PE
	inbound chan Delivery

	mu     sync.Mutex
	closed bool
}

// NewLocalWorld builds an n-PE in-process world.
func NewLocalWorld(n int) (*LocalWorld, error) {
	if n < 1 {
		return nil, fmt.Errorf("lamellae: world size must be >= 1, got %d", n)
	}
	w := &LocalWorld{
		n:       n,
		regions: make([][][]byte, n),
	}
	w.barrierCond = sync.NewCond(&w.barrierMu)
	for i := 0; i < n; i++ {
		w.eps = append(w.eps, &localEndpoint{
			world:   w,
			pe:      PE(i),
			inbound: make(chan Delivery, localInboundDepth),
		})
	}
	return w, nil
}

// Endpoint returns the transport for pe.
func (w *LocalWorld) Endpoint(pe int) Transport {
	return w.eps[pe]
}

// Close shuts down every endpoint.
func (w *LocalWorld) Close() {
	w.closeOnce.Do(func() {
		for _, ep := range w.eps {
			ep.mu.Lock()
			ep.closed = true
			close(ep.inbound)
			ep.mu.Unlock()
		}
	})
}

func (ep *localEndpoint) MyPE() PE        { return ep.pe }
func (ep *localEndpoint) WorldSize() int  { return ep.world.n }
func (ep *localEndpoint) Inbound() <-chan Delivery {
	return ep.inbound
}

func (ep *localEndpoint) Send(dest PE, data []byte) error {
	if int(dest) < 0 || int(dest) >= ep.world.n {
		return fmt.Errorf("%w: pe %d", ErrUnreachable, dest)
	}
	target := ep.world.eps[dest]
	buf := make([]byte, len(data))
	copy(buf, data)

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.closed {
		return fmt.Errorf("%w: pe %d", ErrUnreachable, dest)
	}
	target.inbound <- Delivery{Src: ep.pe, Data: buf}
	return nil
}

func (ep *localEndpoint) Broadcast(data []byte) error {
	for i := 0; i < ep.world.n; i++ {
		if PE(i) == ep.pe {
			continue
		}
		if err := ep.Send(PE(i), data); err != nil {
			return err
		}
	}
	return nil
}

func (ep *localEndpoint) Barrier() error {
	w := ep.world
	w.barrierMu.Lock()
	defer w.barrierMu.Unlock()

	gen := w.barrierGen
	w.barrierCnt++
	if w.barrierCnt == w.n {
		w.barrierCnt = 0
		w.barrierGen++
		w.barrierCond.Broadcast()
		return nil
	}
	for gen == w.barrierGen {
		w.barrierCond.Wait()
	}
	return nil
}

func (ep *localEndpoint) AllocRegion(size int) ([]byte, RegionID, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: non-positive region size %d", ErrBadRegion, size)
	}
	buf := make([]byte, size)
	w := ep.world
	w.regionMu.Lock()
	defer w.regionMu.Unlock()
	w.regions[ep.pe] = append(w.regions[ep.pe], buf)
	return buf, RegionID(len(w.regions[ep.pe]) - 1), nil
}

func (ep *localEndpoint) Put(dest PE, region RegionID, offset int, data []byte) error {
	target, err := ep.world.lookupRegion(dest, region, offset, len(data))
	if err != nil {
		return err
	}
	copy(target[offset:], data)
	return nil
}

func (ep *localEndpoint) Get(src PE, region RegionID, offset int, buf []byte) error {
	target, err := ep.world.lookupRegion(src, region, offset, len(buf))
	if err != nil {
		return err
	}
	copy(buf, target[offset:])
	return nil
}

func (w *LocalWorld) lookupRegion(pe PE, region RegionID, offset, n int) ([]byte, error) {
	if int(pe) < 0 || int(pe) >= w.n {
		return nil, fmt.Errorf("%w: pe %d", ErrUnreachable, pe)
	}
	w.regionMu.RLock()
	defer w.regionMu.RUnlock()
	regs := w.regions[pe]
	if int(region) >= len(regs) {
		return nil, fmt.Errorf("%w: pe %d region %d", ErrBadRegion, pe, region)
	}
	buf := regs[region]
	if offset < 0 || offset+n > len(buf) {
		return nil, fmt.Errorf("%w: [%d,%d) outside region of %d bytes",
			ErrBadRegion, offset, offset+n, len(buf))
	}
	return buf, nil
}

func (ep *localEndpoint) Close() error {
	ep.world.Close()
	return nil
}
