// Package memory implements the registered memory pool backing message
// buffers and Darc payload slots.
//
// The pool serves fixed size classes out of transport-registered regions
// through segregated free lists. When every region is exhausted, callers see
// ErrPoolExhausted and the engine runs the phased collective growth protocol;
// Grow itself only performs the local, symmetric registration step.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/metrics"
)

// ErrPoolExhausted reports that no region can satisfy an allocation.
// Recoverable through collective growth, but repeated occurrences are a
// sizing misconfiguration.
var ErrPoolExhausted = errors.New("memory: registered pool exhausted")

// Size classes. Requests above the largest class are rejected; the engine
// never produces messages that big and Darc payload slots are bounded by the
// codec.
var classSizes = [...]int{64, 256, 1024, 4096, 16384, 65536, 262144}

// MaxAlloc is the largest allocation the pool serves.
const MaxAlloc = 262144

// RegionAllocator is the slice of the transport the pool needs.
type RegionAllocator interface {
	AllocRegion(size int) ([]byte, lamellae.RegionID, error)
}

// Buf is one pool allocation. Data aliases the registered region, so remote
// Puts against (Region, Offset) land in Data.
type Buf struct {
	Region lamellae.RegionID
	Offset int
	Data   []byte

	class int
}

type slot struct {
	region lamellae.RegionID
	offset int
}

type poolRegion struct {
	id   lamellae.RegionID
	mem  []byte
	next int // bump pointer
}

// Pool is one PE's registered pool.
type Pool struct {
	alloc  RegionAllocator
	logger *slog.Logger

	mu       sync.Mutex
	regions  []*poolRegion
	free     [len(classSizes)][]slot
	live     map[uint64]struct{} // outstanding allocations, double-free guard
	growths  int
	regionSz int
}

// New builds the pool and registers its initial region.
func New(alloc RegionAllocator, initialSize int, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		alloc:    alloc,
		logger:   logger.With("component", "memory.pool"),
		live:     make(map[uint64]struct{}),
		regionSz: initialSize,
	}
	if err := p.addRegion(initialSize); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) addRegion(size int) error {
	mem, id, err := p.alloc.AllocRegion(size)
	if err != nil {
		return fmt.Errorf("register region: %w", err)
	}
	p.mu.Lock()
	p.regions = append(p.regions, &poolRegion{id: id, mem: mem})
	p.mu.Unlock()
	metrics.PoolRegions.Inc()
	return nil
}

func classFor(size int) (int, bool) {
	for i, cs := range classSizes {
		if size <= cs {
			return i, true
		}
	}
	return 0, false
}

func slotKey(region lamellae.RegionID, offset int) uint64 {
	return uint64(region)<<40 | uint64(offset)
}

// Alloc returns a buffer of at least size bytes, or ErrPoolExhausted.
func (p *Pool) Alloc(size int) (*Buf, error) {
	class, ok := classFor(size)
	if !ok {
		return nil, fmt.Errorf("memory: allocation of %d exceeds max class %d", size, MaxAlloc)
	}
	cs := classSizes[class]

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free[class]); n > 0 {
		s := p.free[class][n-1]
		p.free[class] = p.free[class][:n-1]
		return p.takeLocked(s.region, s.offset, class, cs)
	}

	for _, reg := range p.regions {
		if reg.next+cs <= len(reg.mem) {
			off := reg.next
			reg.next += cs
			return p.takeLocked(reg.id, off, class, cs)
		}
	}
	return nil, ErrPoolExhausted
}

func (p *Pool) takeLocked(region lamellae.RegionID, offset, class, cs int) (*Buf, error) {
	p.live[slotKey(region, offset)] = struct{}{}
	var mem []byte
	for _, reg := range p.regions {
		if reg.id == region {
			mem = reg.mem
			break
		}
	}
	if mem == nil {
		return nil, fmt.Errorf("memory: region %d vanished", region)
	}
	return &Buf{
		Region: region,
		Offset: offset,
		Data:   mem[offset : offset+cs],
		class:  class,
	}, nil
}

// Free returns b to its class free list. Double frees are detected.
func (p *Pool) Free(b *Buf) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := slotKey(b.Region, b.Offset)
	if _, ok := p.live[key]; !ok {
		return fmt.Errorf("memory: double free of region %d offset %d", b.Region, b.Offset)
	}
	delete(p.live, key)
	p.free[b.class] = append(p.free[b.class], slot{region: b.Region, offset: b.Offset})
	return nil
}

// Grow performs the local step of a collective growth round: one more region
// of the configured size, registered symmetrically with every other PE. The
// engine drives the propose/ack/commit phases around it.
func (p *Pool) Grow() error {
	if err := p.addRegion(p.regionSz); err != nil {
		return err
	}
	p.mu.Lock()
	p.growths++
	g := p.growths
	p.mu.Unlock()
	metrics.PoolGrowths.Inc()
	p.logger.Warn("registered pool grew", "extra_regions", g,
		"region_bytes", p.regionSz)
	return nil
}

// Growths reports how many extra regions this PE has registered.
func (p *Pool) Growths() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.growths
}

// Stats summarizes occupancy per size class.
type Stats struct {
	Regions   int
	Live      int
	FreeSlots [len(classSizes)]int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Regions: len(p.regions), Live: len(p.live)}
	for i := range p.free {
		st.FreeSlots[i] = len(p.free[i])
	}
	return st
}
