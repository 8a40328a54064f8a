package engine

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	dedupCapacity = 100000
	dedupFPRate   = 0.001
)

// broadcastDedup suppresses duplicate tree-broadcast deliveries. The bloom
// pair is a fast negative check only; a positive is confirmed against exact
// rotating sets, so a filter collision can never swallow a first delivery
// and stall the origin's request. Both pairs rotate together to keep memory
// bounded.
type broadcastDedup struct {
	mu       sync.Mutex
	fast     *bloom.BloomFilter
	fastPrev *bloom.BloomFilter
	seen     map[dedupKey]struct{}
	seenPrev map[dedupKey]struct{}
	count    int
}

type dedupKey struct {
	origin uint32
	req    uint64
}

func (d *broadcastDedup) init() {
	d.fast = bloom.NewWithEstimates(dedupCapacity, dedupFPRate)
	d.fastPrev = bloom.NewWithEstimates(dedupCapacity, dedupFPRate)
	d.seen = make(map[dedupKey]struct{})
	d.seenPrev = make(map[dedupKey]struct{})
}

// observed records (origin, reqID) and reports whether it was already
// present. A rotated-out entry can in principle readmit a very old
// duplicate, which the handler must tolerate the same way it tolerates
// at-least-once transports.
func (d *broadcastDedup) observed(origin uint32, req uint64) bool {
	var kb [12]byte
	binary.LittleEndian.PutUint32(kb[0:4], origin)
	binary.LittleEndian.PutUint64(kb[4:12], req)
	key := dedupKey{origin: origin, req: req}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fast.Test(kb[:]) || d.fastPrev.Test(kb[:]) {
		if _, dup := d.seen[key]; dup {
			return true
		}
		if _, dup := d.seenPrev[key]; dup {
			return true
		}
		// Filter collision; fall through and record as new.
	}
	d.fast.Add(kb[:])
	d.seen[key] = struct{}{}
	d.count++
	if d.count >= dedupCapacity {
		d.fastPrev, d.fast = d.fast, d.fastPrev
		d.fast.ClearAll()
		d.seenPrev, d.seen = d.seen, make(map[dedupKey]struct{})
		d.count = 0
	}
	return false
}
