// Package darc implements the distributed atomically reference-counted
// container: a handle that stays dereferenceable on every PE until the
// distributed sum of per-PE strong counts reaches zero, at which point the
// payload is reclaimed exactly once.
//
// Per-PE counts are plain atomics. Only the 0-to-1 and 1-to-0 transitions
// leave the PE, as registration and drop notices to the coordinator (the
// creating team's root), whose single-threaded event loop is the total-order
// point for the global sum.
package darc

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/pgas_v1/internal/engine"
	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/memory"
	"github.com/nmxmxh/pgas_v1/internal/metrics"
	"github.com/nmxmxh/pgas_v1/internal/team"
)

// Handler ids inside the engine's reserved Darc block.
const (
	hidInstall  = engine.HidDarcBase + 0
	hidRegister = engine.HidDarcBase + 1
	hidDrop     = engine.HidDarcBase + 2
	hidConfirm  = engine.HidDarcBase + 3
	hidRelease  = engine.HidDarcBase + 4
)

var (
	// ErrReleased reports an attach against an id that has already been
	// reclaimed, or that this PE never installed.
	ErrReleased = errors.New("darc: object released or unknown")

	// ErrDroppedHandle reports a second Drop of the same handle.
	ErrDroppedHandle = errors.New("darc: handle already dropped")
)

// Ref is the serializable form of a Darc: a (team, id) pair resolved through
// the receiving PE's arena, never a raw pointer.
type Ref struct {
	ID     uint64 `json:"id"`
	TeamID uint32 `json:"team_id"`
}

// entry is one arena slot: the local replica of a distributed object.
type entry struct {
	id    uint64
	team  *team.Team
	value any // *T, only ever read through Darc[T].Get

	// local strong count; transitions through zero are reported to the
	// coordinator.
	local atomic.Int64

	// slot is the registered pool allocation backing the payload snapshot,
	// kept RDMA-addressable for the object's lifetime.
	slot *memory.Buf

	released atomic.Bool
}

// Runtime is the per-engine darc state: the arena plus, on coordinator PEs,
// the authoritative global counts. Attach it before Engine.Start so its
// handlers make it into the immutable registry.
type Runtime struct {
	eng *engine.Engine

	mu      sync.Mutex
	arena   map[uint64]*entry
	seq     map[team.ID]uint32          // collective creation sequence per team
	pending map[uint64]chan installMsg // creation waiters keyed by (team,seq) hash

	coord *coordinator
}

// Attach wires a darc runtime onto eng, registering the protocol handlers.
// Must run before eng.Start.
func Attach(eng *engine.Engine) (*Runtime, error) {
	rt := &Runtime{
		eng:     eng,
		arena:   make(map[uint64]*entry),
		seq:     make(map[team.ID]uint32),
		pending: make(map[uint64]chan installMsg),
	}
	rt.coord = newCoordinator(rt)

	reg := func(id engine.HandlerID, fn engine.Handler) error {
		return eng.RegisterInternal(id, fn)
	}
	if err := errors.Join(
		reg(hidInstall, rt.handleInstall),
		reg(hidRegister, rt.handleRegister),
		reg(hidDrop, rt.handleDrop),
		reg(hidConfirm, rt.handleConfirm),
		reg(hidRelease, rt.handleRelease),
	); err != nil {
		return nil, err
	}
	rt.coord.start()
	return rt, nil
}

// Close stops the coordinator loop.
func (rt *Runtime) Close() {
	rt.coord.stop()
}

// Installed reports how many objects this PE's arena currently holds.
func (rt *Runtime) Installed() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.arena)
}

type installMsg struct {
	ID     uint64 `json:"id"`
	TeamID uint32 `json:"team_id"`
	Seq    uint32 `json:"seq"`
}

func creationKey(id team.ID, seq uint32) uint64 {
	h := fnv.New64a()
	var b [12]byte
	for i := 0; i < 4; i++ {
		b[i] = byte(uint32(id) >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		b[4+i] = byte(seq >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64()
}

// Darc is one strong reference to a distributed object of type T.
type Darc[T any] struct {
	rt      *Runtime
	ent     *entry
	dropped atomic.Bool
}

// New collectively creates a distributed object over t. Every member passes
// its own local instance of the value; the team root assigns the global id
// and seeds the coordinator with one reference per member (the handle each
// caller gets back). Collective: a member that never calls it hangs the
// team.
func New[T any](rt *Runtime, ctx *engine.Context, t *team.Team, value T) (*Darc[T], error) {
	me := lamellae.PE(rt.eng.MyPE())
	if !t.Contains(me) {
		return nil, fmt.Errorf("darc: pe %d is not a member of team %d", me, t.ID())
	}

	rt.mu.Lock()
	rt.seq[t.ID()]++
	seq := rt.seq[t.ID()]
	rt.mu.Unlock()

	var id uint64
	if me == t.Root() {
		id = rt.coord.assignID(t, seq)
		msg := installMsg{ID: id, TeamID: uint32(t.ID()), Seq: seq}
		var acks []*engine.Request
		for _, pe := range t.Members()[1:] {
			rank, _ := t.Rank(pe)
			req, err := rt.eng.ExecAmPE(t, rank, hidInstall, msg)
			if err != nil {
				return nil, fmt.Errorf("darc: install on pe %d: %w", pe, err)
			}
			acks = append(acks, req)
		}
		for _, req := range acks {
			if err := rt.eng.BlockOn(ctx, req); err != nil {
				return nil, err
			}
		}
	} else {
		msg, err := rt.awaitInstall(ctx, creationKey(t.ID(), seq))
		if err != nil {
			return nil, err
		}
		id = msg.ID
	}

	ent := &entry{id: id, team: t, value: &value}
	ent.local.Store(1)
	if err := rt.backSlot(ctx, ent, &value); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.arena[id] = ent
	rt.mu.Unlock()
	metrics.LiveDarcs.Inc()

	if err := rt.eng.Barrier(ctx, t); err != nil {
		return nil, err
	}
	return &Darc[T]{rt: rt, ent: ent}, nil
}

// backSlot serializes the initial value into a registered pool slot so the
// payload stays RDMA-addressable. Values too large for the pool's biggest
// class live on the heap only.
func (rt *Runtime) backSlot(ctx *engine.Context, ent *entry, value any) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("darc: payload snapshot: %w", err)
	}
	if len(blob) > memory.MaxAlloc {
		return nil
	}
	buf, err := rt.eng.AllocBuf(ctx, len(blob))
	if err != nil {
		return fmt.Errorf("darc: payload slot: %w", err)
	}
	copy(buf.Data, blob)
	ent.slot = buf
	return nil
}

func (rt *Runtime) awaitInstall(ctx *engine.Context, key uint64) (installMsg, error) {
	rt.mu.Lock()
	ch, ok := rt.pending[key]
	if !ok {
		ch = make(chan installMsg, 1)
		rt.pending[key] = ch
	}
	rt.mu.Unlock()

	var msg installMsg
	err := rt.eng.Await(ctx, func() error {
		msg = <-ch
		return nil
	})
	rt.mu.Lock()
	delete(rt.pending, key)
	rt.mu.Unlock()
	return msg, err
}

func (rt *Runtime) handleInstall(ctx *engine.Context, payload []byte) (any, error) {
	var msg installMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	key := creationKey(team.ID(msg.TeamID), msg.Seq)
	rt.mu.Lock()
	ch, ok := rt.pending[key]
	if !ok {
		ch = make(chan installMsg, 1)
		rt.pending[key] = ch
	}
	rt.mu.Unlock()
	ch <- msg
	return nil, nil
}

// Clone atomically takes another strong reference. Purely local unless the
// count transitions from zero, which re-registers this PE with the
// coordinator.
func (d *Darc[T]) Clone() *Darc[T] {
	d.rt.bump(d.ent)
	return &Darc[T]{rt: d.rt, ent: d.ent}
}

func (rt *Runtime) bump(ent *entry) {
	if ent.local.Add(1) == 1 {
		metrics.LiveDarcs.Inc()
		rt.notifyCoordinator(ent, hidRegister)
	}
}

// Drop releases this handle. When the local count reaches zero a drop
// notice flows to the coordinator, which may trigger global reclamation.
func (d *Darc[T]) Drop() error {
	if !d.dropped.CompareAndSwap(false, true) {
		return ErrDroppedHandle
	}
	if d.ent.local.Add(-1) == 0 {
		metrics.LiveDarcs.Dec()
		d.rt.notifyCoordinator(d.ent, hidDrop)
	}
	return nil
}

// Get returns the local replica. Safe on any live handle; the container
// guarantees lifetime, not data-race freedom of the payload.
func (d *Darc[T]) Get() *T {
	return d.ent.value.(*T)
}

// Ref returns the serializable handle for embedding in message payloads.
// The handle must stay live until the message is known delivered.
func (d *Darc[T]) Ref() Ref {
	return Ref{ID: d.ent.id, TeamID: uint32(d.ent.team.ID())}
}

// Resolve turns a received Ref into a strong local reference.
func Resolve[T any](rt *Runtime, ref Ref) (*Darc[T], error) {
	rt.mu.Lock()
	ent, ok := rt.arena[ref.ID]
	rt.mu.Unlock()
	if !ok || ent.released.Load() {
		return nil, fmt.Errorf("%w: id %d", ErrReleased, ref.ID)
	}
	rt.bump(ent)
	return &Darc[T]{rt: rt, ent: ent}, nil
}

type countMsg struct {
	ID uint64 `json:"id"`
	PE int    `json:"pe"`
}

// notifyCoordinator reports a through-zero transition. Self-notices take the
// engine's local path like everything else.
func (rt *Runtime) notifyCoordinator(ent *entry, hid engine.HandlerID) {
	rank, ok := ent.team.Rank(ent.team.Root())
	if !ok {
		return
	}
	msg := countMsg{ID: ent.id, PE: rt.eng.MyPE()}
	if _, err := rt.eng.ExecAmPE(ent.team, rank, hid, msg); err != nil {
		rt.eng.Logger().Error("darc count notice failed", "id", ent.id, "err", err)
	}
}

func (rt *Runtime) handleRegister(ctx *engine.Context, payload []byte) (any, error) {
	var msg countMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	return nil, rt.coord.submit(coordEvent{kind: evRegister, id: msg.ID, pe: msg.PE})
}

func (rt *Runtime) handleDrop(ctx *engine.Context, payload []byte) (any, error) {
	var msg countMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	return nil, rt.coord.submit(coordEvent{kind: evDrop, id: msg.ID, pe: msg.PE})
}

// handleConfirm reports this PE's current local count during a reclamation
// rendezvous.
func (rt *Runtime) handleConfirm(ctx *engine.Context, payload []byte) (any, error) {
	var msg countMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	ent, ok := rt.arena[msg.ID]
	rt.mu.Unlock()
	if !ok {
		return int64(0), nil
	}
	return ent.local.Load(), nil
}

// handleRelease frees the local replica: arena entry, pool slot, value.
// Exactly once per PE; the coordinator only sends it after every participant
// confirmed quiescence.
func (rt *Runtime) handleRelease(ctx *engine.Context, payload []byte) (any, error) {
	var msg countMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	ent, ok := rt.arena[msg.ID]
	if ok {
		delete(rt.arena, msg.ID)
	}
	rt.mu.Unlock()
	if !ok || !ent.released.CompareAndSwap(false, true) {
		return nil, nil
	}
	if ent.slot != nil {
		if err := rt.eng.Pool().Free(ent.slot); err != nil {
			rt.eng.Logger().Error("darc slot free failed", "id", msg.ID, "err", err)
		}
		ent.slot = nil
	}
	ent.value = nil
	rt.eng.Logger().Debug("darc released", "id", msg.ID)
	return nil, nil
}
