package engine

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/team"
)

// Collective sub-team construction. The lowest-rank member acts as leader:
// it assigns the team id, pushes the membership table to every member, and
// waits for their acks; everyone then synchronizes on the new team's first
// barrier. Each member keeps a per-membership creation sequence so repeated
// construction over the same PE set pairs callers with the right instance.

type teamCreateMsg struct {
	ID       uint32 `json:"id"`
	ParentID uint32 `json:"parent_id"`
	PEs      []int  `json:"pes"`
	Seq      uint32 `json:"seq"`
}

type teamDirectory struct {
	mu      sync.Mutex
	seq     map[uint64]uint32
	byKey   map[uint64]*team.Team
	waiters map[uint64]chan *team.Team
}

func membershipKey(parent team.ID, pes []lamellae.PE, seq uint32) uint64 {
	h := fnv.New64a()
	var b [8]byte
	put := func(v uint64) {
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		h.Write(b[:])
	}
	put(uint64(parent))
	put(uint64(seq))
	for _, pe := range pes {
		put(uint64(pe))
	}
	return h.Sum64()
}

func (td *teamDirectory) init() {
	td.seq = make(map[uint64]uint32)
	td.byKey = make(map[uint64]*team.Team)
	td.waiters = make(map[uint64]chan *team.Team)
}

func (td *teamDirectory) nextSeq(base uint64) uint32 {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.seq[base]++
	return td.seq[base]
}

// install publishes t under key, waking any waiter.
func (td *teamDirectory) install(key uint64, t *team.Team) {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.byKey[key] = t
	if ch, ok := td.waiters[key]; ok {
		delete(td.waiters, key)
		ch <- t
		close(ch)
	}
}

// lookup returns the installed team for key, or a channel to wait on.
func (td *teamDirectory) lookup(key uint64) (*team.Team, <-chan *team.Team) {
	td.mu.Lock()
	defer td.mu.Unlock()
	if t, ok := td.byKey[key]; ok {
		return t, nil
	}
	ch, ok := td.waiters[key]
	if !ok {
		ch = make(chan *team.Team, 1)
		td.waiters[key] = ch
	}
	return nil, ch
}

// SubTeam collectively builds a team over pes, all of whom must be members
// of parent. Every listed PE must call SubTeam with the same arguments (in
// the same collective order) or the team hangs, the usual contract.
func (e *Engine) SubTeam(ctx *Context, parent *team.Team, pes []lamellae.PE) (*team.Team, error) {
	member := false
	for _, pe := range pes {
		if pe == e.me {
			member = true
			break
		}
	}
	if !member {
		return nil, fmt.Errorf("engine: pe %d not in requested sub-team", e.me)
	}

	sorted := make([]lamellae.PE, len(pes))
	copy(sorted, pes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	base := membershipKey(parent.ID(), sorted, 0)
	seq := e.teamDir.nextSeq(base)
	key := membershipKey(parent.ID(), sorted, seq)

	leader := sorted[0]
	if e.me != leader {
		t, wait := e.teamDir.lookup(key)
		if t == nil {
			recv := func() error {
				select {
				case t = <-wait:
					return nil
				case <-e.sched.ctx.Done():
					return &RuntimeError{Code: ErrCodeShutdown, Message: "engine stopped"}
				}
			}
			if err := e.Await(ctx, recv); err != nil {
				return nil, err
			}
		}
		if err := e.Barrier(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}

	id := team.ID(uint32(e.me)<<16 | (e.nextTeamSeq.Add(1) & 0xFFFF))
	t, err := parent.Sub(id, sorted)
	if err != nil {
		return nil, err
	}
	e.installTeam(key, t)

	msg := teamCreateMsg{
		ID:       uint32(id),
		ParentID: uint32(parent.ID()),
		PEs:      peInts(sorted),
		Seq:      seq,
	}
	var acks []*Request
	for _, pe := range sorted[1:] {
		rank, _ := parent.Rank(pe)
		req, err := e.ExecAmPE(parent, rank, hidTeamCreate, msg)
		if err != nil {
			return nil, fmt.Errorf("engine: team create to pe %d: %w", pe, err)
		}
		acks = append(acks, req)
	}
	for _, req := range acks {
		if err := e.BlockOn(ctx, req); err != nil {
			return nil, err
		}
	}
	if err := e.Barrier(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func peInts(pes []lamellae.PE) []int {
	out := make([]int, len(pes))
	for i, pe := range pes {
		out[i] = int(pe)
	}
	return out
}

func (e *Engine) installTeam(key uint64, t *team.Team) {
	e.teamsMu.Lock()
	e.teams[t.ID()] = t
	e.teamsMu.Unlock()
	e.teamDir.install(key, t)
}

func (e *Engine) handleTeamCreate(ctx *Context, payload []byte) (any, error) {
	var msg teamCreateMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	parent, ok := e.Team(team.ID(msg.ParentID))
	if !ok {
		return nil, fmt.Errorf("engine: parent team %d unknown on pe %d", msg.ParentID, e.me)
	}
	pes := make([]lamellae.PE, len(msg.PEs))
	for i, v := range msg.PEs {
		pes[i] = lamellae.PE(v)
	}
	t, err := parent.Sub(team.ID(msg.ID), pes)
	if err != nil {
		return nil, err
	}
	key := membershipKey(parent.ID(), t.Members(), msg.Seq)
	e.installTeam(key, t)
	return nil, nil
}
