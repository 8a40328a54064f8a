package darc

import (
	"fmt"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/team"
)

// Object lifecycle as seen by the coordinator.
type mode int

const (
	modeLive mode = iota
	modeDraining
	modeReleasing
	modeDropped
)

type evKind int

const (
	evInstall evKind = iota
	evRegister
	evDrop
	evDrainDone
	evReleased
)

type coordEvent struct {
	kind evKind
	id   uint64
	pe   int

	st    *coordState // evInstall
	gen   uint64      // evDrainDone
	clean bool        // evDrainDone
}

type holderRank struct {
	pe   int
	rank int
}

// coordState is the authoritative view of one object: the count of PEs whose
// local count is nonzero, plus every PE that ever held a reference (the
// confirm and release fan-out set).
type coordState struct {
	team    *team.Team
	nonzero int
	holders map[int]struct{}
	mode    mode
	gen     uint64 // drain attempt counter, detects aborted rounds
}

func (st *coordState) holderRanks() []holderRank {
	out := make([]holderRank, 0, len(st.holders))
	for pe := range st.holders {
		if rank, ok := st.team.Rank(lamellae.PE(pe)); ok {
			out = append(out, holderRank{pe: pe, rank: rank})
		}
	}
	return out
}

// coordinator serializes all global-count mutations for objects rooted at
// this PE through a single goroutine, the total-order point the protocol
// leans on. Confirm and release fan-outs run on worker goroutines with a
// snapshot of the holder set; their results re-enter through the same event
// channel, tagged with the drain generation so aborted rounds are ignored.
type coordinator struct {
	rt     *Runtime
	events chan coordEvent
	quit   chan struct{}
	done   chan struct{}

	objs map[uint64]*coordState
}

func newCoordinator(rt *Runtime) *coordinator {
	return &coordinator{
		rt:     rt,
		events: make(chan coordEvent, 1024),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		objs:   make(map[uint64]*coordState),
	}
}

func (c *coordinator) start() {
	go c.loop()
}

func (c *coordinator) stop() {
	close(c.quit)
	<-c.done
}

func (c *coordinator) submit(ev coordEvent) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.quit:
		return fmt.Errorf("darc: coordinator stopped")
	}
}

// assignID mints a globally unique id for a new object and seeds its state
// with one reference per team member, the handle each collective caller
// receives. Root-only; installation flows through the event channel so it is
// ordered against any register or drop notice for the same id.
func (c *coordinator) assignID(t *team.Team, seq uint32) uint64 {
	id := uint64(c.rt.eng.MyPE())<<40 | uint64(t.ID())<<16 | uint64(seq&0xFFFF)
	st := &coordState{
		team:    t,
		nonzero: t.Size(),
		holders: make(map[int]struct{}, t.Size()),
	}
	for _, pe := range t.Members() {
		st.holders[int(pe)] = struct{}{}
	}
	_ = c.submit(coordEvent{kind: evInstall, id: id, st: st})
	return id
}

func (c *coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.quit:
			return
		}
	}
}

func (c *coordinator) handle(ev coordEvent) {
	if ev.kind == evInstall {
		c.objs[ev.id] = ev.st
		return
	}
	st, ok := c.objs[ev.id]
	if !ok {
		c.rt.eng.Logger().Warn("darc notice for unknown object", "id", ev.id, "kind", int(ev.kind))
		return
	}
	switch ev.kind {
	case evRegister:
		if st.mode == modeReleasing || st.mode == modeDropped {
			c.rt.eng.Logger().Error("darc register raced reclamation", "id", ev.id, "pe", ev.pe)
			return
		}
		st.nonzero++
		st.holders[ev.pe] = struct{}{}
		if st.mode == modeDraining {
			// A resurrection aborts the in-flight rendezvous.
			st.mode = modeLive
		}
	case evDrop:
		st.nonzero--
		if st.nonzero < 0 {
			c.rt.eng.Logger().Error("darc count underflow", "id", ev.id, "pe", ev.pe)
			st.nonzero = 0
		}
		if st.nonzero == 0 && st.mode == modeLive {
			st.mode = modeDraining
			st.gen++
			go c.confirmRound(ev.id, st.gen, st.team, st.holderRanks())
		}
	case evDrainDone:
		if st.mode != modeDraining || st.gen != ev.gen {
			// Aborted by a racing register, or superseded.
			return
		}
		if !ev.clean || st.nonzero != 0 {
			st.mode = modeLive
			return
		}
		st.mode = modeReleasing
		go c.releaseRound(ev.id, st.team, st.holderRanks())
	case evReleased:
		st.mode = modeDropped
		delete(c.objs, ev.id)
	}
}

// confirmRound asks every past holder for its current local count. Runs off
// the event loop so register notices can still land and abort the round.
func (c *coordinator) confirmRound(id, gen uint64, t *team.Team, holders []holderRank) {
	clean := true
	for _, h := range holders {
		var count int64
		req, err := c.rt.eng.ExecAmPE(t, h.rank, hidConfirm, countMsg{ID: id})
		if err == nil {
			err = c.rt.eng.BlockOn(nil, req)
		}
		if err == nil {
			err = req.Result(&count)
		}
		if err != nil {
			c.rt.eng.Logger().Error("darc quiescence probe failed", "id", id, "pe", h.pe, "err", err)
			clean = false
			break
		}
		if count != 0 {
			clean = false
			break
		}
	}
	_ = c.submit(coordEvent{kind: evDrainDone, id: id, gen: gen, clean: clean})
}

// releaseRound tells every past holder to free its replica, then retires the
// object. Reached at most once per object.
func (c *coordinator) releaseRound(id uint64, t *team.Team, holders []holderRank) {
	for _, h := range holders {
		req, err := c.rt.eng.ExecAmPE(t, h.rank, hidRelease, countMsg{ID: id})
		if err == nil {
			err = c.rt.eng.BlockOn(nil, req)
		}
		if err != nil {
			c.rt.eng.Logger().Error("darc release failed", "id", id, "pe", h.pe, "err", err)
		}
	}
	_ = c.submit(coordEvent{kind: evReleased, id: id})
	c.rt.eng.Logger().Info("darc reclaimed", "id", id, "holders", len(holders))
}
