package engine

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/metrics"
	"github.com/nmxmxh/pgas_v1/internal/team"
)

// Dissemination barrier over active messages. Each member runs ceil(log2 n)
// rounds; in round k it notifies rank (me+2^k) mod n and waits for the
// notification from rank (me-2^k) mod n. When the transport has a native
// world barrier (local and shared-memory backends do) that is used instead
// for the world team.

type barrierKey struct {
	team  team.ID
	epoch uint64
	round uint8
}

type barrierTracker struct {
	mu      chMutex
	epochs  map[team.ID]uint64
	arrived map[barrierKey]struct{}
	waiters map[barrierKey]chan struct{}
}

// chMutex is a channel-based mutex so barrier state can be touched from both
// handler tasks and application goroutines without lock-ordering surprises.
type chMutex chan struct{}

func (m chMutex) lock()   { m <- struct{}{} }
func (m chMutex) unlock() { <-m }

func (bt *barrierTracker) init() {
	bt.mu = make(chMutex, 1)
	bt.epochs = make(map[team.ID]uint64)
	bt.arrived = make(map[barrierKey]struct{})
	bt.waiters = make(map[barrierKey]chan struct{})
}

// wait returns a channel that closes once the notification for key has
// arrived. Already-arrived notifications yield a closed channel.
func (bt *barrierTracker) wait(key barrierKey) <-chan struct{} {
	bt.mu.lock()
	defer bt.mu.unlock()
	if _, ok := bt.arrived[key]; ok {
		delete(bt.arrived, key)
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	ch, ok := bt.waiters[key]
	if !ok {
		ch = make(chan struct{})
		bt.waiters[key] = ch
	}
	return ch
}

// notify records an inbound notification, waking a parked waiter if any.
func (bt *barrierTracker) notify(key barrierKey) {
	bt.mu.lock()
	defer bt.mu.unlock()
	if ch, ok := bt.waiters[key]; ok {
		delete(bt.waiters, key)
		close(ch)
		return
	}
	bt.arrived[key] = struct{}{}
}

// nextEpoch hands out this PE's next barrier epoch for t.
func (bt *barrierTracker) nextEpoch(id team.ID) uint64 {
	bt.mu.lock()
	defer bt.mu.unlock()
	bt.epochs[id]++
	return bt.epochs[id]
}

type barrierMsg struct {
	Epoch uint64 `json:"epoch"`
	Round uint8  `json:"round"`
}

// Barrier blocks until every PE in t has entered its matching Barrier call.
// Collective: a member that never calls it hangs the team, by contract. Pass
// the handler Context when calling from inside a handler.
func (e *Engine) Barrier(ctx *Context, t *team.Team) error {
	myRank, ok := t.Rank(e.me)
	if !ok {
		return fmt.Errorf("engine: pe %d is not a member of team %d", e.me, t.ID())
	}
	n := t.Size()
	if n == 1 {
		metrics.BarrierEpochs.Inc()
		return nil
	}

	// Native path for the full world when the backend provides one. Worker
	// slots are yielded around it the same as for the message-based rounds.
	if t.ID() == team.WorldID {
		err := e.Await(ctx, e.tr.Barrier)
		if err == nil {
			metrics.BarrierEpochs.Inc()
			return nil
		}
		if !errors.Is(err, lamellae.ErrUnsupported) {
			return fmt.Errorf("engine: transport barrier: %w", err)
		}
	}

	epoch := e.barriers.nextEpoch(t.ID())
	for k, round := 1, uint8(0); k < n; k, round = k<<1, round+1 {
		peer := (myRank + k) % n
		if _, err := e.ExecAmPE(t, peer, hidBarrier, barrierMsg{Epoch: epoch, Round: round}); err != nil {
			return fmt.Errorf("engine: barrier notify rank %d: %w", peer, err)
		}
		key := barrierKey{team: t.ID(), epoch: epoch, round: round}
		if err := e.await(ctx, e.barriers.wait(key)); err != nil {
			return err
		}
	}
	metrics.BarrierEpochs.Inc()
	return nil
}

func (e *Engine) handleBarrier(ctx *Context, payload []byte) (any, error) {
	var msg barrierMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	e.barriers.notify(barrierKey{team: ctx.teamID, epoch: msg.Epoch, round: msg.Round})
	return nil, nil
}
