package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/pgas_v1/internal/memory"
)

// Phased collective pool growth: Propose (any PE asks the world root),
// Grow (root broadcasts; every PE registers one more region and acks),
// Commit (root broadcasts the new generation). RDMA registration must be
// symmetric, which is why a single region can never be added unilaterally.
//
// The root serializes rounds; a proposal that observes a stale generation is
// answered without growing, so a burst of exhausted PEs costs one round.

type growthState struct {
	mu       sync.Mutex
	inFlight atomic.Bool
}

type growMsg struct {
	Gen int `json:"gen"`
}

type growReply struct {
	Gen     int  `json:"gen"`
	Skipped bool `json:"skipped"`
}

// proposeGrowthAsync fires a growth proposal without blocking the send path.
// Message traffic keeps flowing on heap buffers until the round lands.
func (e *Engine) proposeGrowthAsync() {
	if !e.growth.inFlight.CompareAndSwap(false, true) {
		return
	}
	gen := e.pool.Growths()
	go func() {
		defer e.growth.inFlight.Store(false)
		req, err := e.ExecAmPE(e.world, 0, hidPoolPropose, growMsg{Gen: gen})
		if err != nil {
			e.logger.Error("growth proposal failed", "err", err)
			return
		}
		if err := e.BlockOn(nil, req); err != nil {
			e.logger.Error("growth round failed", "err", err)
		}
	}()
}

// AllocBuf allocates from the registered pool, driving a synchronous growth
// round on exhaustion. Pass the handler Context when calling from a handler.
func (e *Engine) AllocBuf(ctx *Context, size int) (*memory.Buf, error) {
	for attempt := 0; ; attempt++ {
		buf, err := e.pool.Alloc(size)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, memory.ErrPoolExhausted) || attempt >= 2 {
			return nil, err
		}
		req, perr := e.ExecAmPE(e.world, 0, hidPoolPropose, growMsg{Gen: e.pool.Growths()})
		if perr != nil {
			return nil, fmt.Errorf("engine: growth proposal: %w", perr)
		}
		if berr := e.BlockOn(ctx, req); berr != nil {
			return nil, fmt.Errorf("engine: growth round: %w", berr)
		}
	}
}

// handlePoolPropose runs on the world root.
func (e *Engine) handlePoolPropose(ctx *Context, payload []byte) (any, error) {
	var msg growMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}

	if !e.growth.mu.TryLock() {
		// A round is already in flight; the proposer's exhaustion is
		// covered by it.
		return growReply{Gen: e.pool.Growths(), Skipped: true}, nil
	}
	defer e.growth.mu.Unlock()

	cur := e.pool.Growths()
	if cur > msg.Gen {
		return growReply{Gen: cur, Skipped: true}, nil
	}

	req, err := e.ExecAmAll(e.world, hidPoolGrow, growMsg{Gen: cur})
	if err != nil {
		return nil, fmt.Errorf("grow broadcast: %w", err)
	}
	if err := e.BlockOn(ctx, req); err != nil {
		return nil, fmt.Errorf("grow acks: %w", err)
	}

	commit, err := e.ExecAmAll(e.world, hidPoolCommit, growMsg{Gen: cur + 1})
	if err != nil {
		return nil, fmt.Errorf("commit broadcast: %w", err)
	}
	if err := e.BlockOn(ctx, commit); err != nil {
		return nil, fmt.Errorf("commit acks: %w", err)
	}
	return growReply{Gen: cur + 1}, nil
}

// handlePoolGrow performs the local symmetric registration step.
func (e *Engine) handlePoolGrow(ctx *Context, payload []byte) (any, error) {
	var msg growMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	if err := e.pool.Grow(); err != nil {
		return nil, fmt.Errorf("local grow: %w", err)
	}
	return nil, nil
}

// handlePoolCommit marks the round visible. The regions were registered
// during the grow phase; commit exists so the collective's cost and
// completion are explicit in the protocol rather than implied.
func (e *Engine) handlePoolCommit(ctx *Context, payload []byte) (any, error) {
	var msg growMsg
	if err := ctx.Decode(payload, &msg); err != nil {
		return nil, err
	}
	e.logger.Info("pool growth committed", "generation", msg.Gen)
	return nil, nil
}
