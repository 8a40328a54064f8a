package darc_test

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/pgas_v1/internal/darc"
	"github.com/nmxmxh/pgas_v1/internal/engine"
	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type node struct {
	eng *engine.Engine
	rt  *darc.Runtime
}

// startWorld boots n engines with darc runtimes over the loopback transport.
func startWorld(t *testing.T, n int, register func(pe int, nd *node)) []*node {
	t.Helper()
	lw, err := lamellae.NewLocalWorld(n)
	require.NoError(t, err)

	nodes := make([]*node, n)
	for pe := 0; pe < n; pe++ {
		tr := lw.Endpoint(pe)
		pool, err := memory.New(tr, 1<<20, quietLogger())
		require.NoError(t, err)
		eng := engine.New(tr, pool, 4, quietLogger())
		rt, err := darc.Attach(eng)
		require.NoError(t, err)
		nodes[pe] = &node{eng: eng, rt: rt}
		if register != nil {
			register(pe, nodes[pe])
		}
	}
	for _, nd := range nodes {
		nd.eng.Start()
	}
	t.Cleanup(func() {
		for _, nd := range nodes {
			nd.rt.Close()
			nd.eng.Close()
		}
	})
	return nodes
}

// collectiveNew runs darc.New on every node concurrently, as the collective
// contract requires.
func collectiveNew(t *testing.T, nodes []*node, init int64) []*darc.Darc[int64] {
	t.Helper()
	out := make([]*darc.Darc[int64], len(nodes))
	var wg sync.WaitGroup
	for pe, nd := range nodes {
		wg.Add(1)
		go func(pe int, nd *node) {
			defer wg.Done()
			d, err := darc.New(nd.rt, nil, nd.eng.World(), init)
			require.NoError(t, err)
			out[pe] = d
		}(pe, nd)
	}
	wg.Wait()
	return out
}

func TestNew_SameIDEverywhere(t *testing.T) {
	nodes := startWorld(t, 3, nil)
	handles := collectiveNew(t, nodes, 0)

	ref := handles[0].Ref()
	for pe, d := range handles {
		assert.Equal(t, ref.ID, d.Ref().ID, "pe %d disagrees on id", pe)
		assert.Equal(t, int64(0), *d.Get())
		assert.Equal(t, 1, nodes[pe].rt.Installed())
	}
}

func TestCloneDrop_LocalOnly(t *testing.T) {
	nodes := startWorld(t, 2, nil)
	handles := collectiveNew(t, nodes, 7)

	d := handles[0]
	c1 := d.Clone()
	c2 := c1.Clone()
	assert.Same(t, d.Get(), c2.Get())

	require.NoError(t, c1.Drop())
	require.NoError(t, c2.Drop())
	assert.ErrorIs(t, c2.Drop(), darc.ErrDroppedHandle)

	// The original handle still pins the replica.
	assert.Equal(t, int64(7), *d.Get())
	assert.Equal(t, 1, nodes[0].rt.Installed())
}

func TestResolve_UnknownID(t *testing.T) {
	nodes := startWorld(t, 1, nil)
	_, err := darc.Resolve[int64](nodes[0].rt, darc.Ref{ID: 424242})
	assert.ErrorIs(t, err, darc.ErrReleased)
}

func TestDrop_ReclaimsOnAllPEs(t *testing.T) {
	nodes := startWorld(t, 3, nil)
	handles := collectiveNew(t, nodes, 0)

	for _, d := range handles {
		require.NoError(t, d.Drop())
	}

	// Reclamation is asynchronous: drop notices, the quiescence round, and
	// the release fan-out all ride active messages.
	require.Eventually(t, func() bool {
		for _, nd := range nodes {
			if nd.rt.Installed() != 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "replicas never reclaimed")

	_, err := darc.Resolve[int64](nodes[1].rt, handles[1].Ref())
	assert.ErrorIs(t, err, darc.ErrReleased)
}

func TestDrop_LiveHandleElsewherePreventsReclaim(t *testing.T) {
	nodes := startWorld(t, 3, nil)
	handles := collectiveNew(t, nodes, 0)

	// PE2 keeps an extra clone; everyone else drops.
	keeper := handles[2].Clone()
	for _, d := range handles {
		require.NoError(t, d.Drop())
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, nodes[2].rt.Installed(), "reclaimed under a live handle")
	assert.Equal(t, int64(0), *keeper.Get())

	require.NoError(t, keeper.Drop())
	require.Eventually(t, func() bool {
		for _, nd := range nodes {
			if nd.rt.Installed() != 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

const hidIncrement engine.HandlerID = 1

type incrementMsg struct {
	Counter darc.Ref `json:"counter"`
}

// TestCounterWorkload drives the full machine: every PE targets every PE
// with one increment, broadcasts one increment, and applies one locally, so
// each replica settles at 2*worldsize+1; dropping the handles then reclaims
// every replica exactly once.
func TestCounterWorkload(t *testing.T) {
	const n = 4
	nodes := startWorld(t, n, func(pe int, nd *node) {
		require.NoError(t, nd.eng.Register(hidIncrement, func(ctx *engine.Context, payload []byte) (any, error) {
			var msg incrementMsg
			if err := ctx.Decode(payload, &msg); err != nil {
				return nil, err
			}
			d, err := darc.Resolve[int64](nd.rt, msg.Counter)
			if err != nil {
				return nil, err
			}
			defer d.Drop()
			return atomic.AddInt64(d.Get(), 1), nil
		}))
	})
	handles := collectiveNew(t, nodes, 0)

	var wg sync.WaitGroup
	for pe, nd := range nodes {
		wg.Add(1)
		go func(pe int, nd *node) {
			defer wg.Done()
			world := nd.eng.World()
			msg := incrementMsg{Counter: handles[pe].Ref()}

			for rank := 0; rank < n; rank++ {
				_, err := nd.eng.ExecAmPE(world, rank, hidIncrement, msg)
				require.NoError(t, err)
			}
			_, err := nd.eng.ExecAmAll(world, hidIncrement, msg)
			require.NoError(t, err)
			atomic.AddInt64(handles[pe].Get(), 1)

			require.NoError(t, nd.eng.WaitAll(nil))
			require.NoError(t, nd.eng.Barrier(nil, world))
		}(pe, nd)
	}
	wg.Wait()

	for pe, d := range handles {
		assert.Equal(t, int64(2*n+1), atomic.LoadInt64(d.Get()), "pe %d", pe)
	}

	for _, d := range handles {
		require.NoError(t, d.Drop())
	}
	require.Eventually(t, func() bool {
		for _, nd := range nodes {
			if nd.rt.Installed() != 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "counter never reclaimed")
}

func TestNew_RepeatedObjectsGetDistinctIDs(t *testing.T) {
	nodes := startWorld(t, 2, nil)

	first := collectiveNew(t, nodes, 1)
	second := collectiveNew(t, nodes, 2)

	assert.NotEqual(t, first[0].Ref().ID, second[0].Ref().ID)
	assert.Equal(t, int64(1), *first[0].Get())
	assert.Equal(t, int64(2), *second[0].Get())
	assert.Equal(t, 2, nodes[0].rt.Installed())
}
