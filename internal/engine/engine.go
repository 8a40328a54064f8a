// Package engine implements the active-message execution engine: handler
// registration, serialization, dispatch, completion tracking, and the
// message-based collectives (barrier, team construction, pool growth).
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/memory"
	"github.com/nmxmxh/pgas_v1/internal/metrics"
	"github.com/nmxmxh/pgas_v1/internal/team"
)

// Engine is one PE's runtime instance.
type Engine struct {
	tr     lamellae.Transport
	pool   *memory.Pool
	logger *slog.Logger
	reg    *registry
	sched  *scheduler

	me    lamellae.PE
	world *team.Team

	nextReq atomic.Uint64
	reqMu   sync.Mutex
	reqs    map[uint64]*Request

	cnt counters

	teamsMu     sync.RWMutex
	teams       map[team.ID]*team.Team
	teamDir     teamDirectory
	nextTeamSeq atomic.Uint32

	barriers barrierTracker
	growth   growthState

	dedup broadcastDedup

	started atomic.Bool
	wg      sync.WaitGroup
}

// New builds an engine over tr. Application handlers are registered with
// Register before Start; the registry is immutable afterwards.
func New(tr lamellae.Transport, pool *memory.Pool, workers int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pe", int(tr.MyPE()))

	e := &Engine{
		tr:     tr,
		pool:   pool,
		logger: logger,
		reg:    newRegistry(),
		sched:  newScheduler(workers, logger),
		me:     tr.MyPE(),
		world:  team.World(tr.WorldSize()),
		reqs:   make(map[uint64]*Request),
		teams:  make(map[team.ID]*team.Team),
	}
	e.teams[team.WorldID] = e.world
	e.barriers.init()
	e.teamDir.init()
	e.dedup.init()

	// Runtime-internal protocols share the one registry with application
	// handlers; they are just reserved ids.
	must := func(id HandlerID, fn Handler) {
		if err := e.reg.register(id, fn); err != nil {
			panic(err)
		}
	}
	must(hidBarrier, e.handleBarrier)
	must(hidTeamCreate, e.handleTeamCreate)
	must(hidPoolPropose, e.handlePoolPropose)
	must(hidPoolGrow, e.handlePoolGrow)
	must(hidPoolCommit, e.handlePoolCommit)

	return e
}

// Register adds an application handler. Only legal before Start; registering
// an id twice or an id in the reserved range is a configuration error.
func (e *Engine) Register(id HandlerID, fn Handler) error {
	if id >= ReservedBase {
		return fmt.Errorf("engine: handler id %#x is in the reserved range", id)
	}
	return e.reg.register(id, fn)
}

// RegisterInternal adds a handler inside the reserved range. For runtime
// extensions that carry their own protocol, not application code.
func (e *Engine) RegisterInternal(id HandlerID, fn Handler) error {
	if id < ReservedBase {
		return fmt.Errorf("engine: handler id %#x is not in the reserved range", id)
	}
	return e.reg.register(id, fn)
}

// Start seals the registry and begins dispatching inbound traffic.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.reg.seal()
	e.wg.Add(1)
	go e.recvLoop()
	e.logger.Info("engine started", "world_size", e.world.Size(),
		"handlers", len(e.reg.handlers))
}

// Accessors for collaborating packages.

func (e *Engine) MyPE() int                     { return int(e.me) }
func (e *Engine) World() *team.Team             { return e.world }
func (e *Engine) Pool() *memory.Pool            { return e.pool }
func (e *Engine) Transport() lamellae.Transport { return e.tr }
func (e *Engine) Logger() *slog.Logger          { return e.logger }

// Team resolves an installed team by id.
func (e *Engine) Team(id team.ID) (*team.Team, bool) {
	e.teamsMu.RLock()
	defer e.teamsMu.RUnlock()
	t, ok := e.teams[id]
	return t, ok
}

// ExecAmPE serializes msg and enqueues it for one-sided delivery to the
// team-relative rank. Non-blocking; the returned Request is observed later
// with BlockOn or WaitAll. A known-dead destination fails synchronously with
// an UNREACHABLE request.
func (e *Engine) ExecAmPE(t *team.Team, rank int, hid HandlerID, msg any) (*Request, error) {
	dest, err := t.Global(rank)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("engine: payload encode: %w", err)
	}

	req := e.track(1)
	h := header{
		MsgType:   msgAm,
		TeamID:    uint32(t.ID()),
		HandlerID: hid,
		Origin:    uint32(e.me),
		ReqID:     req.id,
	}
	data := frame(h, payload)
	metrics.MessagesSent.Inc()

	if dest == e.me {
		e.deliverLocal(data)
		return req, nil
	}
	if err := e.sendFrame(dest, data); err != nil {
		rerr := unreachableErr(int(dest), err)
		e.finishRequest(req, nil, rerr)
		return req, rerr
	}
	return req, nil
}

// ExecAmAll logically broadcasts msg to every PE in t, self included. The
// caller's side is one-sided: recipients see it as an ordinary inbound
// message. Fan-out follows a binomial tree rooted at the caller; the Request
// completes once every member has executed the handler.
func (e *Engine) ExecAmAll(t *team.Team, hid HandlerID, msg any) (*Request, error) {
	myRank, ok := t.Rank(e.me)
	if !ok {
		return nil, fmt.Errorf("engine: pe %d is not a member of team %d", e.me, t.ID())
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("engine: payload encode: %w", err)
	}

	req := e.track(t.Size())
	h := header{
		MsgType:   msgAm,
		Flags:     flagBroadcast,
		TeamID:    uint32(t.ID()),
		HandlerID: hid,
		Origin:    uint32(e.me),
		ReqID:     req.id,
		Aux:       uint32(myRank), // tree root rank
	}
	data := frame(h, payload)
	metrics.MessagesSent.Inc()

	// Self-delivery executes and forwards to this rank's tree children.
	e.deliverLocal(data)
	return req, nil
}

// WaitAll blocks the calling task until every request issued by this PE has
// completed. Pass the handler's Context when calling from inside a handler
// so the worker slot is yielded; pass nil from application goroutines.
func (e *Engine) WaitAll(ctx *Context) error {
	for {
		ch := e.cnt.quiesced()
		if ch == nil {
			return nil
		}
		if err := e.await(ctx, ch); err != nil {
			return err
		}
	}
}

// BlockOn suspends the calling task until req completes, then returns its
// failure if any. Decode the value afterwards with req.Result.
func (e *Engine) BlockOn(ctx *Context, req *Request) error {
	if err := e.await(ctx, req.done); err != nil {
		return err
	}
	return req.Err()
}

// await parks on ch. With a handler context the worker slot is released for
// the duration, which is what keeps nested waits deadlock-free.
func (e *Engine) await(ctx *Context, ch <-chan struct{}) error {
	wait := func() error {
		select {
		case <-ch:
			return nil
		case <-e.sched.ctx.Done():
			return &RuntimeError{Code: ErrCodeShutdown, Message: "engine stopped while waiting"}
		}
	}
	return e.Await(ctx, wait)
}

// Await runs wait, releasing the caller's worker slot first when called from
// inside a handler. For collaborating packages that block on their own
// channels rather than on a Request.
func (e *Engine) Await(ctx *Context, wait func() error) error {
	if ctx != nil {
		return e.sched.yield(ctx.ctl, wait)
	}
	return wait()
}

// track allocates a request expecting want completions.
func (e *Engine) track(want int) *Request {
	id := e.nextReq.Add(1)
	req := newRequest(id, want)
	e.reqMu.Lock()
	e.reqs[id] = req
	e.reqMu.Unlock()
	e.cnt.launch()
	return req
}

func (e *Engine) finishRequest(req *Request, value json.RawMessage, err error) {
	var finished bool
	if err != nil && req.want == 1 {
		finished = req.fail(err)
	} else {
		finished = req.completeOne(value, err)
	}
	if finished {
		e.reqMu.Lock()
		delete(e.reqs, req.id)
		e.reqMu.Unlock()
		e.cnt.finish()
	}
}

// sendFrame ships data to dest through a registered pool buffer. If the pool
// is exhausted it falls back to the heap and proposes a growth round, so
// message traffic never stalls behind the collective.
func (e *Engine) sendFrame(dest lamellae.PE, data []byte) error {
	if len(data) <= memory.MaxAlloc {
		if buf, err := e.pool.Alloc(len(data)); err == nil {
			copy(buf.Data, data)
			sendErr := e.tr.Send(dest, buf.Data[:len(data)])
			if ferr := e.pool.Free(buf); ferr != nil {
				e.logger.Error("message buffer free failed", "err", ferr)
			}
			return sendErr
		} else if errors.Is(err, memory.ErrPoolExhausted) {
			e.proposeGrowthAsync()
		}
	}
	return e.tr.Send(dest, data)
}

// recvLoop drains the transport. Replies complete requests inline; active
// messages are scheduled on their sender's lane.
func (e *Engine) recvLoop() {
	defer e.wg.Done()
	for d := range e.tr.Inbound() {
		h, err := decodeHeader(d.Data)
		if err != nil {
			e.logger.Warn("dropping malformed frame", "src", int(d.Src), "err", err)
			continue
		}
		payload := d.Data[headerSize:]
		switch h.MsgType {
		case msgReply:
			e.handleReply(h, payload)
		case msgAm:
			e.scheduleAm(int(d.Src), h, payload)
		default:
			e.logger.Warn("dropping frame with unknown type", "type", h.MsgType)
		}
	}
}

// deliverLocal dispatches a frame produced by this PE without a network hop.
func (e *Engine) deliverLocal(data []byte) {
	h, err := decodeHeader(data)
	if err != nil {
		e.logger.Error("local frame malformed", "err", err)
		return
	}
	e.scheduleAm(int(e.me), h, data[headerSize:])
}

func (e *Engine) scheduleAm(src int, h header, payload []byte) {
	if h.Flags&flagBroadcast != 0 && e.dedup.observed(h.Origin, h.ReqID) {
		return
	}
	e.sched.enqueue(src, func(ctl *taskCtl) {
		if h.Flags&flagBroadcast != 0 {
			e.forwardBroadcast(h, payload)
		}
		e.execute(src, h, payload, ctl)
	})
}

// execute runs the handler with fault isolation and sends the completion
// back to the origin.
func (e *Engine) execute(src int, h header, payload []byte, ctl *taskCtl) {
	fn, ok := e.reg.lookup(h.HandlerID)
	if !ok {
		e.reply(h, nil, faultErr(fmt.Sprintf("no handler registered for id %d", h.HandlerID)))
		return
	}

	var (
		value any
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.HandlerFaults.Inc()
				err = faultErr(fmt.Sprint(r))
				e.logger.Error("handler faulted", "handler", h.HandlerID,
					"src", src, "panic", r)
			}
		}()
		ctx := &Context{Engine: e, Src: src, ReqID: h.ReqID, teamID: team.ID(h.TeamID), ctl: ctl}
		value, err = fn(ctx, payload)
	}()
	metrics.MessagesExecuted.Inc()

	if err != nil && !isFault(err) {
		err = &RuntimeError{Code: ErrCodeHandlerFault, Message: "handler error", Cause: err}
	}
	e.reply(h, value, err)
}

func isFault(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}

// reply sends the completion message for an executed AM back to its origin.
func (e *Engine) reply(h header, value any, execErr error) {
	rh := header{
		MsgType: msgReply,
		TeamID:  h.TeamID,
		Origin:  h.Origin,
		ReqID:   h.ReqID,
		Aux:     replyOK,
	}
	var payload []byte
	if execErr != nil {
		rh.Aux = replyFault
		payload, _ = json.Marshal(execErr.Error())
	} else {
		var err error
		payload, err = json.Marshal(value)
		if err != nil {
			rh.Aux = replyFault
			payload, _ = json.Marshal(fmt.Sprintf("result encode: %v", err))
		}
	}
	data := frame(rh, payload)

	origin := lamellae.PE(h.Origin)
	if origin == e.me {
		e.handleReply(rh, payload)
		return
	}
	if err := e.sendFrame(origin, data); err != nil {
		e.logger.Warn("completion undeliverable", "origin", int(origin), "err", err)
	}
}

func (e *Engine) handleReply(h header, payload []byte) {
	e.reqMu.Lock()
	req, ok := e.reqs[h.ReqID]
	e.reqMu.Unlock()
	if !ok {
		return // fire-and-forget request already collected
	}

	if h.Aux == replyFault {
		var msg string
		if err := json.Unmarshal(payload, &msg); err != nil {
			msg = "handler fault"
		}
		e.finishRequest(req, nil, faultErr(msg))
		return
	}
	value := make(json.RawMessage, len(payload))
	copy(value, payload)
	e.finishRequest(req, value, nil)
}

// forwardBroadcast relays a tree broadcast to this rank's children.
func (e *Engine) forwardBroadcast(h header, payload []byte) {
	t, ok := e.Team(team.ID(h.TeamID))
	if !ok {
		e.logger.Warn("broadcast for unknown team", "team", h.TeamID)
		return
	}
	myRank, ok := t.Rank(e.me)
	if !ok {
		return
	}
	n := t.Size()
	root := int(h.Aux)
	rel := (myRank - root + n) % n

	data := frame(h, payload)
	for _, childRel := range binomialChildren(rel, n) {
		rank := (childRel + root) % n
		dest, err := t.Global(rank)
		if err != nil {
			continue
		}
		if err := e.sendFrame(dest, data); err != nil {
			// The whole subtree behind the child is cut off, not just the
			// child; the origin needs one completion per lost member or
			// its request can never finish.
			e.logger.Warn("broadcast forward failed", "dest", int(dest), "err", err)
			for _, lostRel := range binomialSubtree(childRel, n) {
				lost, gerr := t.Global((lostRel + root) % n)
				if gerr != nil {
					continue
				}
				e.notifyForwardFailure(h, lost, err)
			}
		}
	}
}

// notifyForwardFailure sends a fault completion on behalf of an unreachable
// subtree member so the origin's broadcast request does not hang silently.
func (e *Engine) notifyForwardFailure(h header, dest lamellae.PE, cause error) {
	rh := header{
		MsgType: msgReply,
		TeamID:  h.TeamID,
		Origin:  h.Origin,
		ReqID:   h.ReqID,
		Aux:     replyFault,
	}
	payload, _ := json.Marshal(unreachableErr(int(dest), cause).Error())
	if lamellae.PE(h.Origin) == e.me {
		e.handleReply(rh, payload)
		return
	}
	if err := e.sendFrame(lamellae.PE(h.Origin), frame(rh, payload)); err != nil {
		e.logger.Warn("forward-failure notice undeliverable", "err", err)
	}
}

// binomialChildren lists the tree children of relative rank rel in a
// broadcast over n members.
func binomialChildren(rel, n int) []int {
	var out []int
	k := 1
	for k <= rel {
		k <<= 1
	}
	for ; rel+k < n; k <<= 1 {
		out = append(out, rel+k)
	}
	return out
}

// binomialSubtree lists every relative rank whose delivery routes through
// rel, rel included.
func binomialSubtree(rel, n int) []int {
	out := []int{rel}
	for _, childRel := range binomialChildren(rel, n) {
		out = append(out, binomialSubtree(childRel, n)...)
	}
	return out
}

// Close stops dispatch and shuts the transport down. In-flight requests fail
// with SHUTDOWN through their waiters.
func (e *Engine) Close() {
	e.sched.stop()
	e.tr.Close()
	e.wg.Wait()
}
