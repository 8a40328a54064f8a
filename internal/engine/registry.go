package engine

import (
	"encoding/json"
	"fmt"

	"github.com/nmxmxh/pgas_v1/internal/team"
)

// HandlerID names a registered handler. Application ids must stay below
// ReservedBase; the runtime claims the rest for its own protocols.
type HandlerID uint32

// ReservedBase is the first handler id reserved for runtime-internal
// protocols (barrier, team construction, pool growth, Darc bookkeeping).
const ReservedBase HandlerID = 0xFFFF0000

// Runtime-internal handler ids.
const (
	hidBarrier     = ReservedBase + 1
	hidTeamCreate  = ReservedBase + 2
	hidPoolPropose = ReservedBase + 3
	hidPoolGrow    = ReservedBase + 4
	hidPoolCommit  = ReservedBase + 5

	// HidDarcBase is the start of the block the darc package registers in.
	HidDarcBase = ReservedBase + 0x100
)

// Handler executes one inbound active message. It runs on the worker
// scheduler with access to the local runtime through ctx, and may itself
// issue and await further messages. A non-nil return value is serialized
// back to the origin as the request's result.
type Handler func(ctx *Context, payload []byte) (any, error)

// Context is passed to every handler execution.
type Context struct {
	Engine *Engine
	Src    int // global PE id of the sender
	ReqID  uint64

	teamID team.ID  // team the message was addressed through
	ctl    *taskCtl // scheduler linkage for yielding waits
}

// TeamID returns the id of the team the message was addressed through.
func (c *Context) TeamID() team.ID { return c.teamID }

// Decode unmarshals the payload into dst.
func (c *Context) Decode(payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return &RuntimeError{Code: ErrCodeBadMessage, Message: "payload decode", Cause: err}
	}
	return nil
}

// registry is the immutable handler table. It is populated before Start and
// read without locking afterwards.
type registry struct {
	handlers map[HandlerID]Handler
	sealed   bool
}

func newRegistry() *registry {
	return &registry{handlers: make(map[HandlerID]Handler)}
}

func (r *registry) register(id HandlerID, fn Handler) error {
	if r.sealed {
		return fmt.Errorf("engine: registry sealed, handlers must be registered before Start")
	}
	if fn == nil {
		return fmt.Errorf("engine: nil handler for id %d", id)
	}
	if _, dup := r.handlers[id]; dup {
		return fmt.Errorf("engine: handler id %d registered twice", id)
	}
	r.handlers[id] = fn
	return nil
}

func (r *registry) seal() { r.sealed = true }

func (r *registry) lookup(id HandlerID) (Handler, bool) {
	fn, ok := r.handlers[id]
	return fn, ok
}
