// Package lamellae abstracts the point-to-point and RDMA transport that the
// runtime core is written against.
//
// Three backends exist: a single-process loopback (all PEs in one process,
// used heavily by tests), a shared-memory backend for multi-process runs on
// one machine, and a libp2p fabric backend for multi-machine runs. The core
// never depends on which one is selected.
package lamellae

import (
	"errors"
	"log/slog"

	"github.com/nmxmxh/pgas_v1/internal/config"
)

// PE is a processing element id, global to the world.
type PE int

// RegionID names a registered memory region on some PE. Region ids are
// assigned in registration order; symmetric registration across PEs yields
// matching ids.
type RegionID uint32

// Delivery is one inbound message. Deliveries from the same Src are placed
// on the inbound queue in the order that Src sent them.
type Delivery struct {
	Src  PE
	Data []byte
}

// Transport sentinel errors.
var (
	// ErrUnreachable reports that the destination PE is not reachable at
	// send time.
	ErrUnreachable = errors.New("lamellae: destination pe unreachable")

	// ErrUnsupported reports that a backend does not implement an optional
	// collective primitive; callers fall back to a message-based protocol.
	ErrUnsupported = errors.New("lamellae: primitive not supported by backend")

	// ErrBadRegion reports an unknown region id or an out-of-bounds access.
	ErrBadRegion = errors.New("lamellae: bad region access")

	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("lamellae: transport closed")
)

// Transport is the narrow interface the runtime core consumes.
//
// Send must preserve per-destination FIFO: two Sends from this PE to the same
// destination are delivered in order. Barrier and Broadcast may return
// ErrUnsupported; the engine then uses its own message-based collectives.
type Transport interface {
	MyPE() PE
	WorldSize() int

	// Send enqueues data for one-sided delivery to dest. Non-blocking from
	// the caller's point of view apart from transient backpressure.
	Send(dest PE, data []byte) error

	// Inbound is the delivery queue. Closed when the transport closes.
	Inbound() <-chan Delivery

	// Barrier blocks until every PE in the world has entered it.
	Barrier() error

	// Broadcast delivers data to every other PE as an ordinary inbound
	// message.
	Broadcast(data []byte) error

	// AllocRegion carves a remotely-accessible region out of transport
	// memory. Region ids are assigned in allocation order, so PEs that
	// allocate symmetrically hold matching ids.
	AllocRegion(size int) ([]byte, RegionID, error)

	// Put writes data into dest's registered region at offset.
	Put(dest PE, region RegionID, offset int, data []byte) error

	// Get reads len(buf) bytes from src's registered region at offset.
	Get(src PE, region RegionID, offset int, buf []byte) error

	Close() error
}

// Dial constructs the backend selected by cfg. The local backend cannot be
// built this way (it hosts all PEs in one process); use NewLocalWorld.
func Dial(cfg config.Config, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendShmem:
		return dialShmem(cfg, logger)
	case config.BackendFabric:
		return dialFabric(cfg, logger)
	case config.BackendLocal:
		return nil, errors.New("lamellae: local backend hosts all PEs in-process, use NewLocalWorld")
	default:
		return nil, errors.New("lamellae: unknown backend " + cfg.Backend)
	}
}
