package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/nmxmxh/pgas_v1/internal/metrics"
)

// Scheduler runs handler bodies as logical tasks multiplexed over a fixed
// number of worker slots. Tasks from one sender start in arrival order on
// that sender's lane (per-sender FIFO); lanes from different senders run
// concurrently up to the worker limit.
//
// A task that blocks on a nested completion yields through yield, which
// releases its worker slot and lets the lane dispatch the next task from
// the same sender. A handler that recursively issues and awaits a message
// to its own PE therefore never sits behind itself on its own lane.

const laneDepth = 4096

type task struct {
	run func(*taskCtl)
}

// taskCtl ties a running task back to its lane. The lane advances once the
// task has finished or parked for the first time; slotHeld tracks whether
// the task goroutine currently owns a worker slot.
type taskCtl struct {
	advance  chan struct{}
	once     sync.Once
	slotHeld atomic.Bool
}

func (c *taskCtl) unblockLane() {
	c.once.Do(func() { close(c.advance) })
}

type scheduler struct {
	workers int64
	slots   *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	laneMu sync.Mutex
	lanes  map[int]chan task

	wg sync.WaitGroup
}

func newScheduler(workers int, logger *slog.Logger) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{
		workers: int64(workers),
		slots:   semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "engine.scheduler"),
		lanes:   make(map[int]chan task),
	}
}

// enqueue places a task on the sender's lane, creating the lane on first
// use. Lane order is execution-start order for that sender.
func (s *scheduler) enqueue(sender int, run func(*taskCtl)) {
	s.laneMu.Lock()
	lane, ok := s.lanes[sender]
	if !ok {
		lane = make(chan task, laneDepth)
		s.lanes[sender] = lane
		s.wg.Add(1)
		go s.drain(sender, lane)
	}
	s.laneMu.Unlock()

	select {
	case lane <- task{run: run}:
	case <-s.ctx.Done():
	}
}

// drain dispatches one task at a time from the lane. Each task runs on its
// own goroutine; the lane moves on when the task completes or parks, so a
// parked task cannot block later messages from the same sender.
func (s *scheduler) drain(sender int, lane chan task) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-lane:
			if err := s.slots.Acquire(s.ctx, 1); err != nil {
				return
			}
			ctl := &taskCtl{advance: make(chan struct{})}
			ctl.slotHeld.Store(true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runTask(sender, t, ctl)
				if ctl.slotHeld.Load() {
					s.slots.Release(1)
				}
				ctl.unblockLane()
			}()
			select {
			case <-ctl.advance:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *scheduler) runTask(sender int, t task, ctl *taskCtl) {
	defer func() {
		if r := recover(); r != nil {
			// Faults are isolated per task; the reply path has already
			// been armed by the dispatcher, this is the last resort.
			metrics.HandlerFaults.Inc()
			s.logger.Error("task panicked outside handler isolation",
				"sender", sender, "panic", r)
		}
	}()
	t.run(ctl)
}

// yield releases the calling task's worker slot and unblocks its lane, then
// reacquires a slot once wait returns. When the reacquire fails because the
// engine is stopping, the slot stays unheld and the task unwinds without
// releasing it again.
func (s *scheduler) yield(ctl *taskCtl, wait func() error) error {
	ctl.slotHeld.Store(false)
	s.slots.Release(1)
	ctl.unblockLane()
	err := wait()
	if aerr := s.slots.Acquire(s.ctx, 1); aerr != nil {
		return &RuntimeError{Code: ErrCodeShutdown, Message: "engine stopped while waiting", Cause: aerr}
	}
	ctl.slotHeld.Store(true)
	return err
}

func (s *scheduler) stop() {
	s.cancel()
	s.wg.Wait()
}
