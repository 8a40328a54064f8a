package engine

import (
	"encoding/json"
	"sync"
)

// Request tracks one issued active message (or one broadcast) from send to
// completion. It is owned by the issuing PE and mutated only by completion
// delivery.
type Request struct {
	id   uint64
	want int // completions needed: 1, or team size for a broadcast

	mu    sync.Mutex
	got   int
	value json.RawMessage // last value received; single-dest round trips use it
	err   error
	done  chan struct{}
}

func newRequest(id uint64, want int) *Request {
	return &Request{id: id, want: want, done: make(chan struct{})}
}

// completeOne records one completion. Returns true when the request just
// finished.
func (r *Request) completeOne(value json.RawMessage, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got >= r.want {
		return false // late duplicate, ignore
	}
	r.got++
	if value != nil {
		r.value = value
	}
	if err != nil && r.err == nil {
		r.err = err
	}
	if r.got == r.want {
		close(r.done)
		return true
	}
	return false
}

// fail finishes the request immediately with err.
func (r *Request) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got >= r.want {
		return false
	}
	r.got = r.want
	r.err = err
	close(r.done)
	return true
}

// Done reports whether the request has left the pending state.
func (r *Request) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Err returns the request's failure, nil while pending or on success.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Result decodes the completed value into dst. dst may be nil when the
// caller only cares about completion. Calling Result on a pending request is
// a bug; use Engine.BlockOn.
func (r *Request) Result(dst any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if dst == nil || r.value == nil {
		return nil
	}
	return json.Unmarshal(r.value, dst)
}

// counters tracks launched-versus-completed requests for WaitAll.
type counters struct {
	mu          sync.Mutex
	outstanding int
	waiters     []chan struct{}
}

func (c *counters) launch() {
	c.mu.Lock()
	c.outstanding++
	c.mu.Unlock()
}

func (c *counters) finish() {
	c.mu.Lock()
	c.outstanding--
	if c.outstanding == 0 {
		for _, w := range c.waiters {
			close(w)
		}
		c.waiters = nil
	}
	c.mu.Unlock()
}

// quiesced returns a channel that closes when outstanding reaches zero, or
// nil if it already is zero.
func (c *counters) quiesced() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding == 0 {
		return nil
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	return w
}
