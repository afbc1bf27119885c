package pyo3

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/gopyo3/pyo3/ffi"
)

// referencePool holds decrements requested by goroutines that did not hold
// the lock. It is sharded by handle so that many goroutines releasing
// references at once do not contend on one mutex; none of its locks is ever
// held while the global lock is being acquired.
type referencePool struct {
	shards  []poolShard
	pending atomic.Int64
}

type poolShard struct {
	mu      sync.Mutex
	pending []ffi.Ptr
	_       cpu.CacheLinePad
}

func newReferencePool(n int) *referencePool {
	return &referencePool{shards: make([]poolShard, n)}
}

func (p *referencePool) shard(ptr ffi.Ptr) *poolShard {
	return &p.shards[(uintptr(ptr)>>4)%uintptr(len(p.shards))]
}

func (p *referencePool) register(ptr ffi.Ptr) {
	s := p.shard(ptr)
	s.mu.Lock()
	s.pending = append(s.pending, ptr)
	p.pending.Add(1)
	s.mu.Unlock()
	stats.deferred.Add(1)
}

// take empties every shard and returns what was queued. Each entry is
// returned to exactly one caller, so concurrent drains never apply a
// decrement twice.
func (p *referencePool) take() []ffi.Ptr {
	if p.pending.Load() == 0 {
		return nil
	}
	var out []ffi.Ptr
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		if len(s.pending) > 0 {
			out = append(out, s.pending...)
			p.pending.Add(-int64(len(s.pending)))
			s.pending = s.pending[:0:0]
		}
		s.mu.Unlock()
	}
	return out
}

// registerDecref releases one reference to ptr: immediately if the calling
// goroutine holds the lock, otherwise by queueing it for the next drain.
func (st *state) registerDecref(ptr ffi.Ptr) {
	if st.attachedHere() {
		st.rt.DecRef(ptr)
		stats.immediate.Add(1)
		return
	}
	st.getPool().register(ptr)
}

// drain applies every queued decrement. py proves the lock is held.
func (st *state) drain(py Python) int {
	p := st.pool.Load()
	if p == nil {
		return 0
	}
	ptrs := p.take()
	if len(ptrs) == 0 {
		return 0
	}
	for _, ptr := range ptrs {
		st.rt.DecRef(ptr)
	}
	stats.drained.Add(int64(len(ptrs)))
	st.log.Debug("drained deferred decrements", zap.Int("count", len(ptrs)))
	return len(ptrs)
}

// PendingDecrefs returns the number of decrements waiting for the lock.
func PendingDecrefs() int {
	st, err := current()
	if err != nil {
		return 0
	}
	if p := st.pool.Load(); p != nil {
		return int(p.pending.Load())
	}
	return 0
}

// Drain applies queued decrements now and returns how many were applied.
// It runs automatically on every acquisition; calling it directly is only
// useful in code that holds the lock for a long time.
func (py Python) Drain() int {
	py.check()
	return mustCurrent().drain(py)
}
