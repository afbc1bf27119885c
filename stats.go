package pyo3

import "sync/atomic"

// Stats is a snapshot of the process-wide reference accounting counters.
type Stats struct {
	// Acquisitions counts outermost lock acquisitions.
	Acquisitions int64
	// IncRefs counts increments issued by clones.
	IncRefs int64
	// ImmediateDecRefs counts decrements applied while the lock was held.
	ImmediateDecRefs int64
	// DeferredDecRefs counts decrements queued into the pool.
	DeferredDecRefs int64
	// Drained counts queued decrements applied by a drain.
	Drained int64
	// Pending is the number of queued decrements not yet drained.
	Pending int64
	// Leaked counts owned references released by the leak cleanup.
	Leaked int64
}

var stats struct {
	acquisitions atomic.Int64
	increfs      atomic.Int64
	immediate    atomic.Int64
	deferred     atomic.Int64
	drained      atomic.Int64
	leaked       atomic.Int64
}

// ReadStats returns the current counters.
func ReadStats() Stats {
	s := Stats{
		Acquisitions:     stats.acquisitions.Load(),
		IncRefs:          stats.increfs.Load(),
		ImmediateDecRefs: stats.immediate.Load(),
		DeferredDecRefs:  stats.deferred.Load(),
		Drained:          stats.drained.Load(),
		Leaked:           stats.leaked.Load(),
	}
	if st := global.Load(); st != nil {
		if p := st.pool.Load(); p != nil {
			s.Pending = p.pending.Load()
		}
	}
	return s
}
