package pyo3

import (
	"runtime"
	"sync/atomic"

	"github.com/gopyo3/pyo3/ffi"
	"github.com/gopyo3/pyo3/internal/goid"
)

// attachment records that one goroutine holds the global lock.
// Only the owning goroutine reads or writes depth, ensured and lockState.
type attachment struct {
	gid       int64
	depth     int
	ensured   bool // the foreign lock was taken by us, not assumed
	lockState ffi.LockState

	// suspended is set while the goroutine is inside AllowThreads. Tokens
	// of a suspended attachment fail their liveness check.
	suspended atomic.Bool
}

// scope is the lifetime of one Python token. Bound references created under
// the token are owned by the scope until released or unbound.
type scope struct {
	att    *attachment
	live   atomic.Bool
	owned  []*ref
	guards []guard
}

// guard is a payload borrow that ends when its scope does.
type guard interface {
	end()
}

func newScope(att *attachment) *scope {
	s := &scope{att: att}
	s.live.Store(true)
	return s
}

// adopt transfers ownership of r to s.
func (s *scope) adopt(r *ref) {
	r.owner = s
	s.owned = append(s.owned, r)
}

// close ends every borrow taken under s, releases every reference s still
// owns and invalidates its token. The lock must still be held.
func (s *scope) close(st *state) {
	for _, g := range s.guards {
		g.end()
	}
	s.guards = nil
	for _, r := range s.owned {
		if r.owner == s && !r.st.released.Load() {
			r.releaseNow(st)
		}
	}
	s.owned = nil
	s.live.Store(false)
}

// Python is the token proving that the calling goroutine holds the global
// lock. Tokens are only handed out by WithGIL, UnsafeAssumeGIL and
// Python.Pool, and are valid until the function they were passed to
// returns. They must not be shared with other goroutines.
type Python struct {
	s *scope
}

// check panics unless py is live: created by an acquisition whose scope has
// not exited, not suspended by AllowThreads, and used on the goroutine that
// holds the lock.
func (py Python) check() {
	switch {
	case py.s == nil:
		panic("pyo3: use of zero Python token")
	case !py.s.live.Load():
		panic("pyo3: Python token used after its scope ended")
	case py.s.att.suspended.Load():
		panic("pyo3: Python token used inside AllowThreads")
	case py.s.att.gid != goid.Get():
		panic("pyo3: Python token used on another goroutine")
	}
}

// Valid reports whether py may currently be used by the calling goroutine.
func (py Python) Valid() bool {
	return py.s != nil && py.s.live.Load() && !py.s.att.suspended.Load() && py.s.att.gid == goid.Get()
}

func (py Python) rt() ffi.Runtime {
	return mustCurrent().rt
}

// Runtime returns the foreign runtime. Calls made through it are not
// tracked by the reference family.
func (py Python) Runtime() ffi.Runtime {
	py.check()
	return py.rt()
}

// WithGIL blocks until the calling goroutine holds the global lock, drains
// the deferred decrement pool and runs f with a fresh token. If the
// goroutine already holds the lock it is reused. The lock is released, and
// every bound reference still owned by the token released, when f returns
// or panics.
func WithGIL(f func(py Python) error) error {
	st, err := current()
	if err != nil {
		return err
	}
	return st.enter(true, f)
}

// WithGILValue is WithGIL for functions that produce a value.
func WithGILValue[R any](f func(py Python) (R, error)) (R, error) {
	var out R
	err := WithGIL(func(py Python) error {
		var err error
		out, err = f(py)
		return err
	})
	return out, err
}

// UnsafeAssumeGIL runs f with a token without acquiring the lock.
//
// The caller must guarantee that the calling OS thread already holds the
// foreign runtime's lock, for example inside a callback invoked by the
// runtime. Violating this corrupts reference counts.
func UnsafeAssumeGIL(f func(py Python) error) error {
	st, err := current()
	if err != nil {
		return err
	}
	return st.enter(false, f)
}

func (st *state) enter(acquire bool, f func(py Python) error) error {
	gid := goid.Get()
	att, nested := st.attachments.GetOk(gid)
	if !nested {
		att = &attachment{gid: gid}
		if acquire {
			runtime.LockOSThread()
			att.lockState = st.rt.AcquireLock()
			att.ensured = true
			stats.acquisitions.Add(1)
		}
		st.attachments.Set(gid, att)
		st.attached.Add(1)
	}
	att.depth++

	s := newScope(att)
	defer func() {
		s.close(st)
		att.depth--
		if att.depth > 0 {
			return
		}
		st.attachments.Delete(gid)
		st.attached.Add(-1)
		if att.ensured {
			st.rt.ReleaseLock(att.lockState)
			runtime.UnlockOSThread()
		}
	}()

	py := Python{s: s}
	st.drain(py)
	return f(py)
}

// attachedHere reports whether the calling goroutine holds the lock.
func (st *state) attachedHere() bool {
	if st.attached.Load() == 0 {
		return false
	}
	_, ok := st.attachments.GetOk(goid.Get())
	return ok
}

// HoldsGIL reports whether the calling goroutine currently holds the lock
// through this package.
func HoldsGIL() bool {
	st, err := current()
	if err != nil {
		return false
	}
	return st.attachedHere()
}

// Pool runs f with a nested token. References bound to the nested token
// are released when f returns, and deferred decrements are drained on
// entry. Use it inside long loops that hold the lock so that temporaries do
// not accumulate in the outer scope.
func (py Python) Pool(f func(py Python) error) error {
	py.check()
	st := mustCurrent()
	s := newScope(py.s.att)
	defer s.close(st)
	inner := Python{s: s}
	st.drain(inner)
	return f(inner)
}

// AllowThreads releases the lock, runs f and reacquires the lock.
//
// Every token of the calling goroutine is suspended while f runs: using a
// token, or a Bound or Borrowed reference tied to one, panics. Owned
// references (Py) may be moved into f and released there; the decrement is
// queued and applied when the lock is reacquired.
func AllowThreads[R any](py Python, f func() R) R {
	py.check()
	st := mustCurrent()
	att := py.s.att

	st.attachments.Delete(att.gid)
	st.attached.Add(-1)
	att.suspended.Store(true)
	ts := st.rt.SaveThread()
	defer func() {
		st.rt.RestoreThread(ts)
		att.suspended.Store(false)
		st.attachments.Set(att.gid, att)
		st.attached.Add(1)
		st.drain(py)
	}()
	return f()
}
