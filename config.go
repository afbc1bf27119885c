package pyo3

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gopyo3/pyo3/ffi"
	"github.com/gopyo3/pyo3/internal/shard"
)

const (
	defaultPoolShards  = 16
	attachmentShards   = 32
	payloadTableShards = 32
)

// Option configures Prepare.
type Option func(*options)

type options struct {
	log         *zap.Logger
	leakCleanup bool
	poolShards  int
}

// WithLogger sets the logger used for diagnostics. The default discards
// everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithLeakCleanup controls whether owned references that become unreachable
// without being released are queued for a deferred decrement. It is on by
// default; leaks are logged at warn level either way.
func WithLeakCleanup(enabled bool) Option {
	return func(o *options) { o.leakCleanup = enabled }
}

// WithPoolShards sets the number of shards of the deferred decrement pool.
func WithPoolShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolShards = n
		}
	}
}

// state is the process-wide service behind the package-level functions.
type state struct {
	rt   ffi.Runtime
	log  *zap.Logger
	opts options

	// attached counts goroutines currently attached to the lock. Zero lets
	// an off-lock release skip the goroutine id lookup.
	attached    atomic.Int64
	attachments *shard.Map[int64, *attachment]
	payloads    *shard.Map[ffi.Ptr, payload]

	poolOnce sync.Once
	pool     atomic.Pointer[referencePool]
}

var (
	prepareMu sync.Mutex
	global    atomic.Pointer[state]
)

// Prepare installs rt as the process-wide foreign runtime. It must be called
// before the first WithGIL. Calling it again with the same runtime is a no-op;
// a different runtime yields ErrAlreadyPrepared.
func Prepare(rt ffi.Runtime, opts ...Option) error {
	prepareMu.Lock()
	defer prepareMu.Unlock()

	if st := global.Load(); st != nil {
		if st.rt == rt {
			return nil
		}
		return ErrAlreadyPrepared
	}

	o := options{
		log:         zap.NewNop(),
		leakCleanup: true,
		poolShards:  defaultPoolShards,
	}
	for _, opt := range opts {
		opt(&o)
	}

	st := &state{
		rt:          rt,
		log:         o.log.Named("pyo3"),
		opts:        o,
		attachments: shard.New[int64, *attachment](attachmentShards, shard.Mod[int64](attachmentShards, 0)),
		payloads:    shard.New[ffi.Ptr, payload](payloadTableShards, shard.Mod[ffi.Ptr](payloadTableShards, 4)),
	}
	rt.SetDeallocHook(st.dealloc)
	global.Store(st)
	st.log.Debug("runtime prepared", zap.Int("pool_shards", o.poolShards), zap.Bool("leak_cleanup", o.leakCleanup))
	return nil
}

func current() (*state, error) {
	if st := global.Load(); st != nil {
		return st, nil
	}
	return nil, ErrNotPrepared
}

func mustCurrent() *state {
	st, err := current()
	if err != nil {
		panic(err)
	}
	return st
}

var nopLogger = zap.NewNop()

func logger() *zap.Logger {
	if st := global.Load(); st != nil {
		return st.log
	}
	return nopLogger
}

// getPool returns the deferred decrement pool, creating it on first use.
func (st *state) getPool() *referencePool {
	st.poolOnce.Do(func() {
		st.pool.Store(newReferencePool(st.opts.poolShards))
	})
	return st.pool.Load()
}
