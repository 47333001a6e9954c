// Package host implements the foreign object model the bridge talks to: a
// runtime that lets only one goroutine at a time touch its objects, owns an
// allocator separate from the native engine's, and exposes buffer, array and
// record batch objects laid out per the Arrow C data interface.
//
// All foreign state is reached through a *Session, which exists only while
// the runtime's exclusive-access guard is held. Reference counts on buffers
// and arrays are atomic and may be dropped without the guard, so native code
// can release foreign memory it adopted whenever it is done with it.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var guardWait = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "ferry_host_guard_wait_seconds",
	Help:    "Time spent waiting for exclusive access to the host runtime",
	Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
})

func init() {
	prometheus.MustRegister(guardWait)
}

// Runtime is a foreign runtime instance.
type Runtime struct {
	mu       sync.Mutex
	held     atomic.Bool
	sessions atomic.Int64

	mem    memory.Allocator
	logger *zap.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAllocator sets the allocator used for memory the runtime allocates itself.
func WithAllocator(mem memory.Allocator) Option {
	return func(rt *Runtime) { rt.mem = mem }
}

// WithLogger sets the runtime logger.
func WithLogger(logger *zap.Logger) Option {
	return func(rt *Runtime) { rt.logger = logger }
}

// NewRuntime creates a runtime. Without options it allocates from its own Go
// allocator and logs nothing.
func NewRuntime(opts ...Option) *Runtime {
	rt := &Runtime{
		mem:    memory.NewGoAllocator(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Allocator returns the runtime's own allocator.
func (rt *Runtime) Allocator() memory.Allocator { return rt.mem }

// Held reports whether some goroutine currently holds the guard.
func (rt *Runtime) Held() bool { return rt.held.Load() }

// Sessions returns how many sessions have been opened so far.
func (rt *Runtime) Sessions() int64 { return rt.sessions.Load() }

// Acquire blocks until the guard is available and returns a session holding
// it. The session must be released exactly once.
func (rt *Runtime) Acquire() *Session {
	start := time.Now()
	rt.mu.Lock()
	guardWait.Observe(time.Since(start).Seconds())
	rt.held.Store(true)
	rt.sessions.Add(1)
	s := &Session{rt: rt}
	s.active.Store(true)
	return s
}

// Do runs fn while holding the guard. The guard is released on every exit
// path, including a panic inside fn. The guard is not reentrant: calling Do
// from a goroutine that already holds it deadlocks. Nested crossings either
// take the held *Session or go through DoContext.
func (rt *Runtime) Do(fn func(s *Session) error) error {
	s := rt.Acquire()
	defer s.Release()
	return fn(s)
}

// ErrGuardHeld reports an operation that must acquire the guard itself but
// was started by a caller already holding it.
var ErrGuardHeld = errors.New("host: runtime guard already held by the caller")

type sessionKey struct{}

// Context returns a copy of parent carrying s. DoContext and HeldBy on
// the returned context see the held guard.
func (s *Session) Context(parent context.Context) context.Context {
	return context.WithValue(parent, sessionKey{}, s)
}

// HeldBy returns the active session of rt carried by ctx, if any.
func (rt *Runtime) HeldBy(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	if !ok || s.rt != rt || !s.active.Load() {
		return nil, false
	}
	return s, true
}

// DoContext is Do, except that when ctx carries an active session of rt the
// session is reused instead of acquiring the guard again.
func (rt *Runtime) DoContext(ctx context.Context, fn func(s *Session) error) error {
	if s, ok := rt.HeldBy(ctx); ok {
		return fn(s)
	}
	return rt.Do(fn)
}

func (rt *Runtime) assertHeld() {
	if !rt.held.Load() {
		panic("host: foreign object touched without holding the runtime guard")
	}
}

// Session is proof that the runtime guard is held. Functions that cross into
// the runtime take a *Session instead of acquiring the guard themselves, so
// nested crossings reuse the held guard rather than deadlocking on it.
type Session struct {
	rt     *Runtime
	active atomic.Bool
}

// Runtime returns the runtime the session belongs to.
func (s *Session) Runtime() *Runtime { return s.rt }

// Release gives the guard back. Releasing twice panics.
func (s *Session) Release() {
	if !s.active.CompareAndSwap(true, false) {
		panic("host: session released twice")
	}
	s.rt.held.Store(false)
	s.rt.mu.Unlock()
}

func (s *Session) check() {
	if !s.active.Load() {
		panic("host: session used after release")
	}
}

// Callable is a host function. Arguments and the result are host values.
// Arguments are borrowed for the duration of the call. A result that holds
// references (an *Array or *RecordBatch) is owned by the caller, so a
// function returning one of its arguments must Retain it first.
type Callable func(s *Session, args ...Value) (Value, error)

// Call invokes fn. A panic inside fn is reported as a raised exception.
func (s *Session) Call(fn Callable, args ...Value) (result Value, err error) {
	s.check()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &Exception{Kind: "Exception", Message: fmt.Sprint(r)}
		}
	}()
	return fn(s, args...)
}
