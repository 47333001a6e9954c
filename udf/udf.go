// Package udf exposes host functions to the engine as scalar functions.
//
// A row-wise function is called once per row with host scalars; a vectorized
// function is called once per batch with host arrays that share the engine's
// buffers. Both run while holding the host guard, acquired once per batch.
package udf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TFMV/ferry/codec"
	"github.com/TFMV/ferry/engine"
	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/TFMV/ferry/types"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_udf_invocations_total",
		Help: "Batch invocations of host functions",
	}, []string{"function", "mode"})
	failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_udf_failures_total",
		Help: "Failed batch invocations of host functions",
	}, []string{"function", "mode"})
	latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ferry_udf_latency_seconds",
		Help:    "Latency of one batch invocation",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(invocations, failures, latency)
}

// checkEvery is how many rows a row-wise call processes between context
// checks.
const checkEvery = 1024

// Mode selects the calling convention of a host function.
type Mode int

const (
	// RowWise calls the function once per row with scalar arguments. Null
	// slots are passed as None and a None result is a null output slot.
	RowWise Mode = iota
	// Vectorized calls the function once per batch with array arguments and
	// expects an array of the same length back.
	Vectorized
)

func (m Mode) String() string {
	if m == Vectorized {
		return "vectorized"
	}
	return "row"
}

// ParseMode parses "row" or "vectorized".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "row", "rowwise", "":
		return RowWise, nil
	case "vectorized", "array":
		return Vectorized, nil
	}
	return 0, fmt.Errorf("udf: unknown mode %q", s)
}

// BreakerSettings configures the per-function circuit breaker. The breaker
// opens after MaxFailures consecutive failed invocations and half-opens after
// OpenTimeout.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Option configures a Function.
type Option func(*Function)

// WithLogger sets the function logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Function) { f.logger = logger }
}

// WithBreaker guards the function with a circuit breaker.
func WithBreaker(bs BreakerSettings) Option {
	return func(f *Function) { f.breakerSettings = &bs }
}

// Function is a host function registered as an engine scalar function.
type Function struct {
	name   string
	mode   Mode
	fn     host.Callable
	sig    engine.Signature
	rt     *host.Runtime
	codec  *codec.ArrayCodec
	mem    memory.Allocator
	logger *zap.Logger

	breakerSettings *BreakerSettings
	breaker         *gobreaker.CircuitBreaker
}

var _ engine.ScalarFunction = (*Function)(nil)

// New wraps fn as a scalar function with the given signature. Every input and
// the output must be bridgeable types.
func New(rt *host.Runtime, c *codec.ArrayCodec, name string, mode Mode, fn host.Callable,
	sig engine.Signature, opts ...Option) (*Function, error) {
	if name == "" {
		return nil, errors.New("udf: function name is empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("udf: %s: callable is nil", name)
	}
	for i, dt := range sig.Inputs {
		if err := types.Supported(dt); err != nil {
			return nil, fmt.Errorf("udf: %s argument %d: %w", name, i, err)
		}
	}
	if err := types.Supported(sig.Output); err != nil {
		return nil, fmt.Errorf("udf: %s result: %w", name, err)
	}

	f := &Function{
		name:   name,
		mode:   mode,
		fn:     fn,
		sig:    sig,
		rt:     rt,
		codec:  c,
		mem:    c.Bridge().Allocator(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if bs := f.breakerSettings; bs != nil {
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: bs.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bs.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Warn("udf breaker state change",
					zap.String("function", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return f, nil
}

// NewRowWise wraps a host function called once per row.
func NewRowWise(rt *host.Runtime, c *codec.ArrayCodec, name string, fn host.Callable,
	inputs []arrow.DataType, output arrow.DataType, opts ...Option) (*Function, error) {
	return New(rt, c, name, RowWise, fn, engine.Signature{Inputs: inputs, Output: output}, opts...)
}

// NewVectorized wraps a host function called once per batch with arrays.
func NewVectorized(rt *host.Runtime, c *codec.ArrayCodec, name string, fn host.Callable,
	inputs []arrow.DataType, output arrow.DataType, opts ...Option) (*Function, error) {
	return New(rt, c, name, Vectorized, fn, engine.Signature{Inputs: inputs, Output: output}, opts...)
}

// Name returns the function name.
func (f *Function) Name() string { return f.name }

// Mode returns the calling convention.
func (f *Function) Mode() Mode { return f.mode }

// Signature returns the declared types.
func (f *Function) Signature() engine.Signature { return f.sig }

// BreakerState reports the circuit breaker state, or closed when the function
// has no breaker.
func (f *Function) BreakerState() gobreaker.State {
	if f.breaker == nil {
		return gobreaker.StateClosed
	}
	return f.breaker.State()
}

// Invoke evaluates the function over numRows rows. Arguments are checked
// against the signature before the host is entered.
func (f *Function) Invoke(ctx context.Context, args []arrow.Array, numRows int) (arrow.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.check(args, numRows); err != nil {
		return nil, err
	}

	mode := f.mode.String()
	invocations.WithLabelValues(f.name, mode).Inc()
	start := time.Now()
	defer func() { latency.WithLabelValues(mode).Observe(time.Since(start).Seconds()) }()

	out, err := f.run(ctx, args, numRows)
	if err != nil {
		failures.WithLabelValues(f.name, mode).Inc()
		f.logger.Debug("udf invocation failed",
			zap.String("function", f.name),
			zap.String("mode", mode),
			zap.Int("rows", numRows),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}

func (f *Function) check(args []arrow.Array, numRows int) error {
	if len(args) != len(f.sig.Inputs) {
		return &fault.TypeMismatchError{
			Function: f.name,
			Arg:      len(args),
			Want:     fmt.Sprintf("%d arguments", len(f.sig.Inputs)),
			Got:      fmt.Sprintf("%d arguments", len(args)),
		}
	}
	for i, arg := range args {
		if !arrow.TypeEqual(arg.DataType(), f.sig.Inputs[i]) {
			return &fault.TypeMismatchError{
				Function: f.name,
				Arg:      i,
				Want:     types.DisplayName(f.sig.Inputs[i]),
				Got:      types.DisplayName(arg.DataType()),
			}
		}
		if arg.Len() != numRows {
			return fault.Length(fmt.Sprintf("%s argument %d rows", f.name, i), numRows, arg.Len())
		}
	}
	return nil
}

func (f *Function) run(ctx context.Context, args []arrow.Array, numRows int) (arrow.Array, error) {
	call := func() (arrow.Array, error) {
		if f.mode == Vectorized {
			return f.vectorized(ctx, args, numRows)
		}
		return f.rowWise(ctx, args, numRows)
	}
	if f.breaker == nil {
		return call()
	}

	res, err := f.breaker.Execute(func() (interface{}, error) { return call() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fault.ForeignCall(f.name, -1, err)
	}
	if err != nil {
		return nil, err
	}
	return res.(arrow.Array), nil
}

func (f *Function) rowWise(ctx context.Context, args []arrow.Array, numRows int) (arrow.Array, error) {
	gets := make([]getter, len(args))
	for i, dt := range f.sig.Inputs {
		gets[i] = getters[dt.ID()]
	}
	put := putters[f.sig.Output.ID()]

	bld := array.NewBuilder(f.mem, f.sig.Output)
	defer bld.Release()
	bld.Reserve(numRows)

	err := f.rt.DoContext(ctx, func(s *host.Session) error {
		row := make([]host.Value, len(args))
		for i := 0; i < numRows; i++ {
			if i%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			for j, arg := range args {
				if arg.IsNull(i) {
					row[j] = host.None
				} else {
					row[j] = gets[j](arg, i)
				}
			}

			v, err := s.Call(f.fn, row...)
			if err != nil {
				return fault.ForeignCall(f.name, i, err)
			}
			if host.IsNone(v) {
				bld.AppendNull()
				continue
			}
			if !put(bld, v) {
				release(v)
				return fault.ForeignCall(f.name, i, fmt.Errorf("returned %s, declared %s",
					host.TypeName(v), types.DisplayName(f.sig.Output)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bld.NewArray(), nil
}

func (f *Function) vectorized(ctx context.Context, args []arrow.Array, numRows int) (out arrow.Array, err error) {
	err = f.rt.DoContext(ctx, func(s *host.Session) error {
		hargs := make([]host.Value, 0, len(args))
		defer func() {
			for _, v := range hargs {
				release(v)
			}
		}()
		for i, arg := range args {
			ha, err := f.codec.Encode(s, arg)
			if err != nil {
				return fmt.Errorf("udf %s argument %d: %w", f.name, i, err)
			}
			hargs = append(hargs, ha)
		}

		v, err := s.Call(f.fn, hargs...)
		if err != nil {
			return fault.ForeignCall(f.name, -1, err)
		}
		ha, ok := v.(*host.Array)
		if !ok {
			release(v)
			return fault.ForeignCall(f.name, -1, fmt.Errorf("returned %s, want Array", host.TypeName(v)))
		}
		defer ha.Release()

		arr, err := f.codec.Decode(s, ha)
		if err != nil {
			return fmt.Errorf("udf %s result: %w", f.name, err)
		}
		if !arrow.TypeEqual(arr.DataType(), f.sig.Output) {
			got := types.DisplayName(arr.DataType())
			arr.Release()
			return fault.ForeignCall(f.name, -1, fmt.Errorf("returned %s array, declared %s",
				got, types.DisplayName(f.sig.Output)))
		}
		if arr.Len() != numRows {
			n := arr.Len()
			arr.Release()
			return fault.Length(fmt.Sprintf("%s result rows", f.name), numRows, n)
		}
		out = arr
		return nil
	})
	return out, err
}
