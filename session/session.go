// Package session is the host-facing execution context: it registers host
// record batches as tables and host callables as functions, runs plans on
// the engine and hands every result batch back to the host.
//
// Errors returned to the host are *host.Exception values whose Kind is the
// fault taxonomy name; they unwrap to the underlying error.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/TFMV/ferry/bridge"
	"github.com/TFMV/ferry/codec"
	"github.com/TFMV/ferry/config"
	"github.com/TFMV/ferry/engine"
	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/TFMV/ferry/types"
	"github.com/TFMV/ferry/udf"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger shared by the context and its components.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// WithAllocator sets the native allocator.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *Context) { c.mem = mem }
}

// Context binds one host runtime to one engine.
type Context struct {
	rt      *host.Runtime
	cfg     *config.Config
	mem     memory.Allocator
	logger  *zap.Logger
	bridge  *bridge.Bridge
	batches *codec.BatchCodec
	engine  *engine.Engine
}

// NewContext builds a context over rt. A nil cfg uses config.Default.
func NewContext(rt *host.Runtime, cfg *config.Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Context{
		rt:     rt,
		cfg:    cfg,
		mem:    memory.DefaultAllocator,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	mode, err := cfg.ImportMode()
	if err != nil {
		return nil, err
	}
	var ledger *bridge.Ledger
	if cfg.Bridge.TrackTransfers {
		ledger = bridge.NewLedger()
	}
	c.bridge = bridge.New(c.mem,
		bridge.WithLogger(c.logger.Named("bridge")),
		bridge.WithStrictAlignment(cfg.Bridge.StrictAlignment),
		bridge.WithLedger(ledger),
	)
	arrays := codec.NewArrayCodec(c.bridge,
		codec.WithImportMode(mode),
		codec.WithLogger(c.logger.Named("codec")),
	)
	c.batches = codec.NewBatchCodec(arrays)

	c.engine, err = engine.New(
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithAllocator(c.mem),
		engine.WithLogger(c.logger.Named("engine")),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Runtime returns the host runtime.
func (c *Context) Runtime() *host.Runtime { return c.rt }

// Engine returns the underlying engine.
func (c *Context) Engine() *engine.Engine { return c.engine }

// Bridge returns the buffer bridge.
func (c *Context) Bridge() *bridge.Bridge { return c.bridge }

// ---------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------

// RegisterRecordBatches decodes host batches into a table called name. The
// batches must share one schema. s is the caller's held session.
func (c *Context) RegisterRecordBatches(s *host.Session, name string, batches []*host.RecordBatch) error {
	if len(batches) == 0 {
		return translate(fmt.Errorf("%w: table %q has no batches", fault.ErrSchemaMismatch, name))
	}
	recs, err := c.batches.DecodeAll(s, batches)
	if err != nil {
		return translate(fmt.Errorf("table %q: %w", name, err))
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	return translate(c.engine.RegisterTable(name, recs[0].Schema(), recs))
}

// RegisterRecords registers native records as a table.
func (c *Context) RegisterRecords(name string, recs []arrow.Record) error {
	if len(recs) == 0 {
		return translate(fmt.Errorf("%w: table %q has no batches", fault.ErrSchemaMismatch, name))
	}
	return translate(c.engine.RegisterTable(name, recs[0].Schema(), recs))
}

// DeregisterTable drops a table.
func (c *Context) DeregisterTable(name string) error {
	return translate(c.engine.DeregisterTable(name))
}

// Tables returns the registered table names.
func (c *Context) Tables() []string { return c.engine.Tables() }

// ---------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------

// RegisterUDF registers fn as a row-wise scalar function. Types are given by
// name, e.g. "int32" or "timestamp[ms]".
func (c *Context) RegisterUDF(name string, fn host.Callable, inputs []string, output string) error {
	return c.register(name, udf.RowWise, fn, inputs, output)
}

// RegisterArrayUDF registers fn as a vectorized scalar function called once
// per batch with host arrays.
func (c *Context) RegisterArrayUDF(name string, fn host.Callable, inputs []string, output string) error {
	return c.register(name, udf.Vectorized, fn, inputs, output)
}

func (c *Context) register(name string, mode udf.Mode, fn host.Callable, inputs []string, output string) error {
	sig := engine.Signature{Inputs: make([]arrow.DataType, len(inputs))}
	for i, in := range inputs {
		dt, err := types.Lookup(in)
		if err != nil {
			return translate(fmt.Errorf("udf %s argument %d: %w", name, i, err))
		}
		sig.Inputs[i] = dt
	}
	out, err := types.Lookup(output)
	if err != nil {
		return translate(fmt.Errorf("udf %s result: %w", name, err))
	}
	sig.Output = out

	opts := []udf.Option{udf.WithLogger(c.logger.Named("udf"))}
	if bc := c.cfg.UDF.Breaker; bc.Enabled {
		opts = append(opts, udf.WithBreaker(udf.BreakerSettings{
			MaxFailures: bc.MaxFailures,
			OpenTimeout: bc.OpenTimeout,
		}))
	}
	f, err := udf.New(c.rt, c.batches.Arrays(), name, mode, fn, sig, opts...)
	if err != nil {
		return translate(err)
	}
	c.engine.RegisterFunction(f)
	return nil
}

// Functions returns the registered function names.
func (c *Context) Functions() []string { return c.engine.Functions() }

// ---------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------

// Collect runs plan to completion and returns every result batch as a host
// record batch sharing the engine's buffers. The caller must not hold the
// host guard: functions evaluated by the plan acquire it on worker
// goroutines, and so does result materialization. A ctx carrying a held
// session fails with host.ErrGuardHeld. The caller releases the returned
// batches.
func (c *Context) Collect(ctx context.Context, plan *engine.Plan) ([]*host.RecordBatch, error) {
	if _, held := c.rt.HeldBy(ctx); held {
		return nil, translate(fmt.Errorf("collect %s: %w", plan, host.ErrGuardHeld))
	}
	start := time.Now()
	log := c.logger.With(zap.String("query", uuid.NewString()))
	log.Debug("collect", zap.String("plan", plan.String()))

	recs, err := c.engine.Execute(ctx, plan)
	if err != nil {
		log.Error("query failed", zap.Error(err))
		return nil, translate(err)
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	var out []*host.RecordBatch
	err = c.rt.Do(func(s *host.Session) error {
		var err error
		out, err = c.batches.EncodeAll(s, recs)
		return err
	})
	if err != nil {
		log.Error("materializing results failed", zap.Error(err))
		return nil, translate(err)
	}
	log.Debug("collected",
		zap.Int("batches", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// Close releases every table and stops the engine.
func (c *Context) Close() {
	c.engine.Close()
}

// translate turns err into the exception the host sees.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if ex, ok := err.(*host.Exception); ok {
		return ex
	}
	return host.NewException(fault.Kind(err), err)
}
