// Package engine is a small columnar execution engine over Arrow records:
// a table registry, a scalar function catalog and projection plans executed
// in parallel, one task per record batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/TFMV/ferry/fault"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	queryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "ferry_engine_query_latency_seconds",
		Help: "Plan execution latency distribution",
	})
	batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ferry_engine_batches_total",
		Help: "Record batches produced by plan execution",
	})
)

func init() {
	prometheus.MustRegister(queryLatency, batchesTotal)
}

// ErrClosed is returned by an engine after Close.
var ErrClosed = errors.New("engine: closed")

// Table is a named, immutable set of record batches sharing one schema.
type Table struct {
	Name    string
	Schema  *arrow.Schema
	Records []arrow.Record
}

// NumRows returns the total row count.
func (t *Table) NumRows() int64 {
	var n int64
	for _, rec := range t.Records {
		n += rec.NumRows()
	}
	return n
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of batches evaluated at once. Zero or less
// uses one worker per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithAllocator sets the allocator for computed columns.
func WithAllocator(mem memory.Allocator) Option {
	return func(e *Engine) { e.mem = mem }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCatalog shares a function catalog between engines.
func WithCatalog(c *Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// Engine executes plans over registered tables.
type Engine struct {
	mu     sync.RWMutex
	tables map[string]*Table
	closed bool

	catalog *Catalog
	pool    *ants.Pool
	workers int
	mem     memory.Allocator
	logger  *zap.Logger
}

// New creates an engine with its worker pool.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		tables: make(map[string]*Table),
		mem:    memory.DefaultAllocator,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = NewCatalog()
	}
	if e.workers <= 0 {
		e.workers = runtime.NumCPU()
	}

	pool, err := ants.NewPool(e.workers, ants.WithPanicHandler(func(v any) {
		e.logger.Error("engine worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("engine: worker pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Catalog returns the function catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Allocator returns the allocator used for computed columns.
func (e *Engine) Allocator() memory.Allocator { return e.mem }

// RegisterFunction adds fn to the catalog.
func (e *Engine) RegisterFunction(fn ScalarFunction) {
	e.catalog.Register(fn)
	e.logger.Info("registered function",
		zap.String("function", fn.Name()),
		zap.String("signature", fn.Signature().String()),
	)
}

// Functions returns the registered function names.
func (e *Engine) Functions() []string { return e.catalog.Names() }

// RegisterTable stores recs under name. Every record must have schema; the
// engine retains them until the table is deregistered or the engine closed.
// An existing table with the same name is replaced.
func (e *Engine) RegisterTable(name string, schema *arrow.Schema, recs []arrow.Record) error {
	if name == "" {
		return errors.New("engine: table name is empty")
	}
	for i, rec := range recs {
		if !rec.Schema().Equal(schema) {
			return fmt.Errorf("%w: table %q batch %d has schema %s, want %s",
				fault.ErrSchemaMismatch, name, i, rec.Schema(), schema)
		}
	}

	t := &Table{Name: name, Schema: schema, Records: make([]arrow.Record, len(recs))}
	for i, rec := range recs {
		rec.Retain()
		t.Records[i] = rec
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		releaseRecords(t.Records)
		return ErrClosed
	}
	old := e.tables[name]
	e.tables[name] = t
	e.mu.Unlock()

	if old != nil {
		releaseRecords(old.Records)
	}
	e.logger.Info("registered table",
		zap.String("table", name),
		zap.Int("batches", len(recs)),
		zap.Int64("rows", t.NumRows()),
	)
	return nil
}

// DeregisterTable drops the named table and releases its records.
func (e *Engine) DeregisterTable(name string) error {
	e.mu.Lock()
	t, ok := e.tables[name]
	delete(e.tables, name)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no table %q", name)
	}
	releaseRecords(t.Records)
	return nil
}

// Table returns the schema of the named table.
func (e *Engine) Table(name string) (*arrow.Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, false
	}
	return t.Schema, true
}

// Tables returns the registered table names, sorted.
func (e *Engine) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tables))
	for name := range e.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// prepare binds p against a snapshot of its table.
func (e *Engine) prepare(p *Plan) (*physical, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	t, ok := e.tables[p.Table]
	if !ok {
		return nil, fmt.Errorf("engine: no table %q", p.Table)
	}
	return bindPlan(p, t, e.catalog)
}

// Execute runs p to completion and returns its output batches in input
// order. The caller releases the records.
func (e *Engine) Execute(ctx context.Context, p *Plan) ([]arrow.Record, error) {
	start := time.Now()
	defer func() { queryLatency.Observe(time.Since(start).Seconds()) }()

	stream, err := e.Stream(ctx, p)
	if err != nil {
		return nil, err
	}
	var (
		out      []arrow.Record
		firstErr error
	)
	for res := range stream.Results() {
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
		if firstErr != nil {
			if res.Record != nil {
				res.Record.Release()
			}
			continue
		}
		out = append(out, res.Record)
	}
	if firstErr == nil && len(out) < stream.NumBatches() {
		// batches are only dropped once ctx is done
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		releaseRecords(out)
		return nil, firstErr
	}
	e.logger.Debug("executed plan",
		zap.String("plan", p.String()),
		zap.Int("batches", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// Close releases every table and stops the worker pool.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tables := e.tables
	e.tables = make(map[string]*Table)
	e.mu.Unlock()

	for _, t := range tables {
		releaseRecords(t.Records)
	}
	e.pool.Release()
}

func releaseRecords(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}
