package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/TFMV/ferry/config"
	"github.com/TFMV/ferry/engine"
	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx     *Context
	rt      *host.Runtime
	mem     *memory.CheckedAllocator
	hostMem *memory.CheckedAllocator
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	f := &fixture{
		mem:     memory.NewCheckedAllocator(memory.NewGoAllocator()),
		hostMem: memory.NewCheckedAllocator(memory.NewGoAllocator()),
	}
	f.rt = host.NewRuntime(host.WithAllocator(f.hostMem))
	c, err := NewContext(f.rt, cfg, WithAllocator(f.mem))
	require.NoError(t, err)
	f.ctx = c
	t.Cleanup(func() {
		c.Close()
		f.mem.AssertSize(t, 0)
		f.hostMem.AssertSize(t, 0)
		assert.Equal(t, uint64(0), c.Bridge().Ledger().Live())
	})
	return f
}

// register stores nbatches host batches of two float64 columns under name.
// Column a counts from start, b is ten times a.
func (f *fixture) register(t *testing.T, name string, nbatches, rows int, start float64) {
	err := f.rt.Do(func(s *host.Session) error {
		batches := make([]*host.RecordBatch, 0, nbatches)
		defer func() {
			for _, hb := range batches {
				hb.Release()
			}
		}()
		next := start
		for i := 0; i < nbatches; i++ {
			av := make([]host.Value, rows)
			bv := make([]host.Value, rows)
			for r := range av {
				av[r], bv[r] = next, next*10
				next++
			}
			a, err := s.ArrayFromValues(host.Float64(), av)
			require.NoError(t, err)
			b, err := s.ArrayFromValues(host.Float64(), bv)
			require.NoError(t, err)
			hb, err := s.RecordBatchFromArrays([]*host.Array{a, b}, []string{"a", "b"})
			a.Release()
			b.Release()
			require.NoError(t, err)
			batches = append(batches, hb)
		}
		return f.ctx.RegisterRecordBatches(s, name, batches)
	})
	require.NoError(t, err)
}

// column reads column i of every batch.
func (f *fixture) column(batches []*host.RecordBatch, i int) []host.Value {
	var out []host.Value
	_ = f.rt.Do(func(s *host.Session) error {
		for _, hb := range batches {
			out = append(out, hb.Column(i).Values()...)
		}
		return nil
	})
	return out
}

func release(batches []*host.RecordBatch) {
	for _, hb := range batches {
		hb.Release()
	}
}

func addFloats(s *host.Session, args ...host.Value) (host.Value, error) {
	a, b := args[0].(*host.Array), args[1].(*host.Array)
	out := make([]host.Value, a.Len())
	for i := range out {
		if a.IsNull(i) || b.IsNull(i) {
			out[i] = host.None
			continue
		}
		out[i] = a.Value(i).(float64) + b.Value(i).(float64)
	}
	return s.ArrayFromValues(host.Float64(), out)
}

func TestVectorizedAddEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "t", 2, 3, 1)
	require.NoError(t, f.ctx.RegisterArrayUDF("add", addFloats, []string{"float64", "float64"}, "float64"))
	assert.Equal(t, []string{"add"}, f.ctx.Functions())

	out, err := f.ctx.Collect(context.Background(),
		engine.Scan("t").Select(engine.As(engine.Call("add", engine.Col("a"), engine.Col("b")), "sum")))
	require.NoError(t, err)
	defer release(out)

	// every batch comes back, not only the first
	require.Len(t, out, 2)
	assert.Equal(t, []host.Value{11.0, 22.0, 33.0, 44.0, 55.0, 66.0}, f.column(out, 0))
	assert.Equal(t, []string{"sum"}, out[0].Schema().Names())
}

func TestCollectRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "t", 3, 2, 0)
	assert.Equal(t, []string{"t"}, f.ctx.Tables())

	out, err := f.ctx.Collect(context.Background(), engine.Scan("t"))
	require.NoError(t, err)
	defer release(out)
	require.Len(t, out, 3)
	assert.Equal(t, []host.Value{0.0, 1.0, 2.0, 3.0, 4.0, 5.0}, f.column(out, 0))
	assert.Equal(t, []string{"a", "b"}, out[2].Schema().Names())

	require.NoError(t, f.ctx.DeregisterTable("t"))
	assert.Empty(t, f.ctx.Tables())
	// results stay valid after the table is gone
	assert.Equal(t, []host.Value{0.0, 10.0, 20.0, 30.0, 40.0, 50.0}, f.column(out, 1))
}

func TestRowWiseNullsEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	err := f.rt.Do(func(s *host.Session) error {
		a, err := s.ArrayFromValues(host.Int32(), []host.Value{1, 2, host.None, 4})
		require.NoError(t, err)
		defer a.Release()
		hb, err := s.RecordBatchFromArrays([]*host.Array{a}, []string{"x"})
		require.NoError(t, err)
		defer hb.Release()
		return f.ctx.RegisterRecordBatches(s, "t", []*host.RecordBatch{hb})
	})
	require.NoError(t, err)

	isNull := func(s *host.Session, args ...host.Value) (host.Value, error) {
		return host.IsNone(args[0]), nil
	}
	require.NoError(t, f.ctx.RegisterUDF("is_null", isNull, []string{"int32"}, "bool"))

	out, err := f.ctx.Collect(context.Background(),
		engine.Scan("t").Select(engine.Col("x"), engine.Call("is_null", engine.Col("x"))))
	require.NoError(t, err)
	defer release(out)
	assert.Equal(t, []host.Value{int64(1), int64(2), host.None, int64(4)}, f.column(out, 0))
	assert.Equal(t, []host.Value{false, false, true, false}, f.column(out, 1))
}

func TestErrorsBecomeExceptions(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "t", 1, 3, 0)
	noop := func(s *host.Session, args ...host.Value) (host.Value, error) { return args[0], nil }

	err := f.ctx.RegisterUDF("price", noop, []string{"float64"}, "decimal")
	var ex *host.Exception
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "UnsupportedType", ex.Kind)
	assert.Contains(t, ex.Message, "Decimal")
	assert.ErrorIs(t, err, fault.ErrUnsupportedType)

	require.NoError(t, f.ctx.RegisterUDF("twice", noop, []string{"int32"}, "int32"))
	_, err = f.ctx.Collect(context.Background(), engine.Scan("t").Select(engine.Call("twice", engine.Col("a"))))
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "TypeMismatch", ex.Kind)

	fails := func(s *host.Session, args ...host.Value) (host.Value, error) {
		if args[0].(float64) == 2 {
			return nil, &host.Exception{Kind: "ZeroDivisionError", Message: "division by zero"}
		}
		return args[0], nil
	}
	require.NoError(t, f.ctx.RegisterUDF("fails", fails, []string{"float64"}, "float64"))
	_, err = f.ctx.Collect(context.Background(), engine.Scan("t").Select(engine.Call("fails", engine.Col("a"))))
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "ForeignCallFailure", ex.Kind)
	assert.Contains(t, ex.Message, "row 2")
	assert.Contains(t, ex.Message, "division by zero")
	assert.False(t, f.rt.Held())

	err = f.rt.Do(func(s *host.Session) error {
		return f.ctx.RegisterRecordBatches(s, "empty", nil)
	})
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "SchemaMismatch", ex.Kind)
}

func TestCollectInsideFunctionFailsFast(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "t", 1, 3, 0)

	nested := func(s *host.Session, args ...host.Value) (host.Value, error) {
		batches, err := f.ctx.Collect(s.Context(context.Background()), engine.Scan("t"))
		for _, hb := range batches {
			hb.Release()
		}
		return nil, err
	}
	require.NoError(t, f.ctx.RegisterUDF("nested", nested, []string{"float64"}, "float64"))

	_, err := f.ctx.Collect(context.Background(), engine.Scan("t").Select(engine.Call("nested", engine.Col("a"))))
	var ex *host.Exception
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "ForeignCallFailure", ex.Kind)
	assert.ErrorIs(t, err, host.ErrGuardHeld)
	assert.False(t, f.rt.Held())
}

func TestBatchLengthMismatch(t *testing.T) {
	f := newFixture(t, nil)
	err := f.rt.Do(func(s *host.Session) error {
		a, err := s.ArrayFromValues(host.Int64(), []host.Value{1, 2, 3})
		require.NoError(t, err)
		defer a.Release()
		b, err := s.ArrayFromValues(host.Int64(), []host.Value{1, 2})
		require.NoError(t, err)
		defer b.Release()
		hb, err := s.RecordBatchFromArrays([]*host.Array{a, b}, []string{"a", "b"})
		require.NoError(t, err)
		defer hb.Release()
		return f.ctx.RegisterRecordBatches(s, "t", []*host.RecordBatch{hb})
	})
	var ex *host.Exception
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "LengthMismatch", ex.Kind)
	assert.ErrorIs(t, err, fault.ErrLengthMismatch)
}

func TestCopyMode(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.ImportMode = "copy"
	f := newFixture(t, cfg)
	f.register(t, "t", 1, 4, 0)

	out, err := f.ctx.Collect(context.Background(), engine.Scan("t").Select(engine.Col("b")).WithLimit(3))
	require.NoError(t, err)
	defer release(out)
	assert.Equal(t, []host.Value{0.0, 10.0, 20.0}, f.column(out, 0))
}

func TestBreakerFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.UDF.Breaker.Enabled = true
	cfg.UDF.Breaker.MaxFailures = 1
	f := newFixture(t, cfg)
	f.register(t, "t", 1, 1, 0)

	var calls atomic.Int32
	down := func(s *host.Session, args ...host.Value) (host.Value, error) {
		calls.Add(1)
		return nil, errors.New("down")
	}
	require.NoError(t, f.ctx.RegisterUDF("down", down, []string{"float64"}, "float64"))
	plan := engine.Scan("t").Select(engine.Call("down", engine.Col("a")))
	for i := 0; i < 3; i++ {
		_, err := f.ctx.Collect(context.Background(), plan)
		assert.ErrorIs(t, err, fault.ErrForeignCall)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentCollect(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Workers = 4
	f := newFixture(t, cfg)
	f.register(t, "left", 8, 16, 0)
	f.register(t, "right", 8, 16, 1000)

	var inside, overlaps atomic.Int32
	// mix reads both arguments of one row; an interleaved decode would pair
	// values from different rows
	mix := func(s *host.Session, args ...host.Value) (host.Value, error) {
		if inside.Add(1) != 1 {
			overlaps.Add(1)
		}
		defer inside.Add(-1)
		if !s.Runtime().Held() {
			return nil, errors.New("called without the guard")
		}
		a, b := args[0].(float64), args[1].(float64)
		if b != a*10 {
			return nil, fmt.Errorf("row mixed up: %v, %v", a, b)
		}
		return a + b, nil
	}
	require.NoError(t, f.ctx.RegisterUDF("mix", mix, []string{"float64", "float64"}, "float64"))
	require.NoError(t, f.ctx.RegisterArrayUDF("add", addFloats, []string{"float64", "float64"}, "float64"))

	run := func(table string, start float64) {
		plan := engine.Scan(table).Select(
			engine.Call("mix", engine.Col("a"), engine.Col("b")),
			engine.Call("add", engine.Col("a"), engine.Col("b")),
		)
		out, err := f.ctx.Collect(context.Background(), plan)
		if !assert.NoError(t, err) {
			return
		}
		defer release(out)
		assert.Len(t, out, 8)
		rowWise, vectorized := f.column(out, 0), f.column(out, 1)
		for i := range rowWise {
			want := (start + float64(i)) * 11
			assert.Equal(t, want, rowWise[i])
			assert.Equal(t, want, vectorized[i])
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); run("left", 0) }()
		go func() { defer wg.Done(); run("right", 1000) }()
	}
	wg.Wait()
	assert.Equal(t, int32(0), overlaps.Load())
	assert.False(t, f.rt.Held())
}
