package engine

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Result is one output batch of a stream, or the error that batch hit.
type Result struct {
	Index  int
	Record arrow.Record
	Err    error
}

// Stream delivers the output batches of a plan in input order.
type Stream struct {
	schema  *arrow.Schema
	batches int
	results chan Result
}

// Schema returns the output schema.
func (s *Stream) Schema() *arrow.Schema { return s.schema }

// NumBatches returns the number of batches the stream will produce.
func (s *Stream) NumBatches() int { return s.batches }

// Results returns the channel of output batches. It is closed after the last
// batch. The receiver owns each delivered record.
func (s *Stream) Results() <-chan Result { return s.results }

// Stream starts executing p. Batches are evaluated concurrently on the worker
// pool and delivered in order. The consumer must drain Results or cancel
// ctx; batches that are not delivered are released.
func (e *Engine) Stream(ctx context.Context, p *Plan) (*Stream, error) {
	phys, err := e.prepare(p)
	if err != nil {
		return nil, err
	}

	s := &Stream{schema: phys.schema, batches: len(phys.records), results: make(chan Result)}
	slots := make([]chan Result, len(phys.records))
	for i := range slots {
		slots[i] = make(chan Result, 1)
	}

	go func() {
		for i, rec := range phys.records {
			err := e.pool.Submit(func() { slots[i] <- e.evalBatch(ctx, phys, i, rec) })
			if err != nil {
				slots[i] <- Result{Index: i, Err: fmt.Errorf("engine: batch %d: %w", i, err)}
			}
		}
	}()

	go func() {
		defer close(s.results)
		// every slot is read, so no task still uses the inputs
		defer phys.release()

		canceled := false
		for _, slot := range slots {
			res := <-slot
			if !canceled {
				select {
				case s.results <- res:
					continue
				case <-ctx.Done():
					canceled = true
				}
			}
			if res.Record != nil {
				res.Record.Release()
			}
		}
	}()
	return s, nil
}

func (e *Engine) evalBatch(ctx context.Context, phys *physical, i int, rec arrow.Record) (res Result) {
	res.Index = i
	defer func() {
		if r := recover(); r != nil {
			res = Result{Index: i, Err: fmt.Errorf("engine: batch %d: panic: %v", i, r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	cols := make([]arrow.Array, 0, len(phys.exprs))
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()
	for _, b := range phys.exprs {
		arr, err := b.eval(ctx, rec, e.mem)
		if err != nil {
			res.Err = fmt.Errorf("engine: batch %d: %w", i, err)
			return res
		}
		cols = append(cols, arr)
	}
	res.Record = array.NewRecord(phys.schema, cols, rec.NumRows())
	batchesTotal.Inc()
	return res
}
