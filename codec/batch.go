package codec

import (
	"fmt"

	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// BatchCodec encodes and decodes record batches column by column.
type BatchCodec struct {
	arrays *ArrayCodec
}

// NewBatchCodec returns a batch codec built on arrays.
func NewBatchCodec(arrays *ArrayCodec) *BatchCodec {
	return &BatchCodec{arrays: arrays}
}

// Arrays returns the underlying array codec.
func (c *BatchCodec) Arrays() *ArrayCodec { return c.arrays }

// Encode wraps a native record as a host record batch, one zero-copy column
// per field in schema order.
func (c *BatchCodec) Encode(s *host.Session, rec arrow.Record) (*host.RecordBatch, error) {
	schema := &host.Schema{Fields: make([]host.Field, rec.NumCols())}
	cols := make([]*host.Array, 0, rec.NumCols())
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	for i, f := range rec.Schema().Fields() {
		col, err := c.arrays.Encode(s, rec.Column(i))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		cols = append(cols, col)
		schema.Fields[i] = host.Field{Name: f.Name, Type: col.Type(), Nullable: f.Nullable}
	}
	return s.NewRecordBatch(schema, cols)
}

// EncodeAll encodes every record. On error the batches encoded so far are
// released.
func (c *BatchCodec) EncodeAll(s *host.Session, recs []arrow.Record) ([]*host.RecordBatch, error) {
	out := make([]*host.RecordBatch, 0, len(recs))
	for i, rec := range recs {
		hb, err := c.Encode(s, rec)
		if err != nil {
			for _, b := range out {
				b.Release()
			}
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		out = append(out, hb)
	}
	return out, nil
}

// Schema maps a host schema to a native one.
func (c *BatchCodec) Schema(hs *host.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(hs.Fields))
	for i, f := range hs.Fields {
		dt, err := c.arrays.mapper.FromForeign(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// Decode builds a native record from a host record batch. Every column must
// match its field's type and all columns must have the same length.
func (c *BatchCodec) Decode(s *host.Session, hb *host.RecordBatch) (arrow.Record, error) {
	hs := hb.Schema()
	if hb.NumColumns() != len(hs.Fields) {
		return nil, fmt.Errorf("%w: schema has %d fields, batch has %d columns",
			fault.ErrSchemaMismatch, len(hs.Fields), hb.NumColumns())
	}
	schema, err := c.Schema(hs)
	if err != nil {
		return nil, err
	}

	rows := hb.NumRows()
	for i, f := range hs.Fields {
		col := hb.Column(i)
		if !col.Type().Equal(f.Type) {
			return nil, fmt.Errorf("%w: field %q declared %s, column is %s",
				fault.ErrSchemaMismatch, f.Name, f.Type, col.Type())
		}
		if col.Len() != rows {
			return nil, fault.Length(fmt.Sprintf("column %q rows", f.Name), rows, col.Len())
		}
		if !f.Nullable && col.NullCount() > 0 {
			return nil, fmt.Errorf("%w: non-nullable field %q has %d nulls",
				fault.ErrSchemaMismatch, f.Name, col.NullCount())
		}
	}

	cols := make([]arrow.Array, 0, len(hs.Fields))
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()
	for i, f := range hs.Fields {
		arr, err := c.arrays.Decode(s, hb.Column(i))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		cols = append(cols, arr)
	}
	return array.NewRecord(schema, cols, int64(rows)), nil
}

// DecodeAll decodes batches that must all share one schema.
func (c *BatchCodec) DecodeAll(s *host.Session, batches []*host.RecordBatch) ([]arrow.Record, error) {
	out := make([]arrow.Record, 0, len(batches))
	fail := func(err error) ([]arrow.Record, error) {
		for _, r := range out {
			r.Release()
		}
		return nil, err
	}
	for i, hb := range batches {
		rec, err := c.Decode(s, hb)
		if err != nil {
			return fail(fmt.Errorf("batch %d: %w", i, err))
		}
		if len(out) > 0 && !out[0].Schema().Equal(rec.Schema()) {
			rec.Release()
			return fail(fmt.Errorf("%w: batch %d schema differs from batch 0", fault.ErrSchemaMismatch, i))
		}
		out = append(out, rec)
	}
	return out, nil
}
