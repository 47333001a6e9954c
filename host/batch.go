package host

import (
	"fmt"
	"strings"
)

// Field is a named, typed column slot.
type Field struct {
	Name     string
	Type     DataType
	Nullable bool
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

func (s *Schema) String() string {
	var b strings.Builder
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", f.Name, f.Type)
		if !f.Nullable {
			b.WriteString(" not null")
		}
	}
	return b.String()
}

// RecordBatch is a host record batch: a schema and one array per field. The
// host does not check that the columns agree in length; consumers do.
type RecordBatch struct {
	schema  *Schema
	columns []*Array
}

// NewRecordBatch assembles a batch, retaining every column.
func (s *Session) NewRecordBatch(schema *Schema, columns []*Array) (*RecordBatch, error) {
	s.check()
	if len(schema.Fields) != len(columns) {
		return nil, fmt.Errorf("host: schema has %d fields, got %d columns", len(schema.Fields), len(columns))
	}
	for _, c := range columns {
		c.Retain()
	}
	return &RecordBatch{schema: schema, columns: append([]*Array(nil), columns...)}, nil
}

// RecordBatchFromArrays builds a batch whose schema is derived from the
// arrays' types and the given names. Every field is nullable.
func (s *Session) RecordBatchFromArrays(columns []*Array, names []string) (*RecordBatch, error) {
	if len(columns) != len(names) {
		return nil, fmt.Errorf("host: %d columns but %d names", len(columns), len(names))
	}
	schema := &Schema{Fields: make([]Field, len(columns))}
	for i, c := range columns {
		schema.Fields[i] = Field{Name: names[i], Type: c.Type(), Nullable: true}
	}
	return s.NewRecordBatch(schema, columns)
}

// Schema returns the batch schema.
func (b *RecordBatch) Schema() *Schema { return b.schema }

// NumColumns returns the number of columns.
func (b *RecordBatch) NumColumns() int { return len(b.columns) }

// Column returns column i without retaining it.
func (b *RecordBatch) Column(i int) *Array { return b.columns[i] }

// NumRows returns the length of the first column, or 0 for a batch without
// columns.
func (b *RecordBatch) NumRows() int {
	if len(b.columns) == 0 {
		return 0
	}
	return b.columns[0].Len()
}

// Release drops the batch's reference to each column.
func (b *RecordBatch) Release() {
	for _, c := range b.columns {
		c.Release()
	}
	b.columns = nil
}
