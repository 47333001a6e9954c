package engine

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Plan is a projection over one registered table.
type Plan struct {
	// Table names the input table.
	Table string
	// Projections are the output columns. Empty selects every column.
	Projections []Expr
	// Limit caps the number of output rows; zero means no limit.
	Limit int64
}

// Scan returns a plan selecting every column of table.
func Scan(table string) *Plan { return &Plan{Table: table} }

// Select replaces the projections.
func (p *Plan) Select(exprs ...Expr) *Plan {
	p.Projections = exprs
	return p
}

// WithLimit caps the output at n rows.
func (p *Plan) WithLimit(n int64) *Plan {
	p.Limit = n
	return p
}

func (p *Plan) String() string {
	cols := "*"
	if len(p.Projections) > 0 {
		parts := make([]string, len(p.Projections))
		for i, e := range p.Projections {
			parts[i] = e.String()
		}
		cols = strings.Join(parts, ", ")
	}
	s := fmt.Sprintf("SELECT %s FROM %s", cols, p.Table)
	if p.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", p.Limit)
	}
	return s
}

// physical is a plan bound to a table snapshot.
type physical struct {
	schema  *arrow.Schema
	exprs   []bound
	records []arrow.Record
}

// bindPlan resolves p against table. The returned records are retained
// slices of the table's batches, already cut to the limit.
func bindPlan(p *Plan, t *Table, cat *Catalog) (*physical, error) {
	if p.Limit < 0 {
		return nil, fmt.Errorf("engine: negative limit %d", p.Limit)
	}
	exprs := make([]bound, 0, len(p.Projections))
	if len(p.Projections) == 0 {
		for i, f := range t.Schema.Fields() {
			exprs = append(exprs, boundColumn{idx: i, f: f})
		}
	}
	for _, e := range p.Projections {
		b, err := e.bind(t.Schema, cat)
		if err != nil {
			return nil, fmt.Errorf("engine: %s: %w", e, err)
		}
		exprs = append(exprs, b)
	}

	fields := make([]arrow.Field, len(exprs))
	for i, b := range exprs {
		fields[i] = b.field()
	}

	phys := &physical{schema: arrow.NewSchema(fields, nil), exprs: exprs}
	remaining := p.Limit
	for _, rec := range t.Records {
		if p.Limit > 0 && remaining == 0 {
			break
		}
		n := rec.NumRows()
		if p.Limit > 0 && n > remaining {
			n = remaining
		}
		if p.Limit > 0 {
			remaining -= n
		}
		phys.records = append(phys.records, rec.NewSlice(0, n))
	}
	return phys, nil
}

func (p *physical) release() {
	for _, rec := range p.records {
		rec.Release()
	}
	p.records = nil
}
