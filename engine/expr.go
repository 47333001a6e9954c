package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/TFMV/ferry/fault"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"
)

// Expr is an unbound projection expression.
type Expr interface {
	fmt.Stringer
	bind(schema *arrow.Schema, cat *Catalog) (bound, error)
}

// bound is an expression resolved against a table schema.
type bound interface {
	field() arrow.Field
	eval(ctx context.Context, rec arrow.Record, mem memory.Allocator) (arrow.Array, error)
}

// ---------------------------------------------------------------------
// Column references
// ---------------------------------------------------------------------

type column struct{ name string }

// Col references the column called name.
func Col(name string) Expr { return column{name: name} }

func (c column) String() string { return c.name }

func (c column) bind(schema *arrow.Schema, _ *Catalog) (bound, error) {
	idx := schema.FieldIndices(c.name)
	switch len(idx) {
	case 0:
		return nil, fmt.Errorf("%w: no column %q", fault.ErrSchemaMismatch, c.name)
	case 1:
		return boundColumn{idx: idx[0], f: schema.Field(idx[0])}, nil
	}
	return nil, fmt.Errorf("%w: column %q is ambiguous", fault.ErrSchemaMismatch, c.name)
}

type boundColumn struct {
	idx int
	f   arrow.Field
}

func (c boundColumn) field() arrow.Field { return c.f }

func (c boundColumn) eval(_ context.Context, rec arrow.Record, _ memory.Allocator) (arrow.Array, error) {
	col := rec.Column(c.idx)
	col.Retain()
	return col, nil
}

// ---------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------

type literal struct {
	value any
	typ   arrow.DataType
}

// Lit is a constant broadcast to every row. The type follows the Go value:
// int is int64, float64 is float64, string is utf8.
func Lit(v any) Expr { return literal{value: v} }

// TypedLit is a constant of an explicit type.
func TypedLit(v any, dt arrow.DataType) Expr { return literal{value: v, typ: dt} }

func (l literal) String() string { return fmt.Sprintf("lit(%v)", l.value) }

func (l literal) bind(*arrow.Schema, *Catalog) (bound, error) {
	if l.value == nil {
		return nil, fmt.Errorf("engine: %s: untyped null literal", l)
	}
	sc, err := makeScalar(l.value)
	if err != nil {
		return nil, err
	}
	if l.typ != nil && !arrow.TypeEqual(sc.DataType(), l.typ) {
		cast, err := sc.CastTo(l.typ)
		if err != nil {
			return nil, fmt.Errorf("engine: %s as %s: %w", l, l.typ, err)
		}
		sc = cast
	}
	return boundLiteral{sc: sc, name: l.String()}, nil
}

// makeScalar converts a Go value, reporting values the scalar package has no
// type for instead of panicking.
func makeScalar(v any) (sc scalar.Scalar, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.UnsupportedType(fmt.Sprintf("%T", v))
		}
	}()
	sc = scalar.MakeScalar(v)
	if sc == nil {
		return nil, fault.UnsupportedType(fmt.Sprintf("%T", v))
	}
	return sc, nil
}

type boundLiteral struct {
	sc   scalar.Scalar
	name string
}

func (l boundLiteral) field() arrow.Field {
	return arrow.Field{Name: l.name, Type: l.sc.DataType()}
}

func (l boundLiteral) eval(_ context.Context, rec arrow.Record, mem memory.Allocator) (arrow.Array, error) {
	return scalar.MakeArrayFromScalar(l.sc, int(rec.NumRows()), mem)
}

// ---------------------------------------------------------------------
// Function calls
// ---------------------------------------------------------------------

type call struct {
	name string
	args []Expr
}

// Call applies the registered scalar function name to args.
func Call(name string, args ...Expr) Expr { return call{name: name, args: args} }

func (c call) String() string {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.name, strings.Join(args, ", "))
}

// bind resolves the function and checks the call site against its signature.
func (c call) bind(schema *arrow.Schema, cat *Catalog) (bound, error) {
	fn, ok := cat.Lookup(c.name)
	if !ok {
		return nil, fmt.Errorf("engine: unknown function %q", c.name)
	}
	sig := fn.Signature()
	if len(c.args) != len(sig.Inputs) {
		return nil, &fault.TypeMismatchError{
			Function: fn.Name(),
			Arg:      len(c.args),
			Want:     fmt.Sprintf("%d arguments", len(sig.Inputs)),
			Got:      fmt.Sprintf("%d arguments", len(c.args)),
		}
	}

	args := make([]bound, len(c.args))
	for i, a := range c.args {
		b, err := a.bind(schema, cat)
		if err != nil {
			return nil, err
		}
		if got := b.field().Type; !arrow.TypeEqual(got, sig.Inputs[i]) {
			return nil, &fault.TypeMismatchError{
				Function: fn.Name(),
				Arg:      i,
				Want:     sig.Inputs[i].String(),
				Got:      got.String(),
			}
		}
		args[i] = b
	}
	return boundCall{fn: fn, args: args, name: c.String()}, nil
}

type boundCall struct {
	fn   ScalarFunction
	args []bound
	name string
}

func (c boundCall) field() arrow.Field {
	return arrow.Field{Name: c.name, Type: c.fn.Signature().Output, Nullable: true}
}

func (c boundCall) eval(ctx context.Context, rec arrow.Record, mem memory.Allocator) (arrow.Array, error) {
	args := make([]arrow.Array, 0, len(c.args))
	defer func() {
		for _, a := range args {
			a.Release()
		}
	}()
	for _, b := range c.args {
		arr, err := b.eval(ctx, rec, mem)
		if err != nil {
			return nil, err
		}
		args = append(args, arr)
	}

	rows := int(rec.NumRows())
	out, err := c.fn.Invoke(ctx, args, rows)
	if err != nil {
		return nil, err
	}
	want := c.fn.Signature().Output
	if !arrow.TypeEqual(out.DataType(), want) {
		got := out.DataType()
		out.Release()
		return nil, fmt.Errorf("%w: %s returned %s, declared %s", fault.ErrSchemaMismatch, c.name, got, want)
	}
	if out.Len() != rows {
		n := out.Len()
		out.Release()
		return nil, fault.Length(c.name+" result rows", rows, n)
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Aliases
// ---------------------------------------------------------------------

type alias struct {
	expr Expr
	name string
}

// As renames the output column of e.
func As(e Expr, name string) Expr { return alias{expr: e, name: name} }

func (a alias) String() string { return fmt.Sprintf("%s AS %s", a.expr, a.name) }

func (a alias) bind(schema *arrow.Schema, cat *Catalog) (bound, error) {
	b, err := a.expr.bind(schema, cat)
	if err != nil {
		return nil, err
	}
	return boundAlias{bound: b, name: a.name}, nil
}

type boundAlias struct {
	bound
	name string
}

func (a boundAlias) field() arrow.Field {
	f := a.bound.field()
	f.Name = a.name
	return f
}
