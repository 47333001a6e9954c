// Package fault defines the recoverable error taxonomy shared by the bridge
// packages. Every error produced while mapping types, moving buffers,
// decoding arrays or invoking host callables matches exactly one of the
// sentinels below through errors.Is.
//
// Ownership violations (double release, use after release, touching foreign
// state without holding the access guard) are not part of this taxonomy.
// They panic where they are detected.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedType is returned for a type outside the supported set.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrNullBufferMissing is returned when a required buffer pointer is absent.
	ErrNullBufferMissing = errors.New("required buffer missing")

	// ErrLengthMismatch is returned when a buffer or column length is
	// incompatible with the declared array length.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrSchemaMismatch is returned for structural mismatches found while decoding.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrBufferAlignment is returned when an operation needs an alignment the
	// source buffer cannot guarantee and copying is not allowed.
	ErrBufferAlignment = errors.New("buffer alignment")

	// ErrForeignCall is returned when a host callable raised or returned an
	// incompatible value.
	ErrForeignCall = errors.New("foreign call failure")

	// ErrTypeMismatch is returned when an argument's type differs from the
	// declared signature of the function it is passed to.
	ErrTypeMismatch = errors.New("type mismatch")
)

// UnsupportedTypeError names the offending type.
type UnsupportedTypeError struct {
	Type string
}

// UnsupportedType builds an UnsupportedTypeError for the named type.
func UnsupportedType(name string) error {
	return &UnsupportedTypeError{Type: name}
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type: %s", e.Type)
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

// LengthError reports a declared length against what was found.
type LengthError struct {
	What     string
	Expected int
	Actual   int
}

// Length builds a LengthError.
func Length(what string, expected, actual int) error {
	return &LengthError{What: what, Expected: expected, Actual: actual}
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("length mismatch: %s: expected %d, got %d", e.What, e.Expected, e.Actual)
}

func (e *LengthError) Is(target error) bool { return target == ErrLengthMismatch }

// AlignmentError reports a buffer address that is not aligned to Required bytes.
type AlignmentError struct {
	Address  uintptr
	Required int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("buffer alignment: address %#x is not aligned to %d bytes", e.Address, e.Required)
}

func (e *AlignmentError) Is(target error) bool { return target == ErrBufferAlignment }

// ForeignCallError reports a failed host invocation. Row is -1 for calls that
// are not tied to a single row.
type ForeignCallError struct {
	Function string
	Row      int
	Message  string
	Err      error
}

// ForeignCall builds a ForeignCallError.
func ForeignCall(function string, row int, err error) error {
	msg := "call failed"
	if err != nil {
		msg = err.Error()
	}
	return &ForeignCallError{Function: function, Row: row, Message: msg, Err: err}
}

func (e *ForeignCallError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("foreign call failure: %s (row %d): %s", e.Function, e.Row, e.Message)
	}
	return fmt.Sprintf("foreign call failure: %s: %s", e.Function, e.Message)
}

func (e *ForeignCallError) Is(target error) bool { return target == ErrForeignCall }

func (e *ForeignCallError) Unwrap() error { return e.Err }

// TypeMismatchError reports an argument whose type differs from the signature.
type TypeMismatchError struct {
	Function string
	Arg      int
	Want     string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: %s argument %d: declared %s, got %s", e.Function, e.Arg, e.Want, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnsupportedType, "UnsupportedType"},
	{ErrNullBufferMissing, "NullBufferMissing"},
	{ErrLengthMismatch, "LengthMismatch"},
	{ErrSchemaMismatch, "SchemaMismatch"},
	{ErrBufferAlignment, "BufferAlignmentError"},
	{ErrForeignCall, "ForeignCallFailure"},
	{ErrTypeMismatch, "TypeMismatch"},
}

// Kind returns the taxonomy name of err, or "Error" when err matches none of
// the sentinels.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Error"
}
