package host

import (
	"fmt"
	"math"
)

// Value is a host scalar or object. Scalars are bool, int64, uint64,
// float64, string and []byte; temporal values are int64 ticks. Objects are
// *Array and *RecordBatch. None is the missing-value sentinel.
type Value = any

// NoneType is the type of None.
type NoneType struct{}

func (NoneType) String() string { return "None" }

// None is the host's missing value.
var None Value = NoneType{}

// IsNone reports whether v is the missing sentinel. A nil interface counts as
// None.
func IsNone(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(NoneType)
	return ok
}

// TypeName returns the host-visible type name of v.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, NoneType:
		return "NoneType"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case string:
		return "str"
	case []byte:
		return "bytes"
	case *Array:
		return "Array"
	case *RecordBatch:
		return "RecordBatch"
	}
	return fmt.Sprintf("%T", v)
}

// AsInt64 converts an integral host value to int64. Booleans and floats are
// rejected.
func AsInt64(v Value) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

// AsUint64 converts a non-negative integral host value to uint64.
func AsUint64(v Value) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	i, ok := AsInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

// AsFloat64 converts a numeric host value to float64. Integers are accepted.
func AsFloat64(v Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := AsInt64(v); ok {
		return float64(i), true
	}
	if u, ok := AsUint64(v); ok {
		return float64(u), true
	}
	return 0, false
}

// Exception is an error raised inside, or surfaced to, the host runtime.
type Exception struct {
	Kind    string
	Message string
	Err     error
}

// NewException wraps err as a host exception of the given kind.
func NewException(kind string, err error) *Exception {
	return &Exception{Kind: kind, Message: err.Error(), Err: err}
}

func (e *Exception) Error() string { return e.Kind + ": " + e.Message }

func (e *Exception) Unwrap() error { return e.Err }
