package udf

import (
	"math"
	"strings"

	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// getter reads element i of a non-null slot as a host value. Strings and
// byte slices are copied so the value may outlive the array.
type getter func(arr arrow.Array, i int) host.Value

// putter appends v to b, reporting false when v does not fit the builder's
// type.
type putter func(b array.Builder, v host.Value) bool

var getters = map[arrow.Type]getter{
	arrow.BOOL:   func(a arrow.Array, i int) host.Value { return a.(*array.Boolean).Value(i) },
	arrow.INT8:   func(a arrow.Array, i int) host.Value { return int64(a.(*array.Int8).Value(i)) },
	arrow.INT16:  func(a arrow.Array, i int) host.Value { return int64(a.(*array.Int16).Value(i)) },
	arrow.INT32:  func(a arrow.Array, i int) host.Value { return int64(a.(*array.Int32).Value(i)) },
	arrow.INT64:  func(a arrow.Array, i int) host.Value { return a.(*array.Int64).Value(i) },
	arrow.UINT8:  func(a arrow.Array, i int) host.Value { return uint64(a.(*array.Uint8).Value(i)) },
	arrow.UINT16: func(a arrow.Array, i int) host.Value { return uint64(a.(*array.Uint16).Value(i)) },
	arrow.UINT32: func(a arrow.Array, i int) host.Value { return uint64(a.(*array.Uint32).Value(i)) },
	arrow.UINT64: func(a arrow.Array, i int) host.Value { return a.(*array.Uint64).Value(i) },

	arrow.FLOAT32: func(a arrow.Array, i int) host.Value { return float64(a.(*array.Float32).Value(i)) },
	arrow.FLOAT64: func(a arrow.Array, i int) host.Value { return a.(*array.Float64).Value(i) },

	arrow.STRING:       func(a arrow.Array, i int) host.Value { return strings.Clone(a.(*array.String).Value(i)) },
	arrow.LARGE_STRING: func(a arrow.Array, i int) host.Value { return strings.Clone(a.(*array.LargeString).Value(i)) },
	arrow.BINARY:       func(a arrow.Array, i int) host.Value { return clone(a.(*array.Binary).Value(i)) },
	arrow.LARGE_BINARY: func(a arrow.Array, i int) host.Value { return clone(a.(*array.LargeBinary).Value(i)) },
	arrow.FIXED_SIZE_BINARY: func(a arrow.Array, i int) host.Value {
		return clone(a.(*array.FixedSizeBinary).Value(i))
	},

	arrow.DATE32:    func(a arrow.Array, i int) host.Value { return int64(a.(*array.Date32).Value(i)) },
	arrow.DATE64:    func(a arrow.Array, i int) host.Value { return int64(a.(*array.Date64).Value(i)) },
	arrow.TIMESTAMP: func(a arrow.Array, i int) host.Value { return int64(a.(*array.Timestamp).Value(i)) },
	arrow.DURATION:  func(a arrow.Array, i int) host.Value { return int64(a.(*array.Duration).Value(i)) },
}

var putters = map[arrow.Type]putter{
	arrow.BOOL: func(b array.Builder, v host.Value) bool {
		x, ok := v.(bool)
		if ok {
			b.(*array.BooleanBuilder).Append(x)
		}
		return ok
	},
	arrow.INT8: putSigned(math.MinInt8, math.MaxInt8, func(b array.Builder, x int64) {
		b.(*array.Int8Builder).Append(int8(x))
	}),
	arrow.INT16: putSigned(math.MinInt16, math.MaxInt16, func(b array.Builder, x int64) {
		b.(*array.Int16Builder).Append(int16(x))
	}),
	arrow.INT32: putSigned(math.MinInt32, math.MaxInt32, func(b array.Builder, x int64) {
		b.(*array.Int32Builder).Append(int32(x))
	}),
	arrow.INT64: putSigned(math.MinInt64, math.MaxInt64, func(b array.Builder, x int64) {
		b.(*array.Int64Builder).Append(x)
	}),
	arrow.UINT8: putUnsigned(math.MaxUint8, func(b array.Builder, x uint64) {
		b.(*array.Uint8Builder).Append(uint8(x))
	}),
	arrow.UINT16: putUnsigned(math.MaxUint16, func(b array.Builder, x uint64) {
		b.(*array.Uint16Builder).Append(uint16(x))
	}),
	arrow.UINT32: putUnsigned(math.MaxUint32, func(b array.Builder, x uint64) {
		b.(*array.Uint32Builder).Append(uint32(x))
	}),
	arrow.UINT64: putUnsigned(math.MaxUint64, func(b array.Builder, x uint64) {
		b.(*array.Uint64Builder).Append(x)
	}),
	arrow.FLOAT32: func(b array.Builder, v host.Value) bool {
		x, ok := host.AsFloat64(v)
		if ok {
			b.(*array.Float32Builder).Append(float32(x))
		}
		return ok
	},
	arrow.FLOAT64: func(b array.Builder, v host.Value) bool {
		x, ok := host.AsFloat64(v)
		if ok {
			b.(*array.Float64Builder).Append(x)
		}
		return ok
	},
	arrow.STRING: func(b array.Builder, v host.Value) bool {
		x, ok := v.(string)
		if ok {
			b.(*array.StringBuilder).Append(x)
		}
		return ok
	},
	arrow.LARGE_STRING: func(b array.Builder, v host.Value) bool {
		x, ok := v.(string)
		if ok {
			b.(*array.LargeStringBuilder).Append(x)
		}
		return ok
	},
	arrow.BINARY:       putBytes,
	arrow.LARGE_BINARY: putBytes,
	arrow.FIXED_SIZE_BINARY: func(b array.Builder, v host.Value) bool {
		x, ok := asBytes(v)
		fb := b.(*array.FixedSizeBinaryBuilder)
		if !ok || len(x) != fb.Type().(*arrow.FixedSizeBinaryType).ByteWidth {
			return false
		}
		fb.Append(x)
		return true
	},
	arrow.DATE32: putSigned(math.MinInt32, math.MaxInt32, func(b array.Builder, x int64) {
		b.(*array.Date32Builder).Append(arrow.Date32(x))
	}),
	arrow.DATE64: putSigned(math.MinInt64, math.MaxInt64, func(b array.Builder, x int64) {
		b.(*array.Date64Builder).Append(arrow.Date64(x))
	}),
	arrow.TIMESTAMP: putSigned(math.MinInt64, math.MaxInt64, func(b array.Builder, x int64) {
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(x))
	}),
	arrow.DURATION: putSigned(math.MinInt64, math.MaxInt64, func(b array.Builder, x int64) {
		b.(*array.DurationBuilder).Append(arrow.Duration(x))
	}),
}

func putSigned(lo, hi int64, app func(array.Builder, int64)) putter {
	return func(b array.Builder, v host.Value) bool {
		x, ok := host.AsInt64(v)
		if !ok || x < lo || x > hi {
			return false
		}
		app(b, x)
		return true
	}
}

func putUnsigned(hi uint64, app func(array.Builder, uint64)) putter {
	return func(b array.Builder, v host.Value) bool {
		x, ok := host.AsUint64(v)
		if !ok || x > hi {
			return false
		}
		app(b, x)
		return true
	}
}

// putBytes serves both binary widths: the large variant shares the builder.
func putBytes(b array.Builder, v host.Value) bool {
	x, ok := asBytes(v)
	if ok {
		b.(*array.BinaryBuilder).Append(x)
	}
	return ok
}

func asBytes(v host.Value) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	}
	return nil, false
}

func clone(b []byte) []byte { return append([]byte{}, b...) }

// release drops a reference-holding value the caller was handed.
func release(v host.Value) {
	switch x := v.(type) {
	case *host.Array:
		x.Release()
	case *host.RecordBatch:
		x.Release()
	}
}
