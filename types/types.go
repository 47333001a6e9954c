// Package types maps native Arrow types to host types and back. A single
// dispatch table keyed by arrow.Type holds, for every supported type, its
// user-facing name, its host descriptor and its physical buffer layout; the
// codecs and the UDF bridge all read from it so the two directions cannot
// drift apart.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/TFMV/ferry/fault"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/golang/groupcache/lru"
)

// ---------------------------------------------------------------------
// Buffer layouts
// ---------------------------------------------------------------------

// BufferKind identifies what one buffer of an array holds.
type BufferKind int

const (
	Validity  BufferKind = iota // bit-packed null mask, may be absent
	Bits                        // bit-packed boolean values
	Fixed                       // fixed-width values
	Offsets32                   // int32 offsets, length+1 entries
	Offsets64                   // int64 offsets, length+1 entries
	Data                        // variable-length value bytes
)

func (k BufferKind) String() string {
	switch k {
	case Validity:
		return "validity"
	case Bits:
		return "bits"
	case Fixed:
		return "fixed"
	case Offsets32:
		return "offsets32"
	case Offsets64:
		return "offsets64"
	case Data:
		return "data"
	}
	return "unknown"
}

// Layout is the buffer layout of a type in C data interface order.
type Layout struct {
	Buffers []BufferKind
	// Width is the byte width of one Fixed value.
	Width int
}

// NumBuffers returns the number of buffers, validity included.
func (l Layout) NumBuffers() int { return len(l.Buffers) }

// Variable reports whether the layout has an offsets buffer.
func (l Layout) Variable() bool { return len(l.Buffers) == 3 }

// OffsetWidth returns 4 or 8 for variable layouts and 0 otherwise.
func (l Layout) OffsetWidth() int {
	if !l.Variable() {
		return 0
	}
	if l.Buffers[1] == Offsets64 {
		return 8
	}
	return 4
}

var (
	bitsLayout   = Layout{Buffers: []BufferKind{Validity, Bits}}
	var32Layout  = Layout{Buffers: []BufferKind{Validity, Offsets32, Data}}
	var64Layout  = Layout{Buffers: []BufferKind{Validity, Offsets64, Data}}
	fixedBuffers = []BufferKind{Validity, Fixed}
)

func fixedLayout(width int) Layout {
	return Layout{Buffers: fixedBuffers, Width: width}
}

// ---------------------------------------------------------------------
// Dispatch table
// ---------------------------------------------------------------------

type entry struct {
	name    string
	layout  func(arrow.DataType) Layout
	foreign func(arrow.DataType) host.DataType
}

func fixed(width int) func(arrow.DataType) Layout {
	return func(arrow.DataType) Layout { return fixedLayout(width) }
}

func constant(l Layout) func(arrow.DataType) Layout {
	return func(arrow.DataType) Layout { return l }
}

func same(t host.DataType) func(arrow.DataType) host.DataType {
	return func(arrow.DataType) host.DataType { return t }
}

var table = map[arrow.Type]entry{
	arrow.BOOL:         {"bool", constant(bitsLayout), same(host.Bool())},
	arrow.INT8:         {"int8", fixed(1), same(host.Int8())},
	arrow.INT16:        {"int16", fixed(2), same(host.Int16())},
	arrow.INT32:        {"int32", fixed(4), same(host.Int32())},
	arrow.INT64:        {"int64", fixed(8), same(host.Int64())},
	arrow.UINT8:        {"uint8", fixed(1), same(host.Uint8())},
	arrow.UINT16:       {"uint16", fixed(2), same(host.Uint16())},
	arrow.UINT32:       {"uint32", fixed(4), same(host.Uint32())},
	arrow.UINT64:       {"uint64", fixed(8), same(host.Uint64())},
	arrow.FLOAT32:      {"float32", fixed(4), same(host.Float32())},
	arrow.FLOAT64:      {"float64", fixed(8), same(host.Float64())},
	arrow.STRING:       {"utf8", constant(var32Layout), same(host.Utf8())},
	arrow.LARGE_STRING: {"large_utf8", constant(var64Layout), same(host.LargeUtf8())},
	arrow.BINARY:       {"binary", constant(var32Layout), same(host.Binary())},
	arrow.LARGE_BINARY: {"large_binary", constant(var64Layout), same(host.LargeBinary())},
	arrow.DATE32:       {"date32", fixed(4), same(host.Date32())},
	arrow.DATE64:       {"date64", fixed(8), same(host.Date64())},
	arrow.FIXED_SIZE_BINARY: {
		name: "fixed_size_binary",
		layout: func(dt arrow.DataType) Layout {
			return fixedLayout(dt.(*arrow.FixedSizeBinaryType).ByteWidth)
		},
		foreign: func(dt arrow.DataType) host.DataType {
			return host.FixedSizeBinary(dt.(*arrow.FixedSizeBinaryType).ByteWidth)
		},
	},
	arrow.TIMESTAMP: {
		name:   "timestamp",
		layout: fixed(8),
		foreign: func(dt arrow.DataType) host.DataType {
			ts := dt.(*arrow.TimestampType)
			return host.Timestamp(ts.Unit.String(), ts.TimeZone)
		},
	},
	arrow.DURATION: {
		name:   "duration",
		layout: fixed(8),
		foreign: func(dt arrow.DataType) host.DataType {
			return host.Duration(dt.(*arrow.DurationType).Unit.String())
		},
	},
}

// unsupported types that the base engine declares but cannot bridge.
var unsupportedNames = map[arrow.Type]string{
	arrow.NULL:                    "Null",
	arrow.FLOAT16:                 "Float16",
	arrow.DECIMAL128:              "Decimal128",
	arrow.DECIMAL256:              "Decimal256",
	arrow.LIST:                    "List",
	arrow.LARGE_LIST:              "LargeList",
	arrow.FIXED_SIZE_LIST:         "FixedSizeList",
	arrow.LIST_VIEW:               "ListView",
	arrow.STRUCT:                  "Struct",
	arrow.MAP:                     "Map",
	arrow.SPARSE_UNION:            "Union",
	arrow.DENSE_UNION:             "Union",
	arrow.DICTIONARY:              "Dictionary",
	arrow.TIME32:                  "Time32",
	arrow.TIME64:                  "Time64",
	arrow.INTERVAL_MONTHS:         "Interval",
	arrow.INTERVAL_DAY_TIME:       "Interval",
	arrow.INTERVAL_MONTH_DAY_NANO: "Interval",
	arrow.RUN_END_ENCODED:         "RunEndEncoded",
}

// DisplayName names dt the way errors report it, e.g. "int32" or
// "Decimal128(10, 2)".
func DisplayName(dt arrow.DataType) string {
	switch t := dt.(type) {
	case *arrow.Decimal128Type:
		return fmt.Sprintf("Decimal128(%d, %d)", t.Precision, t.Scale)
	case *arrow.Decimal256Type:
		return fmt.Sprintf("Decimal256(%d, %d)", t.Precision, t.Scale)
	}
	if name, ok := unsupportedNames[dt.ID()]; ok {
		return name
	}
	return dt.String()
}

// Supported returns an UnsupportedType error unless dt is in the dispatch
// table.
func Supported(dt arrow.DataType) error {
	if dt == nil {
		return fault.UnsupportedType("<nil>")
	}
	if _, ok := table[dt.ID()]; !ok {
		return fault.UnsupportedType(DisplayName(dt))
	}
	return nil
}

// LayoutOf returns the buffer layout of dt.
func LayoutOf(dt arrow.DataType) (Layout, error) {
	if err := Supported(dt); err != nil {
		return Layout{}, err
	}
	return table[dt.ID()].layout(dt), nil
}

// ---------------------------------------------------------------------
// Mapper
// ---------------------------------------------------------------------

// Mapper converts between native and host types. Parsed host format strings
// are cached; the mapper is safe for concurrent use.
type Mapper struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewMapper returns a mapper caching up to cacheSize parsed formats.
func NewMapper(cacheSize int) *Mapper {
	return &Mapper{cache: lru.New(cacheSize)}
}

var std = NewMapper(256)

// ToForeign returns the host type for dt.
func (m *Mapper) ToForeign(dt arrow.DataType) (host.DataType, error) {
	if err := Supported(dt); err != nil {
		return host.DataType{}, err
	}
	return table[dt.ID()].foreign(dt), nil
}

// FromForeign returns the native type for a host type.
func (m *Mapper) FromForeign(t host.DataType) (arrow.DataType, error) {
	return m.ParseFormat(t.Format())
}

// ParseFormat resolves a C data interface format string to a native type.
func (m *Mapper) ParseFormat(format string) (arrow.DataType, error) {
	m.mu.Lock()
	if v, ok := m.cache.Get(format); ok {
		m.mu.Unlock()
		return v.(arrow.DataType), nil
	}
	m.mu.Unlock()

	dt, err := parseFormat(format)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache.Add(format, dt)
	m.mu.Unlock()
	return dt, nil
}

// ToForeign maps dt with the package mapper.
func ToForeign(dt arrow.DataType) (host.DataType, error) { return std.ToForeign(dt) }

// FromForeign maps t with the package mapper.
func FromForeign(t host.DataType) (arrow.DataType, error) { return std.FromForeign(t) }

// ParseFormat parses format with the package mapper.
func ParseFormat(format string) (arrow.DataType, error) { return std.ParseFormat(format) }

// FormatOf returns the C data interface format string for dt.
func FormatOf(dt arrow.DataType) (string, error) {
	t, err := std.ToForeign(dt)
	if err != nil {
		return "", err
	}
	return t.Format(), nil
}

var simpleFormats = map[string]arrow.DataType{
	"b":   arrow.FixedWidthTypes.Boolean,
	"c":   arrow.PrimitiveTypes.Int8,
	"C":   arrow.PrimitiveTypes.Uint8,
	"s":   arrow.PrimitiveTypes.Int16,
	"S":   arrow.PrimitiveTypes.Uint16,
	"i":   arrow.PrimitiveTypes.Int32,
	"I":   arrow.PrimitiveTypes.Uint32,
	"l":   arrow.PrimitiveTypes.Int64,
	"L":   arrow.PrimitiveTypes.Uint64,
	"f":   arrow.PrimitiveTypes.Float32,
	"g":   arrow.PrimitiveTypes.Float64,
	"u":   arrow.BinaryTypes.String,
	"U":   arrow.BinaryTypes.LargeString,
	"z":   arrow.BinaryTypes.Binary,
	"Z":   arrow.BinaryTypes.LargeBinary,
	"tdD": arrow.FixedWidthTypes.Date32,
	"tdm": arrow.FixedWidthTypes.Date64,
	"tDs": arrow.FixedWidthTypes.Duration_s,
	"tDm": arrow.FixedWidthTypes.Duration_ms,
	"tDu": arrow.FixedWidthTypes.Duration_us,
	"tDn": arrow.FixedWidthTypes.Duration_ns,
}

var formatUnits = map[byte]arrow.TimeUnit{
	's': arrow.Second,
	'm': arrow.Millisecond,
	'u': arrow.Microsecond,
	'n': arrow.Nanosecond,
}

// format prefixes of types the host knows but the bridge does not support.
var unsupportedFormats = []struct{ prefix, name string }{
	{"d:", "Decimal"},
	{"tt", "Time"},
	{"ti", "Interval"},
	{"+l", "List"},
	{"+L", "LargeList"},
	{"+w", "FixedSizeList"},
	{"+s", "Struct"},
	{"+m", "Map"},
	{"+u", "Union"},
	{"+r", "RunEndEncoded"},
	{"e", "Float16"},
	{"n", "Null"},
}

func parseFormat(format string) (arrow.DataType, error) {
	if dt, ok := simpleFormats[format]; ok {
		return dt, nil
	}
	switch {
	case strings.HasPrefix(format, "w:"):
		w, err := strconv.Atoi(format[2:])
		if err != nil || w < 0 {
			return nil, fmt.Errorf("%w: malformed format %q", fault.ErrSchemaMismatch, format)
		}
		return &arrow.FixedSizeBinaryType{ByteWidth: w}, nil
	case len(format) >= 4 && strings.HasPrefix(format, "ts") && format[3] == ':':
		unit, ok := formatUnits[format[2]]
		if !ok {
			return nil, fmt.Errorf("%w: malformed format %q", fault.ErrSchemaMismatch, format)
		}
		return &arrow.TimestampType{Unit: unit, TimeZone: format[4:]}, nil
	}
	for _, u := range unsupportedFormats {
		if strings.HasPrefix(format, u.prefix) {
			return nil, fault.UnsupportedType(u.name)
		}
	}
	return nil, fault.UnsupportedType(fmt.Sprintf("format %q", format))
}

// ---------------------------------------------------------------------
// User-facing names
// ---------------------------------------------------------------------

var named = map[string]arrow.DataType{
	"bool":         arrow.FixedWidthTypes.Boolean,
	"boolean":      arrow.FixedWidthTypes.Boolean,
	"int8":         arrow.PrimitiveTypes.Int8,
	"int16":        arrow.PrimitiveTypes.Int16,
	"int32":        arrow.PrimitiveTypes.Int32,
	"int64":        arrow.PrimitiveTypes.Int64,
	"int":          arrow.PrimitiveTypes.Int64,
	"uint8":        arrow.PrimitiveTypes.Uint8,
	"uint16":       arrow.PrimitiveTypes.Uint16,
	"uint32":       arrow.PrimitiveTypes.Uint32,
	"uint64":       arrow.PrimitiveTypes.Uint64,
	"float32":      arrow.PrimitiveTypes.Float32,
	"float64":      arrow.PrimitiveTypes.Float64,
	"float":        arrow.PrimitiveTypes.Float64,
	"utf8":         arrow.BinaryTypes.String,
	"string":       arrow.BinaryTypes.String,
	"large_utf8":   arrow.BinaryTypes.LargeString,
	"large_string": arrow.BinaryTypes.LargeString,
	"binary":       arrow.BinaryTypes.Binary,
	"large_binary": arrow.BinaryTypes.LargeBinary,
	"date32":       arrow.FixedWidthTypes.Date32,
	"date64":       arrow.FixedWidthTypes.Date64,
}

var unsupportedTypeNames = map[string]string{
	"decimal":    "Decimal",
	"decimal128": "Decimal",
	"decimal256": "Decimal",
	"list":       "List",
	"large_list": "LargeList",
	"struct":     "Struct",
	"map":        "Map",
	"dictionary": "Dictionary",
	"time32":     "Time32",
	"time64":     "Time64",
	"interval":   "Interval",
	"float16":    "Float16",
	"halffloat":  "Float16",
	"null":       "Null",
}

var unitsByName = map[string]arrow.TimeUnit{
	"s":  arrow.Second,
	"ms": arrow.Millisecond,
	"us": arrow.Microsecond,
	"ns": arrow.Nanosecond,
}

// Lookup resolves a user-facing type name such as "int32", "float",
// "timestamp[ms, tz=UTC]" or "fixed_size_binary[16]". Names are matched
// case-insensitively; anything outside the supported set is reported as
// UnsupportedType.
func Lookup(name string) (arrow.DataType, error) {
	raw := strings.TrimSpace(name)
	if dt, ok := named[strings.ToLower(raw)]; ok {
		return dt, nil
	}

	base, args, parametric := splitParams(raw)
	if parametric {
		switch base {
		case "fixed_size_binary":
			w, err := strconv.Atoi(args)
			if err == nil && w >= 0 {
				return &arrow.FixedSizeBinaryType{ByteWidth: w}, nil
			}
		case "timestamp":
			unit, rest, hasTZ := strings.Cut(args, ",")
			u, ok := unitsByName[strings.ToLower(strings.TrimSpace(unit))]
			var tz string
			if hasTZ {
				tz, hasTZ = strings.CutPrefix(strings.TrimSpace(rest), "tz=")
				ok = ok && hasTZ
			}
			if ok {
				return &arrow.TimestampType{Unit: u, TimeZone: tz}, nil
			}
		case "duration":
			if u, ok := unitsByName[strings.ToLower(args)]; ok {
				return &arrow.DurationType{Unit: u}, nil
			}
		}
	}

	if display, ok := unsupportedTypeNames[base]; ok {
		return nil, fault.UnsupportedType(display)
	}
	return nil, fault.UnsupportedType(raw)
}

// splitParams splits "base[args]" into its parts; base is lower-cased and
// "base(args)" forms report only the base.
func splitParams(raw string) (base, args string, ok bool) {
	open := strings.IndexByte(raw, '[')
	if open < 0 || !strings.HasSuffix(raw, "]") {
		base, _, _ = strings.Cut(raw, "(")
		return strings.ToLower(strings.TrimSpace(base)), "", false
	}
	return strings.ToLower(raw[:open]), strings.TrimSpace(raw[open+1 : len(raw)-1]), true
}

// Names lists every accepted user-facing name, parametric forms shown with
// an example parameter.
func Names() []string {
	out := make([]string, 0, len(named)+3)
	for n := range named {
		out = append(out, n)
	}
	out = append(out, "fixed_size_binary[16]", "timestamp[ms]", "timestamp[us, tz=UTC]", "duration[ns]")
	sort.Strings(out)
	return out
}

// NameOf returns the canonical user-facing name of a supported type.
func NameOf(dt arrow.DataType) (string, error) {
	if err := Supported(dt); err != nil {
		return "", err
	}
	switch t := dt.(type) {
	case *arrow.FixedSizeBinaryType:
		return fmt.Sprintf("fixed_size_binary[%d]", t.ByteWidth), nil
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return fmt.Sprintf("timestamp[%s, tz=%s]", t.Unit, t.TimeZone), nil
		}
		return fmt.Sprintf("timestamp[%s]", t.Unit), nil
	case *arrow.DurationType:
		return fmt.Sprintf("duration[%s]", t.Unit), nil
	}
	return table[dt.ID()].name, nil
}
