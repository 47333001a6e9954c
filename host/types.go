package host

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType is a host type object. It is identified by its C data interface
// format string and carries a display name.
type DataType struct {
	format string
	name   string
}

// Format returns the C data interface format string.
func (t DataType) Format() string { return t.format }

// Name returns the display name, e.g. "int32" or "timestamp[ms, tz=UTC]".
func (t DataType) Name() string { return t.name }

func (t DataType) String() string { return t.name }

// Equal reports whether both types have the same format.
func (t DataType) Equal(o DataType) bool { return t.format == o.format }

var simpleTypes = map[string]string{
	"b":   "bool",
	"c":   "int8",
	"C":   "uint8",
	"s":   "int16",
	"S":   "uint16",
	"i":   "int32",
	"I":   "uint32",
	"l":   "int64",
	"L":   "uint64",
	"e":   "halffloat",
	"f":   "float32",
	"g":   "float64",
	"u":   "utf8",
	"U":   "large_utf8",
	"z":   "binary",
	"Z":   "large_binary",
	"tdD": "date32[day]",
	"tdm": "date64[ms]",
	"tts": "time32[s]",
	"ttm": "time32[ms]",
	"ttu": "time64[us]",
	"ttn": "time64[ns]",
	"tDs": "duration[s]",
	"tDm": "duration[ms]",
	"tDu": "duration[us]",
	"tDn": "duration[ns]",
}

func simple(format string) DataType { return DataType{format: format, name: simpleTypes[format]} }

func Bool() DataType        { return simple("b") }
func Int8() DataType        { return simple("c") }
func Uint8() DataType       { return simple("C") }
func Int16() DataType       { return simple("s") }
func Uint16() DataType      { return simple("S") }
func Int32() DataType       { return simple("i") }
func Uint32() DataType      { return simple("I") }
func Int64() DataType       { return simple("l") }
func Uint64() DataType      { return simple("L") }
func Float16() DataType     { return simple("e") }
func Float32() DataType     { return simple("f") }
func Float64() DataType     { return simple("g") }
func Utf8() DataType        { return simple("u") }
func LargeUtf8() DataType   { return simple("U") }
func Binary() DataType      { return simple("z") }
func LargeBinary() DataType { return simple("Z") }
func Date32() DataType      { return simple("tdD") }
func Date64() DataType      { return simple("tdm") }

var unitCodes = map[string]string{"s": "s", "ms": "m", "us": "u", "ns": "n"}
var unitNames = map[byte]string{'s': "s", 'm': "ms", 'u': "us", 'n': "ns"}

// FixedSizeBinary returns a fixed-width binary type of width bytes.
func FixedSizeBinary(width int) DataType {
	return DataType{format: "w:" + strconv.Itoa(width), name: fmt.Sprintf("fixed_size_binary[%d]", width)}
}

// Timestamp returns a timestamp type. unit is one of "s", "ms", "us", "ns";
// tz may be empty.
func Timestamp(unit, tz string) DataType {
	name := "timestamp[" + unit
	if tz != "" {
		name += ", tz=" + tz
	}
	return DataType{format: "ts" + unitCodes[unit] + ":" + tz, name: name + "]"}
}

// Duration returns a duration type for unit "s", "ms", "us" or "ns".
func Duration(unit string) DataType { return simple("tD" + unitCodes[unit]) }

// Time32 returns a time-of-day type for unit "s" or "ms".
func Time32(unit string) DataType { return simple("tt" + unitCodes[unit]) }

// Decimal128 returns a 128-bit decimal type.
func Decimal128(precision, scale int) DataType {
	return DataType{
		format: fmt.Sprintf("d:%d,%d", precision, scale),
		name:   fmt.Sprintf("decimal128(%d, %d)", precision, scale),
	}
}

// TypeForFormat reconstructs a host type from its format string.
func TypeForFormat(format string) (DataType, error) {
	if _, ok := simpleTypes[format]; ok {
		return simple(format), nil
	}
	switch {
	case strings.HasPrefix(format, "w:"):
		w, err := strconv.Atoi(format[2:])
		if err != nil || w < 0 {
			return DataType{}, fmt.Errorf("host: invalid fixed size binary format %q", format)
		}
		return FixedSizeBinary(w), nil
	case len(format) >= 4 && strings.HasPrefix(format, "ts") && format[3] == ':':
		unit, ok := unitNames[format[2]]
		if !ok {
			return DataType{}, fmt.Errorf("host: invalid timestamp format %q", format)
		}
		return Timestamp(unit, format[4:]), nil
	case strings.HasPrefix(format, "d:"):
		var p, sc int
		if _, err := fmt.Sscanf(format, "d:%d,%d", &p, &sc); err != nil {
			return DataType{}, fmt.Errorf("host: invalid decimal format %q", format)
		}
		return Decimal128(p, sc), nil
	}
	return DataType{}, fmt.Errorf("host: unknown type format %q", format)
}

// physical layout of a host type, used by the host's own value accessors.
type layoutKind int

const (
	kindBits layoutKind = iota
	kindFixed
	kindVar
)

type typeLayout struct {
	kind       layoutKind
	width      int // value width for kindFixed, offset width for kindVar
	nbuffers   int
	text       bool
	signed     bool
	floating   bool
	fixedBytes bool
}

func layoutOf(t DataType) (typeLayout, error) {
	f := t.format
	switch f {
	case "b":
		return typeLayout{kind: kindBits, nbuffers: 2}, nil
	case "c":
		return typeLayout{kind: kindFixed, width: 1, nbuffers: 2, signed: true}, nil
	case "C":
		return typeLayout{kind: kindFixed, width: 1, nbuffers: 2}, nil
	case "s":
		return typeLayout{kind: kindFixed, width: 2, nbuffers: 2, signed: true}, nil
	case "S":
		return typeLayout{kind: kindFixed, width: 2, nbuffers: 2}, nil
	case "i", "tdD", "tts", "ttm":
		return typeLayout{kind: kindFixed, width: 4, nbuffers: 2, signed: true}, nil
	case "I":
		return typeLayout{kind: kindFixed, width: 4, nbuffers: 2}, nil
	case "l", "tdm", "ttu", "ttn", "tDs", "tDm", "tDu", "tDn":
		return typeLayout{kind: kindFixed, width: 8, nbuffers: 2, signed: true}, nil
	case "L":
		return typeLayout{kind: kindFixed, width: 8, nbuffers: 2}, nil
	case "e":
		return typeLayout{kind: kindFixed, width: 2, nbuffers: 2, fixedBytes: true}, nil
	case "f":
		return typeLayout{kind: kindFixed, width: 4, nbuffers: 2, floating: true}, nil
	case "g":
		return typeLayout{kind: kindFixed, width: 8, nbuffers: 2, floating: true}, nil
	case "u":
		return typeLayout{kind: kindVar, width: 4, nbuffers: 3, text: true}, nil
	case "U":
		return typeLayout{kind: kindVar, width: 8, nbuffers: 3, text: true}, nil
	case "z":
		return typeLayout{kind: kindVar, width: 4, nbuffers: 3}, nil
	case "Z":
		return typeLayout{kind: kindVar, width: 8, nbuffers: 3}, nil
	}
	switch {
	case strings.HasPrefix(f, "ts"):
		return typeLayout{kind: kindFixed, width: 8, nbuffers: 2, signed: true}, nil
	case strings.HasPrefix(f, "w:"):
		w, err := strconv.Atoi(f[2:])
		if err != nil {
			return typeLayout{}, fmt.Errorf("host: invalid format %q", f)
		}
		return typeLayout{kind: kindFixed, width: w, nbuffers: 2, fixedBytes: true}, nil
	case strings.HasPrefix(f, "d:"):
		return typeLayout{kind: kindFixed, width: 16, nbuffers: 2, fixedBytes: true}, nil
	}
	return typeLayout{}, fmt.Errorf("host: no layout for type %s", t.name)
}
