package projection

import "fmt"

// BytesRender selects the JSON form of bytes fields.
type BytesRender int

const (
	BytesBase64 BytesRender = iota
	BytesHex
	BytesLen // "<N bytes>"
)

// U64Format selects how 64-bit unsigned integers are emitted.
type U64Format int

const (
	// U64String emits a decimal string, preserving full precision.
	U64String U64Format = iota
	// U64Number emits a JSON number, accepting precision loss past 2^53.
	U64Number
)

// EnumRender selects the JSON form of enum-typed fields.
type EnumRender int

const (
	EnumLabel EnumRender = iota
	EnumNumber
	EnumBoth // {"value": n, "label": s}
)

// TimeRender selects the JSON form of unix_ms-semantic integers.
type TimeRender int

const (
	TimeISO TimeRender = iota
	TimeUnixMS
)

// Options is the complete rendering configuration, passed as one immutable
// value down the projection tree.
type Options struct {
	IncludeUnknown bool
	BytesRender    BytesRender
	U64Format      U64Format
	EnumRender     EnumRender
	TimeRender     TimeRender
}

// DefaultOptions matches the read gateway's defaults.
func DefaultOptions() Options {
	return Options{}
}

// ParseBytesRender parses the wire form of a bytes_render option.
func ParseBytesRender(s string) (BytesRender, error) {
	switch s {
	case "", "base64":
		return BytesBase64, nil
	case "hex":
		return BytesHex, nil
	case "len":
		return BytesLen, nil
	}
	return 0, fmt.Errorf("projection: unknown bytes_render %q", s)
}

// ParseU64Format parses the wire form of a u64_format option.
func ParseU64Format(s string) (U64Format, error) {
	switch s {
	case "", "string":
		return U64String, nil
	case "number":
		return U64Number, nil
	}
	return 0, fmt.Errorf("projection: unknown u64_format %q", s)
}

// ParseEnumRender parses the wire form of an enum_render option.
func ParseEnumRender(s string) (EnumRender, error) {
	switch s {
	case "", "label":
		return EnumLabel, nil
	case "number":
		return EnumNumber, nil
	case "both":
		return EnumBoth, nil
	}
	return 0, fmt.Errorf("projection: unknown enum_render %q", s)
}

// ParseTimeRender parses the wire form of a time_render option.
func ParseTimeRender(s string) (TimeRender, error) {
	switch s {
	case "", "iso":
		return TimeISO, nil
	case "unix_ms":
		return TimeUnixMS, nil
	}
	return 0, fmt.Errorf("projection: unknown time_render %q", s)
}
