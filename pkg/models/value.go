package models

import "strconv"

// ValueKind identifies the scalar type carried by a Value.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt
	ValueFloat
	ValueBool
)

// Value is a single telemetry attribute scalar. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

// StringValue wraps a string scalar.
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }

// IntValue wraps an integer scalar.
func IntValue(i int64) Value { return Value{Kind: ValueInt, Int: i} }

// FloatValue wraps a floating-point scalar.
func FloatValue(f float64) Value { return Value{Kind: ValueFloat, Float: f} }

// BoolValue wraps a boolean scalar.
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// Numeric returns the value as a float64 when the scalar is numeric.
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case ValueInt:
		return float64(v.Int), true
	case ValueFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// Label returns the canonical string form of the value. Labels are used for
// distinct-value counting and group bucketing, so the mapping must be stable:
// integers never pick up a decimal point and floats use the shortest
// round-trip representation.
func (v Value) Label() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}
