package lifecycle

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"facette.io/natsort"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// Value is a small tagged variant for auxiliary transition data. Keeping the
// set of kinds closed keeps snapshots serializable.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	bl   bool
	ts   time.Time
}

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// IntValue wraps an integer.
func IntValue(i int64) Value {
	return Value{kind: KindInt, num: i}
}

// FloatValue wraps a float.
func FloatValue(f float64) Value {
	return Value{kind: KindFloat, flt: f}
}

// BoolValue wraps a bool.
func BoolValue(b bool) Value {
	return Value{kind: KindBool, bl: b}
}

// TimeValue wraps a timestamp.
func TimeValue(t time.Time) Value {
	return Value{kind: KindTime, ts: t}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsValid() bool {
	return v.kind != KindInvalid
}

func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsInt() (int64, bool) {
	return v.num, v.kind == KindInt
}

func (v Value) AsFloat() (float64, bool) {
	return v.flt, v.kind == KindFloat
}

func (v Value) AsBool() (bool, bool) {
	return v.bl, v.kind == KindBool
}

func (v Value) AsTime() (time.Time, bool) {
	return v.ts, v.kind == KindTime
}

// Any returns the held value as a plain Go value (nil when invalid).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.bl
	case KindTime:
		return v.ts
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.bl)
	case KindTime:
		return v.ts.Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}

// MarshalYAML renders the held value natively.
func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

// Values is the accumulated auxiliary data of a Machine.
type Values map[string]Value

// Merge copies other into v. Keys present in both take other's value.
func (v Values) Merge(other Values) {
	maps.Copy(v, other)
}

// Clone returns a copy of v. A nil map clones to an empty one.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	maps.Copy(out, v)

	return out
}

// Keys returns the keys in natural sort order (attempt_2 before attempt_10).
func (v Values) Keys() []string {
	keys := slices.Collect(maps.Keys(v))
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case natsort.Compare(a, b):
			return -1
		default:
			return 1
		}
	})

	return keys
}

// GetString returns the string stored under key.
func (v Values) GetString(key string) (string, bool) {
	val, ok := v[key]
	if !ok {
		return "", false
	}

	return val.AsString()
}
