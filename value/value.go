// Package value implements the universal payload type carried by every envelope.
//
// A Value is a tagged variant:
//
//	null | bool | integer (int64) | float (float64) | string | binary | dictionary | array
//
// Integers are kept exact. Converting between integer and float is only allowed
// inside the range where a float64 represents every integer exactly (±2^53);
// anything outside that range fails with ErrPrecision instead of silently rounding.
package value

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindString
	KindBinary
	KindDictionary
	KindArray
)

var kindNames = [...]string{"null", "boolean", "integer", "float", "string", "binary", "dictionary", "array"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MaxExactInteger is the largest integer magnitude a float64 holds exactly.
const MaxExactInteger = 1 << 53

var (
	ErrType      = errors.New("value: type mismatch")
	ErrPrecision = errors.New("value: integer outside exact float range")
	ErrRange     = errors.New("value: integer out of range")
)

// Value is immutable once built. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	bin  []byte
	dict map[string]Value
	arr  []Value
}

func Null() Value                { return Value{} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInteger, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Binary(data []byte) Value   { return Value{kind: KindBinary, bin: append([]byte{}, data...)} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: append([]Value{}, items...)} }

// Dictionary copies items; later mutation of the map does not affect the Value.
func Dictionary(items map[string]Value) Value {
	d := make(map[string]Value, len(items))
	for k, v := range items {
		d[k] = v
	}
	return Value{kind: KindDictionary, dict: d}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) typeError(want Kind) error {
	return fmt.Errorf("%w: expected %s, got %s", ErrType, want, v.kind)
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.typeError(KindBool)
	}
	return v.b, nil
}

// AsInt64 accepts integers, and floats that hold an integral value inside ±2^53.
func (v Value) AsInt64() (int64, error) {
	switch v.kind {
	case KindInteger:
		return v.i, nil
	case KindFloat:
		if v.f != math.Trunc(v.f) || math.IsInf(v.f, 0) {
			return 0, fmt.Errorf("%w: %v is not integral", ErrType, v.f)
		}
		if math.Abs(v.f) > MaxExactInteger {
			return 0, fmt.Errorf("%w: %v", ErrPrecision, v.f)
		}
		return int64(v.f), nil
	}
	return 0, v.typeError(KindInteger)
}

// AsFloat64 accepts floats, and integers inside ±2^53.
func (v Value) AsFloat64() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInteger:
		if v.i > MaxExactInteger || v.i < -MaxExactInteger {
			return 0, fmt.Errorf("%w: %d", ErrPrecision, v.i)
		}
		return float64(v.i), nil
	}
	return 0, v.typeError(KindFloat)
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.typeError(KindString)
	}
	return v.s, nil
}

// AsBinary returns the underlying bytes without copying; callers must not modify them.
func (v Value) AsBinary() ([]byte, error) {
	if v.kind != KindBinary {
		return nil, v.typeError(KindBinary)
	}
	return v.bin, nil
}

// AsDictionary returns the underlying map; callers must not modify it.
func (v Value) AsDictionary() (map[string]Value, error) {
	if v.kind != KindDictionary {
		return nil, v.typeError(KindDictionary)
	}
	return v.dict, nil
}

// AsArray returns the underlying slice; callers must not modify it.
func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, v.typeError(KindArray)
	}
	return v.arr, nil
}

// Get looks up a dictionary item. It reports false for missing keys and non-dictionaries.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDictionary {
		return Value{}, false
	}
	item, ok := v.dict[key]
	return item, ok
}

// Len is the number of items of an array or dictionary, or the byte length of
// a string or binary. Other kinds have length 0.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return len(v.s)
	case KindBinary:
		return len(v.bin)
	case KindDictionary:
		return len(v.dict)
	case KindArray:
		return len(v.arr)
	}
	return 0
}

// Equal reports deep equality. Integer 1 and float 1.0 are different values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInteger:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindBinary:
		return string(v.bin) == string(other.bin)
	case KindDictionary:
		if len(v.dict) != len(other.dict) {
			return false
		}
		for k, item := range v.dict {
			o, ok := other.dict[k]
			if !ok || !item.Equal(o) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for logs. Binary content is abbreviated to its size.
func (v Value) String() string {
	var sb strings.Builder
	v.debugString(&sb)
	return sb.String()
}

func (v Value) debugString(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		fmt.Fprintf(sb, "%t", v.b)
	case KindInteger:
		fmt.Fprintf(sb, "%d", v.i)
	case KindFloat:
		fmt.Fprintf(sb, "%g", v.f)
	case KindString:
		fmt.Fprintf(sb, "%q", v.s)
	case KindBinary:
		fmt.Fprintf(sb, "binary(%d bytes)", len(v.bin))
	case KindDictionary:
		keys := make([]string, 0, len(v.dict))
		for k := range v.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(sb, "%q: ", k)
			v.dict[k].debugString(sb)
		}
		sb.WriteByte('}')
	case KindArray:
		sb.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				sb.WriteString(", ")
			}
			item.debugString(sb)
		}
		sb.WriteByte(']')
	}
}
