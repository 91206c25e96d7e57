package value

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
)

// Marshaler is implemented by types with a custom Value representation.
type Marshaler interface {
	ToValue() (Value, error)
}

// Unmarshaler is implemented by types that decode themselves from a Value.
type Unmarshaler interface {
	FromValue(Value) error
}

var (
	valueType       = reflect.TypeOf(Value{})
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
	byteSliceType   = reflect.TypeOf([]byte(nil))
)

// From converts a Go value into a Value.
//
// Supported: nil, Value, Marshaler, bool, all integer and float kinds, string,
// []byte (binary), slices and arrays, maps with string keys, pointers, and
// structs whose exported fields carry a `value:"name"` tag.
func From(x any) (Value, error) {
	if x == nil {
		return Null(), nil
	}
	return fromReflect(reflect.ValueOf(x))
}

// MustFrom is From for values known to be convertible; it panics otherwise.
func MustFrom(x any) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

func fromReflect(rv reflect.Value) (Value, error) {
	if !rv.IsValid() {
		return Null(), nil
	}
	if rv.Type() == valueType {
		return rv.Interface().(Value), nil
	}
	if rv.Type().Implements(marshalerType) {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Null(), nil
		}
		return rv.Interface().(Marshaler).ToValue()
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return fromReflect(rv.Elem())
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d does not fit int64", ErrRange, u)
		}
		return Int(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.IsNil() {
				return Binary(nil), nil
			}
			return Binary(rv.Bytes()), nil
		}
		fallthrough
	case reflect.Array:
		items := make([]Value, rv.Len())
		for i := range items {
			item, err := fromReflect(rv.Index(i))
			if err != nil {
				return Value{}, fmt.Errorf("item #%d: %w", i, err)
			}
			items[i] = item
		}
		return Value{kind: KindArray, arr: items}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map key type %s", ErrType, rv.Type().Key())
		}
		items := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			item, err := fromReflect(iter.Value())
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			items[iter.Key().String()] = item
		}
		return Value{kind: KindDictionary, dict: items}, nil
	case reflect.Struct:
		return fromStruct(rv)
	}
	return Value{}, fmt.Errorf("%w: cannot convert %s", ErrType, rv.Type())
}

func fromStruct(rv reflect.Value) (Value, error) {
	fields := structFields(rv.Type())
	items := make(map[string]Value, len(fields))
	for _, f := range fields {
		fv := rv.Field(f.index)
		if f.optional && fv.IsZero() {
			continue
		}
		item, err := fromReflect(fv)
		if err != nil {
			return Value{}, fmt.Errorf("field %q: %w", f.name, err)
		}
		items[f.name] = item
	}
	return Value{kind: KindDictionary, dict: items}, nil
}

// Decode stores v into the Go value pointed to by out, following the same
// mapping as From. Struct decoding rejects missing required fields and unknown keys.
func Decode(v Value, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("value: Decode needs a non-nil pointer, got %T", out)
	}
	return decodeReflect(v, rv.Elem())
}

func decodeReflect(v Value, rv reflect.Value) error {
	if rv.Type() == valueType {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	if rv.CanAddr() && rv.Addr().Type().Implements(unmarshalerType) {
		return rv.Addr().Interface().(Unmarshaler).FromValue(v)
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if v.IsNull() {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return decodeReflect(v, rv.Elem())
	case reflect.Interface:
		if rv.NumMethod() != 0 {
			return fmt.Errorf("%w: cannot decode into %s", ErrType, rv.Type())
		}
		if v.IsNull() {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		rv.Set(reflect.ValueOf(v.Native()))
		return nil
	case reflect.Bool:
		b, err := v.AsBool()
		if err != nil {
			return err
		}
		rv.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := v.AsInt64()
		if err != nil {
			return err
		}
		if rv.OverflowInt(i) {
			return fmt.Errorf("%w: %d does not fit %s", ErrRange, i, rv.Type())
		}
		rv.SetInt(i)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		i, err := v.AsInt64()
		if err != nil {
			return err
		}
		if i < 0 || rv.OverflowUint(uint64(i)) {
			return fmt.Errorf("%w: %d does not fit %s", ErrRange, i, rv.Type())
		}
		rv.SetUint(uint64(i))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := v.AsFloat64()
		if err != nil {
			return err
		}
		rv.SetFloat(f)
		return nil
	case reflect.String:
		s, err := v.AsString()
		if err != nil {
			return err
		}
		rv.SetString(s)
		return nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if v.IsNull() {
				rv.SetBytes(nil)
				return nil
			}
			b, err := v.AsBinary()
			if err != nil {
				return err
			}
			rv.SetBytes(append([]byte{}, b...))
			return nil
		}
		if v.IsNull() {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		items, err := v.AsArray()
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(rv.Type(), len(items), len(items))
		for i, item := range items {
			if err := decodeReflect(item, out.Index(i)); err != nil {
				return fmt.Errorf("item #%d: %w", i, err)
			}
		}
		rv.Set(out)
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key type %s", ErrType, rv.Type().Key())
		}
		items, err := v.AsDictionary()
		if err != nil {
			return err
		}
		out := reflect.MakeMapWithSize(rv.Type(), len(items))
		for k, item := range items {
			elem := reflect.New(rv.Type().Elem()).Elem()
			if err := decodeReflect(item, elem); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()), elem)
		}
		rv.Set(out)
		return nil
	case reflect.Struct:
		return decodeStruct(v, rv)
	}
	return fmt.Errorf("%w: cannot decode into %s", ErrType, rv.Type())
}

func decodeStruct(v Value, rv reflect.Value) error {
	items, err := v.AsDictionary()
	if err != nil {
		return err
	}
	fields := structFields(rv.Type())
	seen := 0
	for _, f := range fields {
		item, ok := items[f.name]
		if !ok {
			if f.optional {
				continue
			}
			return fmt.Errorf("%w: missing required field %q of %s", ErrType, f.name, rv.Type())
		}
		seen++
		if err := decodeReflect(item, rv.Field(f.index)); err != nil {
			return fmt.Errorf("field %q: %w", f.name, err)
		}
	}
	if seen != len(items) {
		for k := range items {
			if !hasField(fields, k) {
				return fmt.Errorf("%w: unexpected field %q for %s", ErrType, k, rv.Type())
			}
		}
	}
	return nil
}

// Native converts v into plain Go values: nil, bool, int64, float64, string,
// []byte, map[string]any and []any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBinary:
		return append([]byte{}, v.bin...)
	case KindDictionary:
		m := make(map[string]any, len(v.dict))
		for k, item := range v.dict {
			m[k] = item.Native()
		}
		return m
	case KindArray:
		a := make([]any, len(v.arr))
		for i, item := range v.arr {
			a[i] = item.Native()
		}
		return a
	}
	return nil
}

type fieldInfo struct {
	name     string
	index    int
	optional bool
}

// fieldCache maps reflect.Type to []fieldInfo.
var fieldCache sync.Map

func structFields(t reflect.Type) []fieldInfo {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldInfo)
	}
	var fields []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok := sf.Tag.Lookup("value")
		if !ok || tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, fieldInfo{name: name, index: i, optional: opts == "optional"})
	}
	actual, _ := fieldCache.LoadOrStore(t, fields)
	return actual.([]fieldInfo)
}

func hasField(fields []fieldInfo, name string) bool {
	for _, f := range fields {
		if f.name == name {
			return true
		}
	}
	return false
}
