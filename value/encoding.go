package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// binaryKey marks a binary blob in the JSON representation, which has no native bytes type.
const binaryKey = "$binary"

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalCBOR encodes v with binary as a CBOR byte string and integers as CBOR ints.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(v.Native())
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var x any
	if err := cborDec.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := fromDecoded(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.jsonNative())
}

func (v Value) jsonNative() any {
	switch v.kind {
	case KindBinary:
		return map[string]string{binaryKey: base64.StdEncoding.EncodeToString(v.bin)}
	case KindDictionary:
		m := make(map[string]any, len(v.dict))
		for k, item := range v.dict {
			m[k] = item.jsonNative()
		}
		return m
	case KindArray:
		a := make([]any, len(v.arr))
		for i, item := range v.arr {
			a[i] = item.jsonNative()
		}
		return a
	}
	return v.Native()
}

// UnmarshalJSON keeps integer literals exact: they become integers, every other
// number becomes a float.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	parsed, err := fromDecoded(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// fromDecoded converts the output of the JSON and CBOR decoders.
func fromDecoded(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: bad number %q: %w", t, err)
		}
		return Float(f), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d does not fit int64", ErrRange, t)
		}
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case string:
		return String(t), nil
	case []byte:
		return Value{kind: KindBinary, bin: t}, nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			parsed, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = parsed
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		if len(t) == 1 {
			if encoded, ok := t[binaryKey].(string); ok {
				b, err := base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					return Value{}, fmt.Errorf("value: bad %s payload: %w", binaryKey, err)
				}
				return Value{kind: KindBinary, bin: b}, nil
			}
		}
		items := make(map[string]Value, len(t))
		for k, item := range t {
			parsed, err := fromDecoded(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			items[k] = parsed
		}
		return Value{kind: KindDictionary, dict: items}, nil
	}
	return Value{}, fmt.Errorf("%w: unsupported encoded type %T", ErrType, x)
}
