// Package codec serializes envelopes into frame bodies.
//
// Both codecs go through value.Value, so anything implementing value.Marshaler
// (message.TypedMessage in particular) encodes the same way on either codec.
package codec

import (
	"fmt"
	"strings"

	"scard-broker/value"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

// GetCodec returns the codec for a frame's codec byte, or nil if unknown.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeCBOR:
		return &CBORCodec{}
	}
	return nil
}

// ParseCodecType maps a config name ("json", "cbor") to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "json":
		return CodecTypeJSON, nil
	case "", "cbor":
		return CodecTypeCBOR, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

func toValue(v any) (value.Value, error) {
	if m, ok := v.(value.Marshaler); ok {
		return m.ToValue()
	}
	return value.From(v)
}

func fromValue(parsed value.Value, v any) error {
	if u, ok := v.(value.Unmarshaler); ok {
		return u.FromValue(parsed)
	}
	return value.Decode(parsed, v)
}
