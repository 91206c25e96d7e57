package codec

import (
	"github.com/fxamacker/cbor/v2"

	"scard-broker/value"
)

// CBORCodec keeps APDUs as byte strings and integers exact; it is the default
// on emulated channels.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	parsed, err := toValue(v)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(parsed)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	var parsed value.Value
	if err := cbor.Unmarshal(data, &parsed); err != nil {
		return err
	}
	return fromValue(parsed, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
