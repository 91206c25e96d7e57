package codec

import (
	"encoding/json"

	"scard-broker/value"
)

// JSONCodec is human-readable and used by the websocket transport by default.
// Binary blobs travel as {"$binary": "<base64>"}.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	parsed, err := toValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(parsed)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	var parsed value.Value
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	return fromValue(parsed, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
