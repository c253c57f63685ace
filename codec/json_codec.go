package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Slots render as plain numbers, which makes captured
// traffic readable while debugging a device runtime; production producers use BinaryCodec.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
