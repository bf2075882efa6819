package codec

import (
	"github.com/goccy/go-json"
)

// JSONCodec is the default codec and matches the text wire format.
// Pros: human-readable, cross-language, easy to debug.
// Cons: larger payload (field names repeated as text).
type JSONCodec struct{}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Seal(tag string, body []byte) ([]byte, error) {
	return json.Marshal(&jsonEnvelope{Type: tag, Data: body})
}

func (c *JSONCodec) Open(data []byte) (string, []byte, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	if env.Type == "" {
		return "", nil, ErrMissingType
	}
	return env.Type, env.Data, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
