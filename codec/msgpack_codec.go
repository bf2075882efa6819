package codec

import (
	ugorji "github.com/ugorji/go/codec"
)

// MsgpackCodec encodes payloads as MessagePack maps keyed by field name.
// It is binary but still self-describing, so decoding tolerates added or
// reordered fields the same way JSON does.
type MsgpackCodec struct{}

// Handles are safe for concurrent use once configured.
var msgpackHandle = func() *ugorji.MsgpackHandle {
	h := &ugorji.MsgpackHandle{}
	h.WriteExt = true // bin/str8 types, so []byte stays bytes on the wire
	return h
}()

type msgpackEnvelope struct {
	Type string `codec:"type"`
	Data []byte `codec:"data,omitempty"`
}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	if err := ugorji.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return ugorji.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

func (c *MsgpackCodec) Seal(tag string, body []byte) ([]byte, error) {
	return c.Encode(&msgpackEnvelope{Type: tag, Data: body})
}

func (c *MsgpackCodec) Open(data []byte) (string, []byte, error) {
	var env msgpackEnvelope
	if err := c.Decode(data, &env); err != nil {
		return "", nil, err
	}
	if env.Type == "" {
		return "", nil, ErrMissingType
	}
	return env.Type, env.Data, nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
