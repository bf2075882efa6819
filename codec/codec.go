// Package codec serializes message payloads.
//
// Every codec is self-describing: fields travel with their names, and the
// variant's tag travels in an envelope next to the encoded fields:
//
//	{"type": "Ping", "data": {"nonce": 7}}
//
// so the receiver can reconstruct a variant without positional coupling to the
// sender's version.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

var (
	ErrMissingType     = errors.New("codec: envelope has no type")
	ErrUnsupportedType = errors.New("codec: unsupported codec type")
)

type Codec interface {
	// Encode/Decode handle the variant's own fields.
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error

	// Seal wraps an encoded body and its tag into the envelope.
	Seal(tag string, body []byte) ([]byte, error)
	// Open splits an envelope back into tag and encoded body.
	Open(data []byte) (tag string, body []byte, err error)

	Type() CodecType // 0=JSON, 1=Msgpack
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpack {
		return &MsgpackCodec{}
	}

	return &JSONCodec{}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

// ParseCodecType maps a config name ("json", "msgpack") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "msgpack", "binary":
		return CodecTypeMsgpack, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
}
