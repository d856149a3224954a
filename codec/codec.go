// Package codec turns packets into frame bodies and back.
//
// The JSON codec is the reference encoding and what the HTTP transport speaks. The binary codec
// is a compact length-prefixed layout for stream transports where both peers are this library.
// Both validate on decode, so a body that decodes is a packet the client or server may act on.
package codec

import (
	"fmt"

	"streamrpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

type Codec interface {
	Encode(p *message.Packet) ([]byte, error)
	Decode(data []byte) (*message.Packet, error)
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for codecType, or an error for an unknown type.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return JSONCodec{}, nil
	case CodecTypeBinary:
		return BinaryCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", byte(codecType))
}
