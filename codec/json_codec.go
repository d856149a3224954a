package codec

import (
	"encoding/json"

	"streamrpc/message"
)

// JSONCodec writes packets in their reference JSON form.
type JSONCodec struct{}

func (JSONCodec) Encode(p *message.Packet) ([]byte, error) {
	return json.Marshal(p)
}

func (JSONCodec) Decode(data []byte) (*message.Packet, error) {
	return message.Unmarshal(data)
}

func (JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
