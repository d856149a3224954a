package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/lithdew/bytesutil"

	"streamrpc/message"
)

// BinaryCodec lays a packet out as:
//
//	kind    1 byte (index into kinds)
//	id      uint16 length + bytes
//	method  uint16 length + bytes
//	args    uint16 count, then per arg uint32 length + raw JSON
//	data    uint32 length + raw JSON
//	error   uint32 length + bytes
//
// All integers are big-endian. Args and data stay JSON so values mean the same thing
// whichever codec carried them.
type BinaryCodec struct{}

var kinds = []message.Kind{
	message.KindRequest,
	message.KindResponse,
	message.KindError,
	message.KindStartStream,
	message.KindStreamStarted,
	message.KindStreamData,
	message.KindStreamEnded,
	message.KindStreamCancelled,
	message.KindCancelStream,
	message.KindNotify,
}

var errShortBody = errors.New("binary codec: body too short")

func kindIndex(k message.Kind) (byte, bool) {
	for i, known := range kinds {
		if known == k {
			return byte(i), true
		}
	}
	return 0, false
}

func (BinaryCodec) Encode(p *message.Packet) ([]byte, error) {
	idx, ok := kindIndex(p.Kind)
	if !ok {
		return nil, fmt.Errorf("binary codec: unknown kind %q", p.Kind)
	}
	if len(p.ID) > math.MaxUint16 || len(p.Method) > math.MaxUint16 || len(p.Args) > math.MaxUint16 {
		return nil, errors.New("binary codec: field too long")
	}

	size := 1 + 2 + len(p.ID) + 2 + len(p.Method) + 2 + 4 + len(p.Data) + 4 + len(p.Error) + len("null")
	for _, a := range p.Args {
		size += 4 + len(a)
	}
	dst := make([]byte, 0, size)

	dst = append(dst, idx)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(p.ID)))
	dst = append(dst, p.ID...)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(p.Method)))
	dst = append(dst, p.Method...)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(p.Args)))
	for _, a := range p.Args {
		dst = bytesutil.AppendUint32BE(dst, uint32(len(a)))
		dst = append(dst, a...)
	}
	data := p.Data
	if len(data) == 0 && (p.Kind == message.KindResponse || p.Kind == message.KindStreamData) {
		data = json.RawMessage("null")
	}
	dst = bytesutil.AppendUint32BE(dst, uint32(len(data)))
	dst = append(dst, data...)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(p.Error)))
	dst = append(dst, p.Error...)
	return dst, nil
}

func (BinaryCodec) Decode(buf []byte) (*message.Packet, error) {
	if len(buf) < 1 {
		return nil, errShortBody
	}
	idx := int(buf[0])
	if idx >= len(kinds) {
		return nil, fmt.Errorf("binary codec: unknown kind index %d", idx)
	}
	buf = buf[1:]
	p := &message.Packet{Kind: kinds[idx]}

	var err error
	var b []byte
	if b, buf, err = readField16(buf); err != nil {
		return nil, err
	}
	p.ID = string(b)
	if b, buf, err = readField16(buf); err != nil {
		return nil, err
	}
	p.Method = string(b)

	if len(buf) < 2 {
		return nil, errShortBody
	}
	var count uint16
	count, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	switch p.Kind {
	case message.KindRequest, message.KindStartStream, message.KindNotify:
		p.Args = make([]json.RawMessage, 0, count)
	}
	for i := 0; i < int(count); i++ {
		if b, buf, err = readField32(buf); err != nil {
			return nil, err
		}
		p.Args = append(p.Args, json.RawMessage(b))
	}

	if b, buf, err = readField32(buf); err != nil {
		return nil, err
	}
	if len(b) > 0 {
		p.Data = json.RawMessage(b)
	}
	if b, buf, err = readField32(buf); err != nil {
		return nil, err
	}
	p.Error = string(b)
	if len(buf) != 0 {
		return nil, fmt.Errorf("binary codec: %d trailing bytes", len(buf))
	}

	if err := message.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func readField16(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, errShortBody
	}
	size := int(bytesutil.Uint16BE(buf[:2]))
	buf = buf[2:]
	if len(buf) < size {
		return nil, nil, errShortBody
	}
	return append([]byte(nil), buf[:size]...), buf[size:], nil
}

func readField32(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errShortBody
	}
	size := bytesutil.Uint32BE(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(size) {
		return nil, nil, errShortBody
	}
	return append([]byte(nil), buf[:size]...), buf[size:], nil
}
