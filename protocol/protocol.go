// Package protocol implements the frame format used by stream transports (TCP, unix sockets).
//
// A byte stream has no message boundaries, so every packet is sent as a fixed 10-byte header
// followed by a body whose length the header announces:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ft│ bodyLen │    body ...    │
//	│ srp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// Packet frames carry one encoded packet. Heartbeat frames keep an idle connection alive.
// A Close frame tells the peer the sender is closing, so both sides shut down together.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length cannot make the reader allocate
	// gigabytes.
	MaxBodySize = 64 << 20
)

// FrameType distinguishes packet, heartbeat and close frames.
type FrameType byte

const (
	FramePacket    FrameType = 0 // body is one encoded packet
	FrameHeartbeat FrameType = 1 // no body
	FrameClose     FrameType = 2 // no body, sender is closing
)

func (t FrameType) valid() bool {
	return t == FramePacket || t == FrameHeartbeat || t == FrameClose
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed part of a frame.
type Header struct {
	CodecType byte
	FrameType FrameType
	BodyLen   uint32
}

// Encode writes one frame (header + body) to w with a single Write call.
// Callers sharing w between goroutines must still serialise calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var head [HeaderSize]byte
	head[0], head[1], head[2] = MagicNumber, MagicByte2, MagicByte3
	head[3] = Version
	head[4] = h.CodecType
	head[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(head[6:10], uint32(len(body)))

	buf.B = append(buf.B, head[:]...)
	buf.B = append(buf.B, body...)
	_, err := w.Write(buf.B)
	return err
}

// Decode reads one frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	var head [HeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, nil, err
	}
	if head[0] != MagicNumber || head[1] != MagicByte2 || head[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", head[0:3])
	}
	if head[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", head[3])
	}
	if head[4] != CodecTypeJSON && head[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", head[4])
	}
	frameType := FrameType(head[5])
	if !frameType.valid() {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", head[5])
	}
	bodyLen := binary.BigEndian.Uint32(head[6:10])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return &Header{
		CodecType: head[4],
		FrameType: frameType,
		BodyLen:   bodyLen,
	}, body, nil
}
