// Package message defines the packets exchanged between an RpcClient and an RpcServer.
//
// Every packet is a tagged record: the Kind field says which of the other fields are meaningful.
// The reference encoding is JSON, where each kind only carries its own fields:
//
//	{"kind":"REQUEST","id":"000000000001234","method":"add","args":[1,2]}
//	{"kind":"RESPONSE","id":"000000000001234","data":3}
//	{"kind":"ERROR","id":"000000000001234","error":"MyError: divide by zero"}
//
// An id is chosen by the side that starts a call or stream and is reused by every packet
// that belongs to it, until exactly one terminal packet closes it.
package message

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// Kind tags a packet.
type Kind string

const (
	KindRequest         Kind = "REQUEST"          // client → server, single call
	KindResponse        Kind = "RESPONSE"         // server → client, call succeeded
	KindError           Kind = "ERROR"            // server → client, call or stream failed
	KindStartStream     Kind = "START_STREAM"     // client → server, begin a stream
	KindStreamStarted   Kind = "STREAM_STARTED"   // server → client, stream is running
	KindStreamData      Kind = "STREAM_DATA"      // server → client, one stream item
	KindStreamEnded     Kind = "STREAM_ENDED"     // server → client, producer finished
	KindStreamCancelled Kind = "STREAM_CANCELLED" // server → client, cancellation honoured
	KindCancelStream    Kind = "CANCEL_STREAM"    // client → server, stop a stream
	KindNotify          Kind = "NOTIFY"           // client → server, call without reply
)

// Known reports whether k is one of the packet kinds above.
func (k Kind) Known() bool {
	switch k {
	case KindRequest, KindResponse, KindError, KindStartStream, KindStreamStarted,
		KindStreamData, KindStreamEnded, KindStreamCancelled, KindCancelStream, KindNotify:
		return true
	}
	return false
}

// FromClient reports whether packets of this kind travel client → server.
func (k Kind) FromClient() bool {
	switch k {
	case KindRequest, KindStartStream, KindCancelStream, KindNotify:
		return true
	}
	return false
}

// FromServer reports whether packets of this kind travel server → client.
func (k Kind) FromServer() bool {
	return k.Known() && !k.FromClient()
}

// Terminal reports whether a packet of this kind ends the life of its id.
func (k Kind) Terminal() bool {
	switch k {
	case KindResponse, KindError, KindStreamEnded, KindStreamCancelled:
		return true
	}
	return false
}

// Packet is one message on the wire. Packets are treated as immutable once sent.
type Packet struct {
	Kind   Kind              `json:"kind"`
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// wirePacket mirrors Packet with pointer fields so that presence survives decoding.
type wirePacket struct {
	Kind   *string            `json:"kind"`
	ID     *string            `json:"id,omitempty"`
	Method *string            `json:"method,omitempty"`
	Args   *[]json.RawMessage `json:"args,omitempty"`
	Data   json.RawMessage    `json:"data,omitempty"`
	Error  *string            `json:"error,omitempty"`
}

var null = json.RawMessage("null")

// MarshalJSON writes only the fields that belong to the packet's kind.
func (p *Packet) MarshalJSON() ([]byte, error) {
	kind := string(p.Kind)
	w := wirePacket{Kind: &kind}
	if p.ID != "" {
		w.ID = &p.ID
	}
	switch p.Kind {
	case KindRequest, KindStartStream, KindNotify:
		w.Method = &p.Method
		args := p.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		w.Args = &args
	case KindResponse, KindStreamData:
		w.Data = p.Data
		if len(w.Data) == 0 {
			w.Data = null
		}
	case KindError:
		w.Error = &p.Error
	}
	return json.Marshal(w)
}

// String renders the packet for logs.
func (p *Packet) String() string {
	switch p.Kind {
	case KindRequest, KindStartStream, KindNotify:
		return fmt.Sprintf("%s(%s %s, %d args)", p.Kind, p.ID, p.Method, len(p.Args))
	case KindError:
		return fmt.Sprintf("%s(%s %q)", p.Kind, p.ID, p.Error)
	default:
		return fmt.Sprintf("%s(%s)", p.Kind, p.ID)
	}
}

// NewID returns a fresh correlation id: 15 random decimal digits, zero padded.
func NewID() string {
	return fmt.Sprintf("%015d", rand.Int64N(1_000_000_000_000_000))
}

func NewRequest(id, method string, args []json.RawMessage) *Packet {
	return &Packet{Kind: KindRequest, ID: id, Method: method, Args: nonNil(args)}
}

func NewNotify(method string, args []json.RawMessage) *Packet {
	return &Packet{Kind: KindNotify, Method: method, Args: nonNil(args)}
}

func NewStartStream(id, method string, args []json.RawMessage) *Packet {
	return &Packet{Kind: KindStartStream, ID: id, Method: method, Args: nonNil(args)}
}

func NewResponse(id string, data json.RawMessage) *Packet {
	return &Packet{Kind: KindResponse, ID: id, Data: data}
}

func NewError(id, encoded string) *Packet {
	return &Packet{Kind: KindError, ID: id, Error: encoded}
}

func NewStreamStarted(id string) *Packet {
	return &Packet{Kind: KindStreamStarted, ID: id}
}

func NewStreamData(id string, data json.RawMessage) *Packet {
	return &Packet{Kind: KindStreamData, ID: id, Data: data}
}

func NewStreamEnded(id string) *Packet {
	return &Packet{Kind: KindStreamEnded, ID: id}
}

func NewStreamCancelled(id string) *Packet {
	return &Packet{Kind: KindStreamCancelled, ID: id}
}

func NewCancelStream(id string) *Packet {
	return &Packet{Kind: KindCancelStream, ID: id}
}

func nonNil(args []json.RawMessage) []json.RawMessage {
	if args == nil {
		return []json.RawMessage{}
	}
	return args
}
