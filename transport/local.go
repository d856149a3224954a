package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"streamrpc/message"
)

// Local is one end of an in-process pair. Packets are handed to the peer without encoding;
// each one is copied so the two sides never share slices.
type Local struct {
	*base
	peer *Local
}

// Pair returns two transports wired to each other: what one sends the other receives.
// Closing either closes both.
func Pair() (*Local, *Local) {
	return PairWithLogger(nil)
}

func PairWithLogger(log *zap.Logger) (*Local, *Local) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Local{base: newBase(log.Named("local.a"))}
	b := &Local{base: newBase(log.Named("local.b"))}
	a.peer, b.peer = b, a
	return a, b
}

func (t *Local) Send(ctx context.Context, p *message.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.IsClosed() || !t.peer.deliver(clonePacket(p)) {
		return ErrClosed
	}
	return nil
}

func (t *Local) Close() error {
	if t.shutdown() {
		t.peer.Close()
	}
	return nil
}

func clonePacket(p *message.Packet) *message.Packet {
	c := *p
	if p.Args != nil {
		c.Args = make([]json.RawMessage, len(p.Args))
		for i, a := range p.Args {
			c.Args[i] = append(json.RawMessage(nil), a...)
		}
	}
	if p.Data != nil {
		c.Data = append(json.RawMessage(nil), p.Data...)
	}
	return &c
}
