package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamrpc/codec"
	"streamrpc/message"
	"streamrpc/protocol"
)

// ConnOptions configures a Conn. Zero values take the defaults noted on each field.
type ConnOptions struct {
	Codec             codec.CodecType // JSON
	HeartbeatInterval time.Duration   // 30s
	IdleTimeout       time.Duration   // 3 × HeartbeatInterval; no frame for this long closes the conn
	WriteTimeout      time.Duration   // 10s, applied when the caller's ctx has no deadline
	Logger            *zap.Logger
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3 * o.HeartbeatInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Conn runs the packet protocol over a byte stream such as a TCP connection.
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ one net.Conn ──→ peer
//	heartbeatLoop ──────┘
//
//	recvLoop: ←── frame → decode → inbox → OnReceive callbacks
//
// Both ends of a connection use a Conn; there is no client or server flavour.
type Conn struct {
	*base
	conn    net.Conn
	codec   codec.Codec
	opts    ConnOptions
	sending sync.Mutex // whole frames only: header and body of two packets must never interleave
}

// NewConn wraps conn and starts its receive and heartbeat goroutines.
func NewConn(conn net.Conn, opts ConnOptions) (*Conn, error) {
	opts = opts.withDefaults()
	cdc, err := codec.GetCodec(opts.Codec)
	if err != nil {
		return nil, err
	}
	t := &Conn{
		base:  newBase(opts.Logger.Named("conn").With(zap.Stringer("remote", conn.RemoteAddr()))),
		conn:  conn,
		codec: cdc,
		opts:  opts,
	}
	go t.recvLoop()
	go t.heartbeatLoop()
	return t, nil
}

func (t *Conn) Send(ctx context.Context, p *message.Packet) error {
	if t.IsClosed() {
		return ErrClosed
	}
	body, err := t.codec.Encode(p)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.opts.WriteTimeout)
	}
	if err := t.writeFrame(protocol.FramePacket, body, deadline); err != nil {
		// A partial frame leaves the stream unusable.
		t.Close()
		return errors.Join(ErrClosed, err)
	}
	return nil
}

// Close sends a close frame so the peer shuts down at once instead of waiting for EOF,
// then closes the connection.
func (t *Conn) Close() error {
	if !t.shutdown() {
		return nil
	}
	if err := t.writeFrame(protocol.FrameClose, nil, time.Now().Add(time.Second)); err != nil {
		t.log.Debug("close frame not sent", zap.Error(err))
	}
	return t.conn.Close()
}

// RemoteAddr returns the peer's network address.
func (t *Conn) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *Conn) writeFrame(ft protocol.FrameType, body []byte, deadline time.Time) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	t.conn.SetWriteDeadline(deadline)
	header := &protocol.Header{
		CodecType: byte(t.codec.Type()),
		FrameType: ft,
		BodyLen:   uint32(len(body)),
	}
	return protocol.Encode(t.conn, header, body)
}

// recvLoop is the only reader of the connection; frame boundaries can only be found by
// reading sequentially.
func (t *Conn) recvLoop() {
	defer t.Close()
	for {
		t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			if !t.IsClosed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Warn("connection read failed", zap.Error(err))
			}
			return
		}

		switch header.FrameType {
		case protocol.FrameHeartbeat:
			continue
		case protocol.FrameClose:
			t.log.Debug("peer closed the connection")
			return
		}

		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			t.log.Warn("dropping frame", zap.Error(err))
			continue
		}
		p, err := cdc.Decode(body)
		if err != nil {
			t.log.Warn("dropping invalid packet", zap.Error(err))
			continue
		}
		if !t.deliver(p) {
			return
		}
	}
}

func (t *Conn) heartbeatLoop() {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.writeFrame(protocol.FrameHeartbeat, nil, time.Now().Add(t.opts.WriteTimeout)); err != nil {
				return // recvLoop notices the broken connection
			}
		}
	}
}
