package transport

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"streamrpc/codec"
	"streamrpc/message"
	"streamrpc/protocol"
)

func connPair(t *testing.T, opts ConnOptions) (*Conn, *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	a, err := NewConn(c1, opts)
	require.NoError(t, err)
	b, err := NewConn(c2, opts)
	require.NoError(t, err)
	return a, b
}

func TestConnRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			a, b := connPair(t, ConnOptions{Codec: ct})
			got := collect(b)

			for i := 0; i < 10; i++ {
				p := message.NewRequest(strconv.Itoa(i), "add", []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")})
				require.NoError(t, a.Send(context.Background(), p))
			}
			for i := 0; i < 10; i++ {
				select {
				case p := <-got:
					require.Equal(t, strconv.Itoa(i), p.ID)
					require.Equal(t, "add", p.Method)
					require.Len(t, p.Args, 2)
				case <-time.After(2 * time.Second):
					t.Fatalf("packet %d not delivered", i)
				}
			}

			bDone, _ := closedSignal(b)
			aDone, _ := closedSignal(a)
			require.NoError(t, a.Close())
			waitClosed(t, bDone)
			waitClosed(t, aDone)
			require.ErrorIs(t, b.Send(context.Background(), message.NewStreamEnded("1")), ErrClosed)
		})
	}
}

func TestConnHeartbeatKeepsIdleConnOpen(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := ConnOptions{HeartbeatInterval: 20 * time.Millisecond, IdleTimeout: 100 * time.Millisecond}
	a, b := connPair(t, opts)
	time.Sleep(300 * time.Millisecond)
	require.False(t, a.IsClosed())
	require.False(t, b.IsClosed())

	done, _ := closedSignal(b)
	a.Close()
	waitClosed(t, done)
}

func TestConnIdleTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	c1, c2 := net.Pipe()
	defer c2.Close()
	// The far end never writes, so the read deadline expires.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := c2.Read(buf); err != nil {
				return
			}
		}
	}()
	a, err := NewConn(c1, ConnOptions{HeartbeatInterval: time.Hour, IdleTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	done, _ := closedSignal(a)
	waitClosed(t, done)
}

func TestConnDropsInvalidPacket(t *testing.T) {
	defer goleak.VerifyNone(t)

	c1, c2 := net.Pipe()
	b, err := NewConn(c2, ConnOptions{})
	require.NoError(t, err)
	got := collect(b)

	// A well-framed but invalid packet is dropped without closing the connection.
	require.NoError(t, protocol.Encode(c1, &protocol.Header{FrameType: protocol.FramePacket}, []byte(`{"kind":"BOGUS"}`)))
	require.NoError(t, protocol.Encode(c1, &protocol.Header{FrameType: protocol.FramePacket}, []byte(`{"kind":"STREAM_ENDED","id":"7"}`)))

	select {
	case p := <-got:
		require.Equal(t, "7", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid packet not delivered")
	}
	require.False(t, b.IsClosed())

	done, _ := closedSignal(b)
	c1.Close()
	waitClosed(t, done)
}

func TestConnOverTCP(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		tc, _ := NewConn(c, ConnOptions{Codec: codec.CodecTypeBinary})
		accepted <- tc
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client, err := NewConn(raw, ConnOptions{})
	require.NoError(t, err)
	server := <-accepted
	got := collect(server)
	replies := collect(client)

	require.NoError(t, client.Send(context.Background(), message.NewStartStream("9", "tick", nil)))
	p := <-got
	require.Equal(t, message.KindStartStream, p.Kind)
	require.NoError(t, server.Send(context.Background(), message.NewStreamStarted("9")))
	require.Equal(t, message.KindStreamStarted, (<-replies).Kind)

	done, _ := closedSignal(client)
	server.Close()
	waitClosed(t, done)
}
