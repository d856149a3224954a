package server

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"streamrpc/codec"
	"streamrpc/message"
	"streamrpc/registry"
	"streamrpc/transport"
)

func startServer(t *testing.T, opts ...Option) (*Server, <-chan error) {
	t.Helper()
	methods, streams := testRegistries()
	svr := NewServer(methods, streams, opts...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()
	require.Eventually(t, func() bool { return svr.Addr() != nil }, time.Second, time.Millisecond)
	return svr, served
}

func dialConn(t *testing.T, addr string, opts transport.ConnOptions) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c, err := transport.NewConn(conn, opts)
	require.NoError(t, err)
	return newPeer(c)
}

func shutdown(t *testing.T, svr *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svr.Shutdown(ctx))
}

func TestServerTCP(t *testing.T) {
	defer goleak.VerifyNone(t)

	svr, served := startServer(t, WithConnOptions(transport.ConnOptions{Codec: codec.CodecTypeBinary}))
	client := dialConn(t, svr.Addr().String(), transport.ConnOptions{Codec: codec.CodecTypeBinary})

	client.send(t, message.NewRequest("1", "add", raw(t, 40, 2)))
	p := client.in.next(t)
	assert.Equal(t, message.KindResponse, p.Kind)
	assert.JSONEq(t, "42", string(p.Data))

	client.send(t, message.NewStartStream("2", "streamIntegers", raw(t, 3)))
	kinds := []message.Kind{}
	for i := 0; i < 5; i++ {
		kinds = append(kinds, client.in.next(t).Kind)
	}
	assert.Equal(t, []message.Kind{
		message.KindStreamStarted,
		message.KindStreamData, message.KindStreamData, message.KindStreamData,
		message.KindStreamEnded,
	}, kinds)
	assert.Equal(t, 1, svr.Sessions())

	shutdown(t, svr)
	assert.NoError(t, <-served)
	require.Eventually(t, client.IsClosed, time.Second, 5*time.Millisecond)
	assert.Zero(t, svr.Sessions())
}

func TestServerSessionEndsWithConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	svr, served := startServer(t)
	client := dialConn(t, svr.Addr().String(), transport.ConnOptions{})
	require.Eventually(t, func() bool { return svr.Sessions() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return svr.Sessions() == 0 }, time.Second, time.Millisecond)

	shutdown(t, svr)
	assert.NoError(t, <-served)
}

func TestServerAdvertise(t *testing.T) {
	defer goleak.VerifyNone(t)

	svr, served := startServer(t)
	reg := registry.NewMemoryRegistry()
	inst := registry.ServiceInstance{Addr: svr.Addr().String(), Weight: 1}
	require.NoError(t, svr.Advertise(context.Background(), reg, "Arith", inst, 10))

	got, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceInstance{inst}, got)

	shutdown(t, svr)
	assert.NoError(t, <-served)
	got, err = reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestServerHTTPSession(t *testing.T) {
	methods, streams := testRegistries()
	svr := NewServer(methods, streams)
	opts := transport.HTTPOptions{Interval: 10 * time.Millisecond}
	h, err := svr.NewHTTPSession(opts)
	require.NoError(t, err)
	hs := httptest.NewServer(h)
	defer hs.Close()

	client := newPeer(transport.DialHTTP(hs.URL, opts))
	defer client.Close()

	client.send(t, message.NewRequest("1", "add", raw(t, 1, 1)))
	p := client.in.next(t)
	assert.JSONEq(t, "2", string(p.Data))

	shutdown(t, svr)
	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)

	_, err = svr.NewHTTPSession(opts)
	assert.Error(t, err)
}
