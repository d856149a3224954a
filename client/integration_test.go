package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"streamrpc/errcodec"
	"streamrpc/loadbalance"
	"streamrpc/middleware"
	"streamrpc/registry"
	"streamrpc/server"
)

// startAdvertised runs a server with the usual middleware stack and advertises it in reg.
func startAdvertised(t *testing.T, reg registry.Registry, log *zap.Logger) *server.Server {
	t.Helper()
	methods, streams, err := server.Service(testService{})
	require.NoError(t, err)
	svr := server.NewServer(methods, streams, server.WithLogger(log))
	svr.Use(middleware.LoggingMiddleware(log))
	svr.Use(middleware.RateLimitMiddleware(1000, 1000))
	svr.Use(middleware.TimeoutMiddleware(time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()
	inst := registry.ServiceInstance{Addr: ln.Addr().String(), Weight: 10, Version: "1.0"}
	require.NoError(t, svr.Advertise(context.Background(), reg, "Arith", inst, 10))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, svr.Shutdown(ctx))
		assert.NoError(t, <-served)
	})
	return svr
}

// runIntegration drives the whole chain:
// DialService → registry → balancer → TCP conn → frame protocol → middleware → dispatcher.
func runIntegration(t *testing.T, reg registry.Registry) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	startAdvertised(t, reg, log)
	startAdvertised(t, reg, log)

	ctx := context.Background()
	bal := &loadbalance.RoundRobin{}
	for i := 1; i <= 10; i++ {
		c, err := DialService(ctx, reg, bal, "Arith", WithErrorRegistry(testErrors()))
		require.NoError(t, err)

		api := NewFacade(c, []string{"add", "divide"}, []string{"streamIntegers"})
		sum, err := Bind[int](api, "add")(ctx, i, i*10)
		require.NoError(t, err)
		assert.Equal(t, i+i*10, sum)

		_, err = api.Call("divide")(ctx, i, 0)
		var myErr *MyError
		assert.ErrorAs(t, err, &myErr)

		st, err := api.Stream("streamIntegers")(ctx, 0, i)
		require.NoError(t, err)
		n := 0
		for _, err := range st.All(ctx) {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, i, n)
		require.NoError(t, c.Close())
	}

	assert.Equal(t, 10, logs.FilterMessage("call").Len())
	assert.Equal(t, 10, logs.FilterMessage("call failed").Len())
}

func TestIntegrationMemoryRegistry(t *testing.T) {
	runIntegration(t, registry.NewMemoryRegistry())
}

func TestIntegrationEtcd(t *testing.T) {
	const endpoint = "127.0.0.1:2379"
	conn, err := net.DialTimeout("tcp", endpoint, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", endpoint, err)
	}
	conn.Close()

	reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
		Endpoints: []string{endpoint},
		Prefix:    "/streamrpc-test/integration/",
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	runIntegration(t, reg)
}

func TestIntegrationRateLimited(t *testing.T) {
	methods, streams, err := server.Service(testService{})
	require.NoError(t, err)
	svr := server.NewServer(methods, streams, server.WithMiddleware(middleware.RateLimitMiddleware(0.001, 1)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(ln)
	defer svr.Shutdown(context.Background())

	c, err := Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), "add", 1, 1)
	require.NoError(t, err)
	_, err = c.Request(context.Background(), "add", 1, 1)
	var limited *errcodec.RateLimitedError
	assert.ErrorAs(t, err, &limited)
}
