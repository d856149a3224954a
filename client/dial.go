package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"streamrpc/loadbalance"
	"streamrpc/registry"
	"streamrpc/transport"
)

// Dial connects to addr and returns a client on the new transport. An http:// or https://
// address uses the poll transport, anything else the framed TCP transport.
func Dial(ctx context.Context, addr string, opts ...Option) (*RpcClient, error) {
	return dial(ctx, addr, buildOptions(opts))
}

func dial(ctx context.Context, addr string, o *options) (*RpcClient, error) {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return newRpcClient(transport.DialHTTP(addr, o.http), o), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t, err := transport.NewConn(conn, o.conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newRpcClient(t, o), nil
}

func dialInstance(ctx context.Context, inst registry.ServiceInstance, o *options) (*RpcClient, error) {
	switch inst.Network() {
	case registry.ProtocolTCP:
		return dial(ctx, strings.TrimPrefix(inst.Addr, "tcp://"), o)
	case registry.ProtocolHTTP:
		addr := inst.Addr
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = "http://" + addr
		}
		return dial(ctx, addr, o)
	default:
		return nil, fmt.Errorf("instance %s: unsupported protocol %q", inst.Addr, inst.Protocol)
	}
}

// DialService discovers the instances of service, lets balancer pick one and dials it. A
// failed attempt is retried, with a fresh discovery and pick, after a backoff delay, up to
// WithMaxAttempts attempts in all.
func DialService(ctx context.Context, reg registry.Registry, balancer loadbalance.Balancer, service string, opts ...Option) (*RpcClient, error) {
	o := buildOptions(opts)
	log := o.log.Named("dial").With(zap.String("service", service), zap.String("balancer", balancer.Name()))
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var errs error
	for attempt := 1; ; attempt++ {
		c, err := dialOnce(ctx, reg, balancer, service, o)
		if err == nil {
			return c, nil
		}
		errs = multierr.Append(errs, err)
		if attempt >= o.maxAttempts {
			return nil, fmt.Errorf("dialing %s: %w", service, errs)
		}

		delay := b.Duration()
		log.Warn("dial failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, multierr.Append(errs, ctx.Err())
		}
	}
}

func dialOnce(ctx context.Context, reg registry.Registry, balancer loadbalance.Balancer, service string, o *options) (*RpcClient, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	inst, err := balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	return dialInstance(ctx, inst, o)
}
