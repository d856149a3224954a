package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"streamrpc/loadbalance"
	"streamrpc/registry"
)

// ErrPoolClosed is returned by Get once the pool has been closed.
var ErrPoolClosed = errors.New("client: pool closed")

// DialFunc creates a client, e.g. by wrapping Dial or DialService.
type DialFunc func(ctx context.Context) (*RpcClient, error)

// Pool spreads calls over up to size clients, handing them out in turn. Clients are dialed
// lazily, and one whose transport has closed is redialed by the Get that finds it.
//
// Every client already carries any number of concurrent calls, so there is nothing to give
// back after Get.
type Pool struct {
	dial DialFunc

	mu      sync.Mutex
	clients []*RpcClient
	next    int
	closed  bool
}

func NewPool(size int, dial DialFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{dial: dial, clients: make([]*RpcClient, size)}
}

// NewServicePool is a Pool whose clients come from DialService, so each slot may be
// connected to a different instance of service.
func NewServicePool(size int, reg registry.Registry, balancer loadbalance.Balancer, service string, opts ...Option) *Pool {
	return NewPool(size, func(ctx context.Context) (*RpcClient, error) {
		return DialService(ctx, reg, balancer, service, opts...)
	})
}

// Get returns the next client in turn, dialing it first if its slot is empty or closed.
func (p *Pool) Get(ctx context.Context) (*RpcClient, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	slot := p.next % len(p.clients)
	p.next++
	if c := p.clients[slot]; c != nil && !c.IsClosed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	// Dial without the lock; a concurrent Get may fill the slot first.
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return nil, ErrPoolClosed
	}
	if cur := p.clients[slot]; cur != nil && !cur.IsClosed() {
		c.Close()
		return cur, nil
	}
	p.clients[slot] = c
	return c, nil
}

// Request runs one call on the next client.
func (p *Pool) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, method, args...)
}

// Len returns the number of open clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clients {
		if c != nil && !c.IsClosed() {
			n++
		}
	}
	return n
}

// Close closes every client. Later calls to Get fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make([]*RpcClient, len(clients))
	p.closed = true
	p.mu.Unlock()

	var errs error
	for _, c := range clients {
		if c != nil {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
