// Package transport defines the packet channel an RpcClient and an RpcServer run on, and the
// implementations shipped with the library.
//
// A Transport is ordered, bidirectional and closable:
//
//	Send(p) ──→ peer's OnReceive callbacks, in the order this side sent them
//	Close() ──→ this side closes, the peer closes soon after, OnClose fires once on each side
//
// Incoming packets are handed to callbacks from one delivery goroutine per transport, so a
// callback never runs concurrently with another callback of the same transport. Packets that
// arrived before a close are still delivered; OnClose callbacks run after the last of them.
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"streamrpc/internal/queue"
	"streamrpc/message"
)

// ErrClosed is returned by Send once the transport is closed.
var ErrClosed = errors.New("transport: closed")

type Transport interface {
	// Send queues p for the peer. It never reopens a closed transport.
	Send(ctx context.Context, p *message.Packet) error
	// OnReceive registers fn for every incoming packet.
	OnReceive(fn func(*message.Packet)) (unsubscribe func())
	// Close is idempotent.
	Close() error
	// OnClose registers fn to run once when the transport has closed. If it already has,
	// fn runs immediately.
	OnClose(fn func()) (unsubscribe func())
	IsClosed() bool
}

// base holds the bookkeeping every transport shares: subscriptions, the inbox and its
// delivery goroutine, and the close-once state.
type base struct {
	log   *zap.Logger
	inbox *queue.Queue[*message.Packet]

	mu         sync.Mutex
	closed     bool
	closeFired bool
	nextSub    int
	receivers  map[int]func(*message.Packet)
	closers    map[int]func()
	ready      chan struct{} // closed when the first receiver subscribes
	done       chan struct{} // closed when the transport closes
}

func newBase(log *zap.Logger) *base {
	if log == nil {
		log = zap.NewNop()
	}
	b := &base{
		log:       log,
		inbox:     queue.New[*message.Packet](),
		receivers: make(map[int]func(*message.Packet)),
		closers:   make(map[int]func()),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.deliverLoop()
	return b
}

func (b *base) OnReceive(fn func(*message.Packet)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.receivers[id] = fn
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	return func() {
		b.mu.Lock()
		delete(b.receivers, id)
		b.mu.Unlock()
	}
}

func (b *base) OnClose(fn func()) func() {
	b.mu.Lock()
	if b.closeFired {
		b.mu.Unlock()
		fn()
		return func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.closers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.closers, id)
		b.mu.Unlock()
	}
}

func (b *base) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// deliver hands p to the delivery goroutine. It reports false once the transport is closed.
func (b *base) deliver(p *message.Packet) bool {
	return b.inbox.Push(p)
}

// shutdown marks the transport closed. Only the first call reports true; the caller that
// gets true owns releasing the underlying resources.
func (b *base) shutdown() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.inbox.Close()
	return true
}

func (b *base) deliverLoop() {
	select {
	case <-b.ready:
	case <-b.done:
	}
	for {
		p, ok, _ := b.inbox.Pop(context.Background())
		if !ok {
			break
		}
		for _, fn := range b.snapshotReceivers() {
			fn(p)
		}
	}
	b.fireClose()
}

func (b *base) snapshotReceivers() []func(*message.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int, 0, len(b.receivers))
	for id := range b.receivers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*message.Packet), len(ids))
	for i, id := range ids {
		fns[i] = b.receivers[id]
	}
	return fns
}

func (b *base) fireClose() {
	b.mu.Lock()
	ids := make([]int, 0, len(b.closers))
	for id := range b.closers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = b.closers[id]
	}
	b.closers = nil
	b.closeFired = true
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
