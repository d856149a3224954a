package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"streamrpc/message"
	"streamrpc/transport"
)

// RpcServer serves one transport: every incoming packet is validated and handed to the
// Dispatcher, and everything the Dispatcher emits goes back out on the same transport.
// Between packets its only state is the Dispatcher's running-stream set.
type RpcServer struct {
	transport  transport.Transport
	dispatcher *Dispatcher
	validate   message.Validator
	log        *zap.Logger

	ctx    context.Context // cancelled when the transport closes
	cancel context.CancelFunc
	unsubs []func()
}

// NewRpcServer starts serving t with the given registries. Both maps are copied.
func NewRpcServer(t transport.Transport, methods Methods, streams Streams, opts ...Option) *RpcServer {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	s := &RpcServer{
		transport:  t,
		dispatcher: newDispatcher(methods, streams, o),
		validate:   o.validate,
		log:        o.log.Named("server"),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.unsubs = append(s.unsubs, t.OnClose(s.onClose), t.OnReceive(s.handle))
	return s
}

func (s *RpcServer) handle(p *message.Packet) {
	if err := s.validate(p); err != nil {
		s.log.Warn("dropping invalid packet", zap.Error(err))
		return
	}
	if !p.Kind.FromClient() {
		s.log.Warn("dropping packet sent in the wrong direction", zap.Stringer("packet", p))
		return
	}
	s.dispatcher.Dispatch(s.ctx, p, s.emit)
}

func (s *RpcServer) emit(p *message.Packet) {
	if err := s.transport.Send(context.Background(), p); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			s.log.Debug("reply dropped, transport closed", zap.Stringer("packet", p))
			return
		}
		s.log.Warn("reply not sent", zap.Stringer("packet", p), zap.Error(err))
	}
}

func (s *RpcServer) onClose() {
	s.cancel()
	s.dispatcher.CancelAll()
}

// Dispatcher exposes the dispatcher, e.g. to inspect the running-stream set.
func (s *RpcServer) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Close closes the transport. Running streams are cancelled and in-flight calls see their
// context end; use Shutdown to also wait for them.
func (s *RpcServer) Close() error {
	return s.transport.Close()
}

// Shutdown closes the transport and waits for in-flight calls and producers to return,
// including methods that a TimeoutMiddleware has already answered for.
func (s *RpcServer) Shutdown(ctx context.Context) error {
	err := s.Close()
	// The transport cancels our context from its delivery goroutine; do it here too so
	// Wait does not depend on that goroutine having run.
	s.onClose()
	for _, unsub := range s.unsubs {
		unsub()
	}
	if werr := s.dispatcher.Wait(ctx); werr != nil {
		return werr
	}
	return err
}
