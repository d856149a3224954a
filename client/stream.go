package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"

	"streamrpc/internal/queue"
	"streamrpc/message"
	"streamrpc/transport"
)

// ErrStreamCancelled is returned by Next once a stream has been cancelled, locally or by the
// server confirming a cancellation.
var ErrStreamCancelled = errors.New("stream cancelled")

// StreamState is where a stream is in its life.
type StreamState int

const (
	StreamStarting StreamState = iota // START_STREAM sent, no reply yet
	StreamRunning                     // STREAM_STARTED received
	StreamDone                        // ended, failed or cancelled
)

func (s StreamState) String() string {
	switch s {
	case StreamStarting:
		return "starting"
	case StreamRunning:
		return "running"
	case StreamDone:
		return "done"
	}
	return "unknown"
}

// Stream is the client's handle on one server-side stream. Items are buffered as they arrive
// and read with Next or All by a single consumer.
type Stream struct {
	id     string
	client *RpcClient
	items  *queue.Queue[json.RawMessage]

	started   chan struct{}
	startOnce sync.Once
	done      chan struct{} // closed by the terminal packet or the transport closing
	doneOnce  sync.Once

	mu    sync.Mutex
	state StreamState
	err   error // what Next returns after the last item
}

func newStream(id string, c *RpcClient) *Stream {
	return &Stream{
		id:      id,
		client:  c,
		items:   queue.New[json.RawMessage](),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the id the stream travels under.
func (s *Stream) ID() string { return s.id }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Started is closed when the server has confirmed the stream, or when it ended without
// doing so.
func (s *Stream) Started() <-chan struct{} { return s.started }

// Done is closed when the stream is over on the server's side too: its terminal packet
// arrived or the transport closed. After a local Cancel it closes once the server confirms.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Next returns the next item. After the last one it returns io.EOF if the stream ended
// normally, ErrStreamCancelled if it was cancelled, and the decoded error if it failed.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	item, ok, err := s.items.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	}
	return item, nil
}

// All ranges over the items. A failure is yielded once as the final pair; a normal end
// stops the iteration without one. Breaking out of the loop cancels the stream.
func (s *Stream) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				s.Cancel(context.WithoutCancel(ctx))
				return
			}
		}
	}
}

// Cancel ends the stream locally at once: buffered items are discarded and Next returns
// ErrStreamCancelled. CANCEL_STREAM is then sent without waiting for the confirmation,
// which Done reports. Cancelling a finished stream does nothing.
func (s *Stream) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StreamDone {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamDone
	s.err = ErrStreamCancelled
	s.mu.Unlock()
	s.items.Discard()

	err := s.client.transport.Send(ctx, message.NewCancelStream(s.id))
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (s *Stream) start() {
	s.mu.Lock()
	if s.state == StreamStarting {
		s.state = StreamRunning
	}
	s.mu.Unlock()
	s.startOnce.Do(func() { close(s.started) })
}

func (s *Stream) push(item json.RawMessage) {
	s.start()
	// Refused once the stream is done, which is how items after a Cancel are dropped.
	s.items.Push(item)
}

// end records how the stream finished; nil means a normal end.
func (s *Stream) end(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	if s.state != StreamDone {
		s.state = StreamDone
		s.err = err
	}
	s.mu.Unlock()
	s.items.Close()
	s.startOnce.Do(func() { close(s.started) })
	s.doneOnce.Do(func() { close(s.done) })
}
