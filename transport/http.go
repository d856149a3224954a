package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"streamrpc/message"
	"streamrpc/protocol"
)

// HTTPOptions configures both halves of the HTTP poll transport.
type HTTPOptions struct {
	// Interval between polls when the client has nothing to send. Default 3s.
	Interval time.Duration
	// MaxFailures is the number of consecutive failed polls after which the client gives up
	// and closes. Default 5.
	MaxFailures int
	// IdleTimeout closes a server session that has not been polled for this long.
	// Default 10 × Interval.
	IdleTimeout time.Duration
	// Client is the HTTP client used for polling. Default http.DefaultClient.
	Client *http.Client
	Logger *zap.Logger
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * o.Interval
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

var errGone = errors.New("transport: http session gone")

// HTTPServer is the server half of the poll transport for a single peer. Mount it on any
// route:
//
//	POST   body = JSON array of packets for the server; reply = JSON array of queued packets
//	GET    reply = JSON array of queued packets
//	DELETE the peer is closing
//
// Once closed, every request is answered with 410 Gone, which is how the peer learns of it.
type HTTPServer struct {
	*base
	opts HTTPOptions

	mu       sync.Mutex
	outbox   []*message.Packet
	lastPoll time.Time
}

func NewHTTPServer(opts HTTPOptions) *HTTPServer {
	opts = opts.withDefaults()
	t := &HTTPServer{
		base:     newBase(opts.Logger.Named("http.server")),
		opts:     opts,
		lastPoll: time.Now(),
	}
	go t.watchdog()
	return t
}

func (t *HTTPServer) Send(ctx context.Context, p *message.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.IsClosed() {
		return ErrClosed
	}
	t.outbox = append(t.outbox, p)
	return nil
}

func (t *HTTPServer) Close() error {
	if t.shutdown() {
		t.mu.Lock()
		if n := len(t.outbox); n > 0 {
			t.log.Warn("closing with undelivered packets", zap.Int("dropped", n))
		}
		t.outbox = nil
		t.mu.Unlock()
	}
	return nil
}

func (t *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.IsClosed() {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	t.mu.Lock()
	t.lastPoll = time.Now()
	t.mu.Unlock()

	switch r.Method {
	case http.MethodDelete:
		t.Close()
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, protocol.MaxBodySize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			packets, err := message.UnmarshalBatch(body, func(err error) {
				t.log.Warn("dropping invalid packet", zap.Error(err))
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			for _, p := range packets {
				t.deliver(p)
			}
		}
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t.mu.Lock()
	batch := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := encodeBatch(buf, batch); err != nil {
		t.log.Error("encoding batch", zap.Error(err), zap.Int("dropped", len(batch)))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.B)
}

func (t *HTTPServer) watchdog() {
	ticker := time.NewTicker(t.opts.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastPoll)
			t.mu.Unlock()
			if idle > t.opts.IdleTimeout {
				t.log.Warn("peer stopped polling", zap.Duration("idle", idle))
				t.Close()
				return
			}
		}
	}
}

// HTTPClient is the client half of the poll transport. Queued packets are posted at once;
// otherwise the server is polled every Interval.
//
// Delivery is at most once: a batch whose POST fails is dropped with a warning, since the
// server may already have received it.
type HTTPClient struct {
	*base
	url    string
	opts   HTTPOptions
	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}

	mu     sync.Mutex
	outbox []*message.Packet
}

// DialHTTP starts polling url. It does not wait for the first exchange.
func DialHTTP(url string, opts HTTPOptions) *HTTPClient {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTPClient{
		base:   newBase(opts.Logger.Named("http.client").With(zap.String("url", url))),
		url:    url,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}
	go t.pollLoop()
	return t
}

func (t *HTTPClient) Send(ctx context.Context, p *message.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.IsClosed() {
		t.mu.Unlock()
		return ErrClosed
	}
	t.outbox = append(t.outbox, p)
	t.mu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close stops polling and tells the server, best effort, that this side is gone.
func (t *HTTPClient) Close() error {
	return t.closeWith(true)
}

func (t *HTTPClient) closeWith(notify bool) error {
	if !t.shutdown() {
		return nil
	}
	t.cancel()
	if !notify {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		t.log.Debug("close not delivered", zap.Error(err))
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (t *HTTPClient) pollLoop() {
	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    100 * time.Millisecond,
		Max:    t.opts.Interval,
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	failures := 0

	for {
		select {
		case <-t.done:
			return
		case <-t.kick:
		case <-timer.C:
		}

		batch := t.takeOutbox()
		err := t.exchange(batch)
		if t.IsClosed() {
			return
		}
		if err == nil {
			failures = 0
			b.Reset()
			timer.Reset(t.opts.Interval)
			continue
		}
		if errors.Is(err, errGone) {
			t.log.Debug("server closed the session")
			t.closeWith(false)
			return
		}

		failures++
		if len(batch) > 0 {
			t.log.Warn("poll failed, packets lost", zap.Error(err), zap.Int("dropped", len(batch)))
		} else {
			t.log.Warn("poll failed", zap.Error(err), zap.Int("failures", failures))
		}
		if failures >= t.opts.MaxFailures {
			t.log.Warn("giving up on server", zap.Int("failures", failures))
			t.closeWith(false)
			return
		}
		timer.Reset(b.Duration())
	}
}

func (t *HTTPClient) takeOutbox() []*message.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.outbox
	t.outbox = nil
	return batch
}

// exchange posts batch and delivers whatever the server had queued.
func (t *HTTPClient) exchange(batch []*message.Packet) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := encodeBatch(buf, batch); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.url, bytes.NewReader(buf.B))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return errGone
	default:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("poll: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxBodySize))
	if err != nil {
		return err
	}
	packets, err := message.UnmarshalBatch(body, func(err error) {
		t.log.Warn("dropping invalid packet", zap.Error(err))
	})
	if err != nil {
		return err
	}
	for _, p := range packets {
		t.deliver(p)
	}
	return nil
}

func encodeBatch(w io.Writer, batch []*message.Packet) error {
	if batch == nil {
		batch = []*message.Packet{}
	}
	return json.NewEncoder(w).Encode(batch)
}
