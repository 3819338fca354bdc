package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// Handler receives a message delivered on subject.
type Handler func(ctx context.Context, subject string, data []byte)

// Conn is a live bus connection.
type Conn interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj string, fn Handler) (io.Closer, error)
	// Closed is closed once the connection is gone for good.
	Closed() <-chan struct{}
	Close()
}

// Bus wraps a core NATS connection for fire-and-forget publishing and
// wildcard subscriptions.
type Bus struct {
	conn      *nats.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	b := &Bus{closed: make(chan struct{})}
	opts = append(opts, nats.ClosedHandler(func(*nats.Conn) { b.markClosed() }))

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b.conn = nc
	return b, nil
}

func (b *Bus) markClosed() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Closed is closed when the connection terminates.
func (b *Bus) Closed() <-chan struct{} { return b.closed }

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.conn.Publish(subj, data)
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Unsubscribe()
}

// Subscribe invokes fn for each message on subj, which may contain
// wildcards. The subscription ends when ctx does.
func (b *Bus) Subscribe(ctx context.Context, subj string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := b.conn.Subscribe(subj, func(msg *nats.Msg) {
		fn(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.closed:
		}
		_ = s.Close()
	}()

	return s, nil
}
