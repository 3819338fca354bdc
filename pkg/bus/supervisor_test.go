package bus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"logarchive/pkg/clock"
)

type fakeConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Publish(context.Context, string, any) error { return nil }

func (c *fakeConn) Subscribe(context.Context, string, Handler) (io.Closer, error) {
	return io.NopCloser(nil), nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.closed }

func (c *fakeConn) Close() { c.closeOnce.Do(func() { close(c.closed) }) }

type dialer struct {
	mu    sync.Mutex
	plan  []error
	conns []*fakeConn
	calls int
}

func (d *dialer) dial() (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.plan) > 0 {
		err := d.plan[0]
		d.plan = d.plan[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisorRestartsAfterFailure(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	d := &dialer{plan: []error{errors.New("connection refused")}}
	var setups int
	var mu sync.Mutex
	logs := &syncBuffer{}
	s := newSupervisor(d.dial, func(context.Context, Conn) error {
		mu.Lock()
		setups++
		mu.Unlock()
		return nil
	}, log.New(logs, "", 0), clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return logs.Count("restarting") == 1 })
	if s.Ready() {
		t.Fatalf("ready after failed dial")
	}

	clk.Advance(RestartDelay - time.Second)
	if d.Calls() != 1 {
		t.Fatalf("redialed before the restart delay")
	}
	clk.Advance(time.Second)
	waitFor(t, s.Ready)

	mu.Lock()
	if setups != 1 {
		t.Fatalf("setup ran %d times", setups)
	}
	mu.Unlock()

	d.mu.Lock()
	first := d.conns[0]
	d.mu.Unlock()
	first.Close()
	waitFor(t, func() bool { return logs.Count("restarting") == 2 })
	if s.Ready() {
		t.Fatalf("ready after connection closed")
	}

	clk.Advance(RestartDelay)
	waitFor(t, func() bool { return d.Calls() == 3 && s.Ready() })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestSupervisorSetupFailureClosesConn(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	d := &dialer{}
	logs := &syncBuffer{}
	s := newSupervisor(d.dial, func(context.Context, Conn) error { return errors.New("subscribe denied") }, log.New(logs, "", 0), clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return logs.Count("restarting") == 1 })
	d.mu.Lock()
	conn := d.conns[0]
	d.mu.Unlock()
	select {
	case <-conn.Closed():
	default:
		t.Fatalf("connection left open after setup failure")
	}
	if s.Ready() {
		t.Fatalf("ready despite setup failure")
	}
}
