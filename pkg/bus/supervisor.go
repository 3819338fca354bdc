package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"logarchive/pkg/clock"
)

const (
	// ReadyTimeout bounds connecting plus running the setup hook.
	ReadyTimeout = 30 * time.Second
	// RestartDelay separates a lost or failed connection from the next attempt.
	RestartDelay = 10 * time.Second
)

// Setup runs against each fresh connection, typically to subscribe.
type Setup func(ctx context.Context, c Conn) error

// Supervisor keeps one bus connection alive, replacing it whenever it dies
// or fails to become ready in time.
type Supervisor struct {
	dial    func() (Conn, error)
	setup   Setup
	logger  *log.Logger
	clock   clock.Clock
	backoff backoff.BackOff

	mu      sync.Mutex
	current Conn
}

// NewSupervisor returns a supervisor dialing url with core NATS.
func NewSupervisor(url string, setup Setup, logger *log.Logger, opts ...nats.Option) *Supervisor {
	opts = append(opts, nats.NoReconnect(), nats.Timeout(ReadyTimeout))
	return newSupervisor(func() (Conn, error) { return New(url, opts...) }, setup, logger, clock.Real())
}

func newSupervisor(dial func() (Conn, error), setup Setup, logger *log.Logger, clk clock.Clock) *Supervisor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if setup == nil {
		setup = func(context.Context, Conn) error { return nil }
	}
	return &Supervisor{
		dial:    dial,
		setup:   setup,
		logger:  logger,
		clock:   clk,
		backoff: backoff.NewConstantBackOff(RestartDelay),
	}
}

// Conn returns the ready connection, or nil while none is ready.
func (s *Supervisor) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ready reports whether a connection is up and set up.
func (s *Supervisor) Ready() bool { return s.Conn() != nil }

// Run maintains the connection until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		conn, stop, err := s.start(ctx)
		if err != nil {
			s.logger.Printf("ERROR bus: %v", err)
		} else {
			s.logger.Printf("INFO bus ready")
			s.set(conn)
			select {
			case <-ctx.Done():
				s.set(nil)
				stop()
				conn.Close()
				return ctx.Err()
			case <-conn.Closed():
				s.set(nil)
				stop()
				s.logger.Printf("WARN bus connection closed")
			}
		}

		delay := s.backoff.NextBackOff()
		restart := s.clock.After(delay)
		s.logger.Printf("INFO bus restarting in %s", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-restart:
		}
	}
}

func (s *Supervisor) set(c Conn) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

type startResult struct {
	conn Conn
	err  error
}

func (s *Supervisor) start(ctx context.Context) (Conn, context.CancelFunc, error) {
	setupCtx, cancel := context.WithCancel(ctx)
	expired := make(chan struct{})
	timer := s.clock.AfterFunc(ReadyTimeout, func() { close(expired) })
	defer timer.Stop()

	results := make(chan startResult, 1)
	go func() {
		conn, err := s.dial()
		if err != nil {
			results <- startResult{err: fmt.Errorf("connect: %w", err)}
			return
		}
		if err := s.setup(setupCtx, conn); err != nil {
			conn.Close()
			results <- startResult{err: fmt.Errorf("setup: %w", err)}
			return
		}
		results <- startResult{conn: conn}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			cancel()
			return nil, nil, res.err
		}
		return res.conn, cancel, nil
	case <-ctx.Done():
		cancel()
		go discardLate(results)
		return nil, nil, ctx.Err()
	case <-expired:
		cancel()
		go discardLate(results)
		return nil, nil, errors.New("not ready within " + ReadyTimeout.String())
	}
}

func discardLate(results <-chan startResult) {
	if res := <-results; res.conn != nil {
		res.conn.Close()
	}
}
