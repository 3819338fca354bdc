package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"logarchive/pkg/clock"
	"logarchive/pkg/logset"
	"logarchive/pkg/protocol"
	"logarchive/services/agent/internal/dedup"
)

// Service is the long-running agent.
type Service struct {
	cfg      Config
	hostUUID string
	version  string
	hostname string
	pid      int

	logger  *log.Logger
	clock   clock.Clock
	dialer  Dialer
	life    Lifecycle
	exit    func(int)
	backoff backoff.BackOff
	cache   *dedup.Cache
	sched   *Scheduler

	newResources func(context.Context, protocol.Storage) (*resources, error)

	stopping atomic.Bool

	mu         sync.Mutex
	state      State
	identified bool
	conn       protocol.Conn
	heartbeat  clock.Timer
	datacenter string
	engine     *logset.Engine
	res        *resources
}

// NewService resolves the host identity and deployed version and returns
// an idle agent.
func NewService(cfg *Config, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := cfg.withDefaults()

	hostUUID, err := c.hostUUID()
	if err != nil {
		return nil, err
	}
	version, err := readVersion(c.VersionFile)
	if err != nil {
		return nil, err
	}

	return newService(c, hostUUID, version, logger, clock.Real()), nil
}

func newService(cfg Config, hostUUID, version string, logger *log.Logger, clk clock.Clock) *Service {
	s := &Service{
		cfg:      cfg,
		hostUUID: hostUUID,
		version:  version,
		hostname: hostname(),
		pid:      os.Getpid(),
		logger:   logger,
		clock:    clk,
		dialer:   wsDialer{d: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}},
		life:     Systemd(cfg.ServiceUnit),
		exit:     os.Exit,
		backoff:  newFibonacciBackOff(),
		cache:    dedup.New(clk),
		state:    StateDisconnected,
	}
	s.newResources = func(ctx context.Context, m protocol.Storage) (*resources, error) {
		return newResources(ctx, m, logger)
	}
	s.sched = newScheduler(s.environment, s.cache, cfg.ZoneRoot, clk, logger)
	return s
}

// Run holds a session with the coordinator until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Printf("INFO agent %s version %s starting", s.hostUUID, s.version)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cache.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.sched.Run(ctx)
	}()

	err := s.connect(ctx)
	wg.Wait()

	s.mu.Lock()
	res := s.res
	s.res = nil
	s.mu.Unlock()
	res.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("agent stopped: %w", err)
}
