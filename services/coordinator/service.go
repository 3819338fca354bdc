package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"logarchive/pkg/bus"
	"logarchive/pkg/clock"
	"logarchive/pkg/logset"
	"logarchive/pkg/render"
	"logarchive/services/coordinator/internal/inflight"
	"logarchive/services/coordinator/internal/inventory"
	"logarchive/services/coordinator/internal/tracker"
	"logarchive/services/coordinator/internal/urconn"
)

const firstDeployDelay = 15 * time.Second

// Presigner hands out time-limited download URLs for stored objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Deps are the external collaborators of a Service.
type Deps struct {
	Inventory inventory.Source
	Bundles   Presigner
	Clock     clock.Clock
}

// Service is the coordinator: host tracking, agent sessions, bootstrap and
// configuration pushes.
type Service struct {
	cfg       Config
	server    string
	defs      []logset.Definition
	logger    *log.Logger
	clock     clock.Clock
	inventory inventory.Source
	bundles   Presigner
	render    *render.Engine

	tracker  *tracker.Tracker
	registry *inflight.Registry
	ur       *urconn.Conn

	bootstraps errgroup.Group
	refresh    chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a coordinator for cfg serving the logset definitions defs.
func New(cfg *Config, defs []logset.Definition, deps Deps, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("inventory is required")
	}
	if deps.Bundles == nil {
		return nil, errors.New("bundle store is required")
	}
	if err := logset.Validate(defs); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	c := cfg.withDefaults()
	server, err := agentServer(c.AdminURL)
	if err != nil {
		return nil, err
	}
	engine, err := render.New()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       c,
		server:    server,
		defs:      defs,
		logger:    logger,
		clock:     deps.Clock,
		inventory: deps.Inventory,
		bundles:   deps.Bundles,
		render:    engine,
		tracker:   tracker.New(c.Version, deps.Clock, logger),
		registry:  inflight.New(deps.Clock),
		refresh:   make(chan struct{}, 1),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	s.bootstraps.SetLimit(c.BootstrapConcurrency)

	s.ur, err = urconn.New(s.registry, urconn.Handlers{
		ServerInfo: s.onServerInfo,
		Startup:    s.onStartup,
	}, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AttachBus is the bus supervisor's setup hook.
func (s *Service) AttachBus(ctx context.Context, conn bus.Conn) error {
	return s.ur.Setup(ctx, conn)
}

// Addr is the address the HTTP surface listens on.
func (s *Service) Addr() string { return s.cfg.Listen }

// Ready reports whether out-of-band commands can be dispatched.
func (s *Service) Ready() bool { return s.ur.Ready() }

// Run drives the periodic inventory, sysinfo and deploy passes until ctx
// ends, then waits for outstanding bootstraps.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []struct {
		first, every time.Duration
		fn           func(context.Context)
	}{
		{0, time.Duration(s.cfg.InventoryInterval), s.pollInventory},
		{0, time.Duration(s.cfg.SysinfoInterval), s.broadcastSysinfo},
		{firstDeployDelay, time.Duration(s.cfg.DeployInterval), s.deploy},
	}
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, l.first, l.every, l.fn)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.refresh:
				s.broadcastSysinfo(ctx)
			}
		}
	}()

	wg.Wait()
	s.bootstraps.Wait()
	return nil
}

// every runs fn after first, then again interval after each run
// completes.
func (s *Service) every(ctx context.Context, first, interval time.Duration, fn func(context.Context)) {
	wait := first
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
		fn(ctx)
		wait = interval
	}
}

func (s *Service) pollInventory(ctx context.Context) {
	nodes, err := s.inventory.Nodes(ctx)
	if err != nil {
		s.logger.Printf("ERROR could not fetch servers from inventory: %v", err)
		return
	}
	s.tracker.Sweep(nodes)
}

func (s *Service) broadcastSysinfo(ctx context.Context) {
	if err := s.ur.SendSysinfoBroadcast(ctx); err != nil {
		if errors.Is(err, urconn.ErrNotReady) {
			s.logger.Printf("DEBUG sysinfo broadcast skipped: %v", err)
			return
		}
		s.logger.Printf("WARN sysinfo broadcast: %v", err)
	}
}

func (s *Service) onServerInfo(ctx context.Context, info urconn.ServerInfo) {
	if err := s.inventory.RecordSysinfo(ctx, info); err != nil {
		s.logger.Printf("WARN record sysinfo for %s: %v", info.Server, err)
		return
	}
	s.logger.Printf("DEBUG sysinfo from %s (%s)", info.Server, info.Hostname)
}

func (s *Service) onStartup(_ context.Context, server string) {
	s.logger.Printf("INFO server %s started up; probing sysinfo", server)
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

func (s *Service) shuffle(hosts []*tracker.Host) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
}
