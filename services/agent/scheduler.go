package agent

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"logarchive/pkg/clock"
	"logarchive/pkg/logset"
	"logarchive/services/agent/internal/dedup"
	"logarchive/services/agent/internal/worker"
)

const (
	// tickSecond is the second of every UTC minute at which workers start.
	tickSecond = 30
	// maxConcurrentWorkers caps walks across all logsets.
	maxConcurrentWorkers = 4
	slowRunThreshold     = 10 * time.Minute
)

// environment is everything a tick needs. ok is false until the session
// has identified, a datacenter is known, a store exists and logsets are
// loaded.
type environment struct {
	engine   *logset.Engine
	pipeline worker.Runner
	identity logset.IdentityLookup
	vars     logset.Vars
}

type workerKey struct {
	name     string
	zonename string
}

// Scheduler starts one worker per logset at second 30 of every minute,
// skipping logsets whose previous worker is still running.
type Scheduler struct {
	env      func() (environment, bool)
	dedup    *dedup.Cache
	zoneRoot string
	clock    clock.Clock
	logger   *log.Logger
	sem      *semaphore.Weighted

	mu      sync.Mutex
	enabled bool
	running map[workerKey]*worker.Worker
	wg      sync.WaitGroup
}

func newScheduler(env func() (environment, bool), cache *dedup.Cache, zoneRoot string, clk clock.Clock, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		env:      env,
		dedup:    cache,
		zoneRoot: zoneRoot,
		clock:    clk,
		logger:   logger,
		sem:      semaphore.NewWeighted(maxConcurrentWorkers),
		running:  make(map[workerKey]*worker.Worker),
	}
}

// nextTick returns the first second-30 boundary strictly after now.
func nextTick(now time.Time) time.Time {
	t := now.UTC().Truncate(time.Minute).Add(tickSecond * time.Second)
	if !t.After(now) {
		t = t.Add(time.Minute)
	}
	return t
}

// Run ticks until ctx ends, then waits for running workers.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		now := s.clock.Now()
		select {
		case <-ctx.Done():
			s.Cancel()
			return
		case <-s.clock.After(nextTick(now).Sub(now)):
		}
		s.Tick(ctx)
	}
}

// Enable allows ticks to start workers.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
}

// Cancel disables scheduling and destroys every running worker.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.enabled = false
	workers := make([]*worker.Worker, 0, len(s.running))
	for _, w := range s.running {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Destroy()
	}
}

// Running reports how many workers are started and not yet finished.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Tick starts workers for every uploadable logset that has none running.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return
	}
	env, ok := s.env()
	if !ok {
		return
	}

	for _, ls := range env.engine.Logsets() {
		if ls.NoUpload {
			continue
		}
		key := workerKey{name: ls.Name, zonename: ls.Zonename}

		s.mu.Lock()
		if _, busy := s.running[key]; busy || !s.enabled {
			s.mu.Unlock()
			continue
		}
		w, err := worker.New(worker.Config{
			Logset:   ls,
			Pipeline: env.pipeline,
			Dedup:    s.dedup,
			Identity: env.identity,
			Vars:     env.vars,
			ZoneRoot: s.zoneRoot,
			Clock:    s.clock,
			Logger:   s.logger,
		})
		if err != nil {
			s.mu.Unlock()
			s.logger.Printf("ERROR logset %s zone %s: create worker: %v", ls.Name, ls.Zonename, err)
			continue
		}
		s.running[key] = w
		s.wg.Add(1)
		s.mu.Unlock()

		go s.run(ctx, key, w)
	}
}

func (s *Scheduler) run(ctx context.Context, key workerKey, w *worker.Worker) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.running[key] == w {
			delete(s.running, key)
		}
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)
	if w.Canceled() {
		return
	}

	start := s.clock.Now()
	err := w.Run(ctx)
	if elapsed := s.clock.Now().Sub(start); elapsed > slowRunThreshold {
		s.logger.Printf("WARN logset %s zone %s: run took %s", key.name, key.zonename, elapsed.Round(time.Second))
	}
	if err != nil {
		s.logger.Printf("ERROR logset %s zone %s: walk: %v", key.name, key.zonename, err)
	}
}
