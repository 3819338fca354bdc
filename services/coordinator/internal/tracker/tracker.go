// Package tracker keeps the coordinator's list of fleet hosts in step with
// the inventory and owns each host's agent session.
package tracker

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"logarchive/pkg/clock"
	"logarchive/pkg/protocol"
	"logarchive/services/coordinator/internal/inventory"
)

// DefaultPlatformVersion is assumed for nodes that do not report one.
const DefaultPlatformVersion = "6.5"

// Tracker holds one Host per provisioned, live compute node.
type Tracker struct {
	version string
	clock   clock.Clock
	logger  *log.Logger

	mu         sync.Mutex
	generation uint64
	hosts      map[string]*Host
}

// New returns an empty tracker that accepts agents deployed at version.
func New(version string, clk clock.Clock, logger *log.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tracker{version: version, clock: clk, logger: logger, hosts: make(map[string]*Host)}
}

// Version is the agent build sessions must report.
func (t *Tracker) Version() string { return t.version }

// Generation returns the number of completed sweeps.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Sweep applies one inventory listing: eligible nodes are added or
// refreshed, and hosts missing from the listing are told to shut down and
// removed.
func (t *Tracker) Sweep(nodes []inventory.Node) {
	now := t.clock.Now()

	t.mu.Lock()
	t.generation++
	gen := t.generation
	for _, n := range nodes {
		switch {
		case !n.Setup:
			t.logger.Printf("DEBUG server %s not setup; skipping", n.UUID)
			continue
		case !n.HasSysinfo:
			t.logger.Printf("WARN server %s has no sysinfo in inventory", n.UUID)
			continue
		case strings.TrimSpace(n.Datacenter) == "":
			t.logger.Printf("WARN server %s has no datacenter in inventory", n.UUID)
			continue
		case n.RetireAt != nil && !now.Before(*n.RetireAt):
			t.logger.Printf("DEBUG server %s marked retired; skipping", n.UUID)
			continue
		}

		version := n.PlatformVersion
		if version == "" {
			version = DefaultPlatformVersion
		}
		h, ok := t.hosts[n.UUID]
		if !ok {
			h = &Host{UUID: n.UUID, clock: t.clock, logger: t.logger}
			t.hosts[n.UUID] = h
			t.logger.Printf("INFO server %s (%s) added", n.UUID, n.Hostname)
		}
		h.update(n.Hostname, n.Datacenter, version, gen, now)
	}

	var stale []*Host
	for id, h := range t.hosts {
		if h.gen() != gen {
			stale = append(stale, h)
			delete(t.hosts, id)
		}
	}
	t.mu.Unlock()

	for _, h := range stale {
		t.logger.Printf("INFO server %s removed from active list", h.UUID)
		if h.Connected() {
			if err := h.Post(protocol.Shutdown{}); err != nil {
				t.logger.Printf("WARN server %s: send shutdown: %v", h.UUID, err)
			}
		}
	}
}

// Lookup returns the tracked host with uuid, or nil.
func (t *Tracker) Lookup(uuid string) *Host {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hosts[uuid]
}

// List returns the tracked hosts ordered by uuid.
func (t *Tracker) List() []*Host {
	t.mu.Lock()
	out := make([]*Host, 0, len(t.hosts))
	for _, h := range t.hosts {
		out = append(out, h)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Counts reports tracked, connected and configured hosts.
func (t *Tracker) Counts() (tracked, connected, configured int) {
	for _, h := range t.List() {
		s := h.Snapshot()
		tracked++
		if s.Connected {
			connected++
		}
		if s.Configured {
			configured++
		}
	}
	return tracked, connected, configured
}

// Serve runs a freshly upgraded agent connection: it waits for identify,
// checks the deployed version and host, then hands the connection to the
// host until it closes.
func (t *Tracker) Serve(ctx context.Context, conn protocol.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		msg, err := conn.Receive()
		if errors.Is(err, protocol.ErrMalformed) {
			t.logger.Printf("ERROR parse error from new client: %v", err)
			return
		}
		if err != nil {
			return
		}

		hello, ok := msg.(protocol.Identify)
		if !ok {
			t.logger.Printf("DEBUG pre-identify %s frame from client", msg.Type())
			continue
		}

		if hello.DeployedVersion != t.version {
			t.logger.Printf("INFO server %s runs agent %q, want %q; requesting redeploy", hello.ServerUUID, hello.DeployedVersion, t.version)
			if err := conn.Send(protocol.Redeploy{}); err != nil {
				t.logger.Printf("WARN server %s: send redeploy: %v", hello.ServerUUID, err)
			}
			conn.End("version mismatch")
			return
		}

		h := t.Lookup(hello.ServerUUID)
		if h == nil {
			t.logger.Printf("WARN rejecting agent for unknown server %s", hello.ServerUUID)
			conn.End("unknown server uuid")
			return
		}

		t.logger.Printf("INFO server %s: agent connected (pid %d)", h.UUID, hello.PID)
		h.accept(conn)
		h.serve(conn)
		return
	}
}
