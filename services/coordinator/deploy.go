package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"logarchive/pkg/logset"
	"logarchive/pkg/protocol"
	"logarchive/pkg/render"
	"logarchive/services/coordinator/internal/tracker"
	"logarchive/services/coordinator/internal/urconn"
)

const (
	bootstrapTimeout = 5 * time.Minute
	bundlePath       = "/bootstrap/agent.tar.zst"
)

// bootstrapRequest is the payload kept with each in-flight bootstrap.
type bootstrapRequest struct {
	Server  string `json:"server"`
	Action  string `json:"action"`
	Version string `json:"version"`
}

// deploy visits every tracked host in random order. Hosts without a
// session get the agent pushed to them; attached hosts that have not been
// configured since they connected get their configuration.
func (s *Service) deploy(ctx context.Context) {
	hosts := s.tracker.List()
	s.shuffle(hosts)

	for _, h := range hosts {
		if ctx.Err() != nil {
			return
		}
		switch {
		case !h.Connected():
			s.dispatchBootstrap(ctx, h)
		case !h.Configured():
			if err := s.configure(ctx, h); err != nil {
				s.logger.Printf("WARN server %s: configure: %v", h.UUID, err)
			}
		}
	}
}

func (s *Service) dispatchBootstrap(ctx context.Context, h *tracker.Host) {
	if !h.BeginBootstrap() {
		return
	}
	started := s.bootstraps.TryGo(func() error {
		defer h.EndBootstrap()
		s.bootstrap(ctx, h)
		return nil
	})
	if !started {
		h.EndBootstrap()
		s.logger.Printf("DEBUG server %s: bootstrap queue full; deferring", h.UUID)
	}
}

// bootstrap runs the install script on the host and waits for its reply.
func (s *Service) bootstrap(ctx context.Context, h *tracker.Host) {
	script, err := s.render.Bootstrap(render.Bootstrap{
		HostUUID:  h.UUID,
		Version:   s.cfg.Version,
		BundleURL: strings.TrimRight(s.cfg.AdminURL, "/") + bundlePath,
		Server:    s.server,
	})
	if err != nil {
		s.logger.Printf("ERROR server %s: render bootstrap: %v", h.UUID, err)
		return
	}

	req, err := s.ur.SendCommand(ctx, h.UUID, script, []string{"%%ID%%"}, bootstrapRequest{
		Server:  h.UUID,
		Action:  "bootstrap",
		Version: s.cfg.Version,
	})
	if errors.Is(err, urconn.ErrNotReady) {
		s.logger.Printf("DEBUG server %s: bootstrap deferred: %v", h.UUID, err)
		return
	}
	if err != nil {
		s.logger.Printf("ERROR server %s: bootstrap: %v", h.UUID, err)
		return
	}
	s.registry.Expire(req, bootstrapTimeout)
	s.logger.Printf("INFO server %s: deploying agent %s (request %s)", h.UUID, s.cfg.Version, req.ID)

	result, err := req.Wait(ctx)
	if err != nil {
		return
	}
	if len(result) == 0 {
		s.logger.Printf("WARN server %s: bootstrap %s completed without a reply", h.UUID, req.ID)
		return
	}
	switch v := result[0].(type) {
	case urconn.Reply:
		if v.ExitStatus != 0 {
			s.logger.Printf("ERROR server %s: bootstrap exited %d: stdout=%q stderr=%q", h.UUID, v.ExitStatus, v.Stdout, v.Stderr)
			return
		}
		s.logger.Printf("INFO server %s: bootstrap %s finished", h.UUID, req.ID)
	case error:
		s.logger.Printf("WARN server %s: bootstrap %s: %v", h.UUID, req.ID, v)
	}
}

// configure pushes datacenter, logsets and storage settings to an attached
// agent.
func (s *Service) configure(ctx context.Context, h *tracker.Host) error {
	zones, err := s.inventory.Zones(ctx, h.UUID)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}

	dc := h.Datacenter()
	if dc == "" {
		dc = s.cfg.DatacenterName
	}

	records := logset.FormatForHost(s.defs, zones)
	if err := h.Configure(
		protocol.Configuration{DatacenterName: dc},
		protocol.Logsets{Logsets: records},
		s.storageMessage(),
	); err != nil {
		return err
	}
	s.logger.Printf("INFO server %s: configured with %d logsets", h.UUID, len(records))
	return nil
}

func (s *Service) storageMessage() protocol.Storage {
	return protocol.Storage{
		Config:     s.cfg.Storage,
		HTTPProxy:  s.cfg.HTTPProxy,
		HTTPSProxy: s.cfg.HTTPSProxy,
		Identity:   s.cfg.Identity,
	}
}
