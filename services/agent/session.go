package agent

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"logarchive/pkg/clock"
	"logarchive/pkg/logset"
	"logarchive/pkg/protocol"
)

// State is the agent's view of its session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateIdentifying  State = "identifying"
	StateUnconfigured State = "active(unconfigured)"
	StateConfigured   State = "active(configured)"
)

// Dialer opens a session transport to the coordinator.
type Dialer interface {
	Dial(ctx context.Context, url string) (protocol.Conn, error)
}

type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) Dial(ctx context.Context, u string) (protocol.Conn, error) {
	ws, _, err := w.d.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return protocol.NewWSConn(ws), nil
}

func attachURL(server string) string {
	return (&url.URL{Scheme: "ws", Host: server, Path: protocol.AttachPath}).String()
}

// State reports where the session currently is.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnconfigured {
		return s.state
	}
	if s.configuredLocked() {
		return StateConfigured
	}
	return StateUnconfigured
}

func (s *Service) configuredLocked() bool {
	return s.datacenter != "" && s.res != nil && s.engine != nil && s.engine.Len() > 0
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// connect dials until ctx ends, holding each session until it is lost.
func (s *Service) connect(ctx context.Context) error {
	u := attachURL(s.cfg.Server)
	for {
		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx, u)
		switch {
		case err == nil:
			s.serve(ctx, conn)
			s.disconnected()
			if s.stopping.Load() {
				// the service manager or the hard exit ends the process
				<-ctx.Done()
				return ctx.Err()
			}
		case ctx.Err() == nil:
			s.logger.Printf("WARN connect to %s: %v", u, err)
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		delay := s.backoff.NextBackOff()
		reconnects.Inc()
		s.logger.Printf("INFO reconnecting to %s in %s", u, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

func (s *Service) serve(ctx context.Context, conn protocol.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateIdentifying
	s.identified = false
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	hello := protocol.Identify{ServerUUID: s.hostUUID, DeployedVersion: s.version, PID: s.pid}
	if err := conn.Send(hello); err != nil {
		s.logger.Printf("WARN send identify: %v", err)
		return
	}

	for {
		msg, err := conn.Receive()
		if errors.Is(err, protocol.ErrMalformed) {
			s.logger.Printf("WARN ignoring frame from coordinator: %v", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Printf("WARN session error: %v", err)
			}
			s.logger.Printf("INFO session with %s ended", s.cfg.Server)
			return
		}
		if !s.handle(ctx, conn, msg) {
			return
		}
	}
}

// handle applies one coordinator message. It returns false when the
// session should end.
func (s *Service) handle(ctx context.Context, conn protocol.Conn, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.IdentifyOK:
		s.backoff.Reset()
		s.mu.Lock()
		s.identified = true
		s.state = StateUnconfigured
		s.mu.Unlock()
		sessionConnected.Set(1)
		s.sched.Enable()
		s.logger.Printf("INFO identified to %s as %s (version %s)", s.cfg.Server, s.hostUUID, s.version)

	case protocol.EnableHeartbeat:
		s.startHeartbeat(conn, m.Interval())

	case protocol.Configuration:
		s.mu.Lock()
		s.datacenter = m.DatacenterName
		s.mu.Unlock()
		s.logger.Printf("INFO datacenter is %s", m.DatacenterName)

	case protocol.Storage:
		s.installResources(ctx, m)

	case protocol.Logsets:
		engine, err := logset.Load(m.Logsets)
		if err != nil {
			s.logger.Printf("ERROR rejecting logsets from coordinator: %v", err)
			return true
		}
		s.mu.Lock()
		s.engine = engine
		s.mu.Unlock()
		s.logger.Printf("INFO loaded %d logsets", engine.Len())

	case protocol.Redeploy:
		s.logger.Printf("INFO coordinator requested redeploy")
		s.sched.Cancel()
		if err := s.life.Redeploy(ctx); err != nil {
			s.logger.Printf("ERROR redeploy: %v", err)
		}

	case protocol.Shutdown:
		s.logger.Printf("INFO coordinator requested shutdown")
		s.stopping.Store(true)
		s.sched.Cancel()
		conn.End("shutdown")
		s.clock.AfterFunc(hardExitDelay, func() {
			s.logger.Printf("WARN still running %s after shutdown, exiting", hardExitDelay)
			s.exit(1)
		})
		if err := s.life.Disable(ctx); err != nil {
			s.logger.Printf("ERROR disable %s: %v", s.cfg.ServiceUnit, err)
		}
		return false

	case protocol.Unrecognized:
		s.logger.Printf("WARN ignoring unrecognized message type %q", m.Tag)

	default:
		s.logger.Printf("WARN ignoring unexpected %s message", msg.Type())
	}
	return true
}

func (s *Service) startHeartbeat(conn protocol.Conn, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if every <= 0 {
		return
	}

	var t clock.Timer
	t = s.clock.AfterFunc(every, func() {
		beat := protocol.Heartbeat{When: s.clock.Now().UTC(), Hostname: s.hostname}
		if err := conn.Send(beat); err != nil {
			s.logger.Printf("WARN send heartbeat: %v", err)
			return
		}
		s.mu.Lock()
		if s.heartbeat == t {
			t.Reset(every)
		}
		s.mu.Unlock()
	})
	s.heartbeat = t
}

func (s *Service) disconnected() {
	s.mu.Lock()
	s.conn = nil
	s.identified = false
	s.state = StateDisconnected
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	s.mu.Unlock()

	sessionConnected.Set(0)
	s.sched.Cancel()
}

// installResources closes the current clients before building new ones.
func (s *Service) installResources(ctx context.Context, m protocol.Storage) {
	s.mu.Lock()
	old := s.res
	s.res = nil
	s.mu.Unlock()
	old.Close()

	res, err := s.newResources(ctx, m)
	if err != nil {
		s.logger.Printf("ERROR configure object store %s: %v", m.Config.Endpoint, err)
		return
	}
	s.mu.Lock()
	s.res = res
	s.mu.Unlock()
	s.logger.Printf("INFO object store %s bucket %s configured", m.Config.Endpoint, m.Config.Bucket)
}

func (s *Service) environment() (environment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.identified || !s.configuredLocked() {
		return environment{}, false
	}
	env := environment{
		engine:   s.engine,
		pipeline: s.res.pipeline,
		vars: logset.Vars{
			User:       s.res.user,
			Datacenter: s.datacenter,
			Nodename:   s.hostUUID,
		},
	}
	if s.res.identity != nil {
		env.identity = s.res.identity
	}
	return env, true
}
