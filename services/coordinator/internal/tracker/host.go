package tracker

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"logarchive/pkg/clock"
	"logarchive/pkg/protocol"
)

const (
	// HeartbeatInterval is requested from every agent on accept.
	HeartbeatInterval = 8 * time.Second
	// WatchdogTimeout closes a session that stays silent this long.
	WatchdogTimeout = HeartbeatInterval * 5 / 2
	// ReplaceGrace is how long a replaced connection may linger after End.
	ReplaceGrace = 10 * time.Second
)

// ErrNotConnected is returned when posting to a host without a session.
var ErrNotConnected = errors.New("host is not connected")

// Host is the coordinator's record of one fleet host and its session.
type Host struct {
	UUID string

	clock  clock.Clock
	logger *log.Logger

	mu            sync.Mutex
	hostname      string
	datacenter    string
	version       string
	lastSeen      time.Time
	generation    uint64
	conn          protocol.Conn
	configured    bool
	bootstrapping bool
	watchdog      clock.Timer
}

// Snapshot is the debug view of a host.
type Snapshot struct {
	UUID          string    `json:"uuid"`
	Hostname      string    `json:"hostname"`
	Datacenter    string    `json:"datacenter"`
	Version       string    `json:"version"`
	LastSeen      time.Time `json:"last_seen"`
	Generation    uint64    `json:"generation"`
	Connected     bool      `json:"connected"`
	Configured    bool      `json:"configured"`
	Bootstrapping bool      `json:"bootstrapping"`
}

// Snapshot copies the host's state.
func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		UUID:          h.UUID,
		Hostname:      h.hostname,
		Datacenter:    h.datacenter,
		Version:       h.version,
		LastSeen:      h.lastSeen,
		Generation:    h.generation,
		Connected:     h.conn != nil,
		Configured:    h.configured,
		Bootstrapping: h.bootstrapping,
	}
}

// Datacenter returns the datacenter the inventory reports for the host.
func (h *Host) Datacenter() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.datacenter
}

// Connected reports whether an agent session is live.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Configured reports whether the current session has received its
// configuration.
func (h *Host) Configured() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.configured
}

// Post sends m on the current session.
func (h *Host) Post(m protocol.Message) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(m)
}

// Configure sends msgs on the current session and marks the host
// configured, unless the session was replaced meanwhile.
func (h *Host) Configure(msgs ...protocol.Message) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for _, m := range msgs {
		if err := conn.Send(m); err != nil {
			return err
		}
	}
	h.mu.Lock()
	if h.conn == conn {
		h.configured = true
	}
	h.mu.Unlock()
	return nil
}

// BeginBootstrap claims the host for a bootstrap run. It returns false if
// one is already running.
func (h *Host) BeginBootstrap() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bootstrapping {
		return false
	}
	h.bootstrapping = true
	return true
}

// EndBootstrap releases the claim taken by BeginBootstrap.
func (h *Host) EndBootstrap() {
	h.mu.Lock()
	h.bootstrapping = false
	h.mu.Unlock()
}

func (h *Host) update(hostname, datacenter, version string, generation uint64, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostname = hostname
	h.datacenter = datacenter
	h.version = version
	h.generation = generation
	h.lastSeen = now
}

func (h *Host) gen() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// accept makes conn the host's session, ending any previous one.
func (h *Host) accept(conn protocol.Conn) {
	h.mu.Lock()
	if old := h.conn; old != nil {
		h.logger.Printf("INFO host %s: replacing connection", h.UUID)
		old.End("replaced connection")
		h.clock.AfterFunc(ReplaceGrace, func() { old.Close() })
	}
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.conn = conn
	h.configured = false
	h.watchdog = h.clock.AfterFunc(WatchdogTimeout, func() {
		h.logger.Printf("WARN host %s: no heartbeat within %s, closing connection", h.UUID, WatchdogTimeout)
		conn.Close()
	})
	h.mu.Unlock()

	if err := conn.Send(protocol.IdentifyOK{}); err != nil {
		h.logger.Printf("WARN host %s: send identify_ok: %v", h.UUID, err)
	}
	if err := conn.Send(protocol.EnableHeartbeat{Timeout: HeartbeatInterval.Milliseconds()}); err != nil {
		h.logger.Printf("WARN host %s: send enable_heartbeat: %v", h.UUID, err)
	}
}

// serve reads from conn until it closes.
func (h *Host) serve(conn protocol.Conn) {
	defer h.drop(conn)
	for {
		msg, err := conn.Receive()
		if errors.Is(err, protocol.ErrMalformed) {
			h.logger.Printf("ERROR host %s: invalid frame from agent, disconnecting: %v", h.UUID, err)
			conn.Close()
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Printf("WARN host %s: connection error: %v", h.UUID, err)
			}
			h.logger.Printf("INFO host %s: agent connection closed", h.UUID)
			return
		}
		h.touch(conn)

		switch m := msg.(type) {
		case protocol.Heartbeat:
			h.logger.Printf("DEBUG host %s: heartbeat from %s at %s", h.UUID, m.Hostname, m.When.Format(time.RFC3339))
		case protocol.Unrecognized:
			h.logger.Printf("WARN host %s: ignoring unrecognized message type %q", h.UUID, m.Tag)
		default:
			h.logger.Printf("DEBUG host %s: received %s from agent", h.UUID, msg.Type())
		}
	}
}

// touch pushes the watchdog back if conn is still current.
func (h *Host) touch(conn protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return
	}
	h.lastSeen = h.clock.Now()
	if h.watchdog != nil {
		h.watchdog.Reset(WatchdogTimeout)
	}
}

func (h *Host) drop(conn protocol.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return
	}
	h.conn = nil
	h.configured = false
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}
