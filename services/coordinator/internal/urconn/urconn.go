// Package urconn dispatches scripts to hosts and polls the fleet for
// sysinfo over the message bus.
package urconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"logarchive/pkg/bus"
	"logarchive/services/coordinator/internal/inflight"
)

const (
	replySubjects   = "ur.execute-reply.*.*"
	startupSubjects = "ur.startup.*"
	idPlaceholder   = "%%ID%%"
)

// ErrNotReady is returned while no bus connection is available.
var ErrNotReady = errors.New("message bus is not ready")

// Command is the payload of an execute request.
type Command struct {
	Type   string            `json:"type"`
	Script string            `json:"script"`
	Args   []string          `json:"args"`
	Env    map[string]string `json:"env"`
}

// Reply is a host's answer to an execute request.
type Reply struct {
	ExitStatus int    `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// ServerInfo is the part of a sysinfo reply the coordinator keeps.
type ServerInfo struct {
	Server     string
	Hostname   string
	Datacenter string
	Version    string
	Setup      bool
}

type sysinfoReply struct {
	UUID       string          `json:"UUID"`
	Hostname   string          `json:"Hostname"`
	Datacenter string          `json:"Datacenter Name"`
	Version    string          `json:"SDC Version"`
	Setup      json.RawMessage `json:"Setup"`
}

// Handlers receive unsolicited bus traffic. Either may be nil.
type Handlers struct {
	// ServerInfo is called for each sysinfo reply from a set-up host.
	ServerInfo func(ctx context.Context, info ServerInfo)
	// Startup is called when a host announces it has booted.
	Startup func(ctx context.Context, server string)
}

// Conn correlates bus requests with replies through an inflight registry.
type Conn struct {
	registry *inflight.Registry
	handlers Handlers
	logger   *log.Logger
	sysinfo  *inflight.Request

	mu  sync.Mutex
	bus bus.Conn
}

// New registers the long-lived sysinfo request in registry.
func New(registry *inflight.Registry, handlers Handlers, logger *log.Logger) (*Conn, error) {
	if registry == nil {
		return nil, errors.New("inflight registry is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Conn{
		registry: registry,
		handlers: handlers,
		logger:   logger,
		sysinfo:  registry.Register(map[string]string{"purpose": "sysinfo broadcast"}),
	}, nil
}

// Setup subscribes on a fresh bus connection and makes it current. It is
// the bus supervisor's setup hook.
func (c *Conn) Setup(ctx context.Context, conn bus.Conn) error {
	for _, subj := range []string{replySubjects, startupSubjects} {
		if _, err := conn.Subscribe(ctx, subj, c.onMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
	}
	c.mu.Lock()
	c.bus = conn
	c.mu.Unlock()
	return nil
}

func (c *Conn) current() bus.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return nil
	}
	select {
	case <-c.bus.Closed():
		c.bus = nil
		return nil
	default:
		return c.bus
	}
}

// Ready reports whether commands can be sent.
func (c *Conn) Ready() bool { return c.current() != nil }

// SendCommand runs script on server. Occurrences of %%ID%% in args are
// replaced with the request id. The returned request completes with a
// Reply when the host answers.
func (c *Conn) SendCommand(ctx context.Context, server, script string, args []string, data any) (*inflight.Request, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotReady
	}

	req := c.registry.Register(data)
	cmd := Command{Type: "script", Script: script, Args: make([]string, len(args)), Env: map[string]string{}}
	for i, a := range args {
		cmd.Args[i] = strings.ReplaceAll(a, idPlaceholder, req.ID)
	}
	if err := conn.Publish(ctx, fmt.Sprintf("ur.execute.%s.%s", server, req.ID), cmd); err != nil {
		c.registry.Complete(req, err)
		return nil, fmt.Errorf("publish command to %s: %w", server, err)
	}
	return req, nil
}

// SendSysinfoBroadcast asks every host for its sysinfo.
func (c *Conn) SendSysinfoBroadcast(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return ErrNotReady
	}
	c.logger.Printf("DEBUG send sysinfo broadcast %s", c.sysinfo.ID)
	return conn.Publish(ctx, "ur.broadcast.sysinfo."+c.sysinfo.ID, struct{}{})
}

func (c *Conn) onMessage(ctx context.Context, subject string, data []byte) {
	key := strings.Split(subject, ".")
	switch {
	case len(key) == 3 && key[1] == "startup":
		if c.handlers.Startup != nil {
			c.handlers.Startup(ctx, key[2])
		}
	case len(key) == 4 && key[1] == "execute-reply":
		c.onReply(ctx, key[2], key[3], data)
	default:
		c.logger.Printf("DEBUG ignoring bus message on %s", subject)
	}
}

func (c *Conn) onReply(ctx context.Context, server, id string, data []byte) {
	if id == c.sysinfo.ID {
		c.onSysinfo(ctx, data)
		return
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		c.logger.Printf("WARN reply from %s for %s: %v", server, id, err)
		return
	}
	if !c.registry.Resolve(id, reply) {
		c.logger.Printf("DEBUG reply from %s for unknown request %s", server, id)
	}
}

func (c *Conn) onSysinfo(ctx context.Context, data []byte) {
	var r sysinfoReply
	if err := json.Unmarshal(data, &r); err != nil {
		c.logger.Printf("WARN malformed sysinfo reply: %v", err)
		return
	}
	info := ServerInfo{
		Server:     r.UUID,
		Hostname:   r.Hostname,
		Datacenter: r.Datacenter,
		Version:    r.Version,
		Setup:      parseSetup(r.Setup),
	}
	if !info.Setup || info.Server == "" {
		return
	}
	if c.handlers.ServerInfo != nil {
		c.handlers.ServerInfo(ctx, info)
	}
}

// parseSetup accepts true and "true".
func parseSetup(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s == "true"
	}
	return false
}
