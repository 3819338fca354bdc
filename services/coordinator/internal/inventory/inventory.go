// Package inventory is the coordinator's view of the fleet: compute nodes
// and the zones running on them.
package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"logarchive/pkg/logset"
	"logarchive/services/coordinator/internal/urconn"
)

// Node is one compute node as the inventory reports it.
type Node struct {
	UUID            string     `db:"uuid" json:"uuid"`
	Hostname        string     `db:"hostname" json:"hostname"`
	Datacenter      string     `db:"datacenter" json:"datacenter"`
	Setup           bool       `db:"setup" json:"setup"`
	HasSysinfo      bool       `db:"has_sysinfo" json:"has_sysinfo"`
	PlatformVersion string     `db:"platform_version" json:"platform_version,omitempty"`
	RetireAt        *time.Time `db:"retire_at" json:"retire_at,omitempty"`
}

// Source lists nodes and zones and records sysinfo replies.
type Source interface {
	Nodes(ctx context.Context) ([]Node, error)
	Zones(ctx context.Context, server string) ([]logset.Zone, error)
	RecordSysinfo(ctx context.Context, info urconn.ServerInfo) error
}

// Memory is a Source held in process. Nodes appear as sysinfo replies
// arrive.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]Node
	zones map[string][]logset.Zone
}

// NewMemory returns an empty in-memory inventory.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]Node), zones: make(map[string][]logset.Zone)}
}

func (m *Memory) Nodes(context.Context) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (m *Memory) Zones(_ context.Context, server string) ([]logset.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logset.Zone(nil), m.zones[server]...), nil
}

func (m *Memory) RecordSysinfo(_ context.Context, info urconn.ServerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[info.Server]
	n.UUID = info.Server
	if info.Hostname != "" {
		n.Hostname = info.Hostname
	}
	n.Datacenter = info.Datacenter
	n.Setup = info.Setup
	n.HasSysinfo = true
	n.PlatformVersion = info.Version
	m.nodes[info.Server] = n
	return nil
}

// Put stores n as is.
func (m *Memory) Put(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.UUID] = n
}

// Remove forgets a node.
func (m *Memory) Remove(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, uuid)
	delete(m.zones, uuid)
}

// SetZones replaces the zones on server.
func (m *Memory) SetZones(server string, zones []logset.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[server] = append([]logset.Zone(nil), zones...)
}
