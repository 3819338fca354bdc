// Package agent implements the per-host daemon: the session with the
// coordinator, the minute scheduler and the discovery workers it starts.
package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// ConfigPath is where the agent expects its JSON configuration file.
	ConfigPath = "/etc/logarchive/agent.json"

	machineIDPath      = "/etc/machine-id"
	defaultZoneRoot    = "/zones"
	defaultServiceUnit = "logarchive-agent.service"
)

// Config is the agent configuration file.
type Config struct {
	// Server is the coordinator's host:port.
	Server        string `json:"server" env:"LOGARCHIVE_SERVER,overwrite"`
	HostUUID      string `json:"host_uuid" env:"LOGARCHIVE_HOST_UUID,overwrite"`
	VersionFile   string `json:"version_file"`
	ZoneRoot      string `json:"zone_root"`
	MetricsListen string `json:"metrics_listen" env:"LOGARCHIVE_METRICS_LISTEN,overwrite"`
	ServiceUnit   string `json:"service_unit"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("server is required")
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("server %q: %w", c.Server, err)
	}
	if c.HostUUID != "" {
		if _, err := uuid.Parse(c.HostUUID); err != nil {
			return fmt.Errorf("host_uuid %q: %w", c.HostUUID, err)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ZoneRoot == "" {
		c.ZoneRoot = defaultZoneRoot
	}
	if c.ServiceUnit == "" {
		c.ServiceUnit = defaultServiceUnit
	}
	if c.VersionFile == "" {
		if exe, err := os.Executable(); err == nil {
			c.VersionFile = filepath.Join(filepath.Dir(exe), ".version")
		}
	}
	return c
}

// hostUUID returns the configured uuid or the one derived from the
// machine id.
func (c Config) hostUUID() (string, error) {
	if c.HostUUID != "" {
		id, err := uuid.Parse(c.HostUUID)
		if err != nil {
			return "", fmt.Errorf("host_uuid %q: %w", c.HostUUID, err)
		}
		return id.String(), nil
	}
	data, err := os.ReadFile(machineIDPath)
	if err != nil {
		return "", fmt.Errorf("read machine id: %w", err)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("parse machine id: %w", err)
	}
	return id.String(), nil
}

func readVersion(path string) (string, error) {
	if path == "" {
		return "", errors.New("version file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read version: %w", err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("version file %s is empty", path)
	}
	return v, nil
}
