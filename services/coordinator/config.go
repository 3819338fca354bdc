// Package coordinator tracks the fleet, pushes the agent onto hosts that
// lack one and configures every agent that attaches.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"logarchive/pkg/protocol"
	gos3 "logarchive/pkg/s3"
)

// ConfigPath is where the coordinator expects its JSON configuration file.
const ConfigPath = "/etc/logarchive/coordinator.json"

const (
	defaultListen               = ":8080"
	defaultBootstrapConcurrency = 4
	defaultInventoryInterval    = 30 * time.Second
	defaultDeployInterval       = 60 * time.Second
	defaultSysinfoInterval      = 60 * time.Second
	defaultBundleKey            = "agent/logarchive-agent.tar.zst"
)

// Duration decodes JSON strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// BundleConfig locates the agent release bundle in the object store.
type BundleConfig struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Config is the coordinator configuration file.
type Config struct {
	Listen         string `json:"listen" env:"LOGARCHIVE_LISTEN,overwrite"`
	DatacenterName string `json:"datacenter_name"`
	// Version is the agent build every host must run.
	Version     string `json:"version" env:"LOGARCHIVE_AGENT_VERSION,overwrite"`
	LogsetsFile string `json:"logsets_file"`
	DatabaseURL string `json:"database_url" env:"DATABASE_URL,overwrite"`
	NATSURL     string `json:"nats_url" env:"NATS_URL,overwrite"`

	Storage    protocol.StorageSettings  `json:"storage"`
	HTTPProxy  string                    `json:"http_proxy"`
	HTTPSProxy string                    `json:"https_proxy"`
	Identity   protocol.IdentitySettings `json:"identity"`
	Bundle     BundleConfig              `json:"bundle"`

	// AdminURL is how hosts reach this coordinator.
	AdminURL string `json:"admin_url" env:"LOGARCHIVE_ADMIN_URL,overwrite"`

	BootstrapConcurrency int      `json:"bootstrap_concurrency"`
	InventoryInterval    Duration `json:"inventory_interval"`
	DeployInterval       Duration `json:"deploy_interval"`
	SysinfoInterval      Duration `json:"sysinfo_interval"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Version) == "":
		return errors.New("version is required")
	case strings.TrimSpace(c.LogsetsFile) == "":
		return errors.New("logsets_file is required")
	case strings.TrimSpace(c.NATSURL) == "":
		return errors.New("nats_url is required")
	case c.Storage.Endpoint == "":
		return errors.New("storage.endpoint is required")
	case c.Storage.Bucket == "":
		return errors.New("storage.bucket is required")
	case c.BootstrapConcurrency < 0:
		return errors.New("bootstrap_concurrency must not be negative")
	}
	if _, err := agentServer(c.AdminURL); err != nil {
		return err
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.BootstrapConcurrency == 0 {
		c.BootstrapConcurrency = defaultBootstrapConcurrency
	}
	if c.InventoryInterval <= 0 {
		c.InventoryInterval = Duration(defaultInventoryInterval)
	}
	if c.DeployInterval <= 0 {
		c.DeployInterval = Duration(defaultDeployInterval)
	}
	if c.SysinfoInterval <= 0 {
		c.SysinfoInterval = Duration(defaultSysinfoInterval)
	}
	if c.Bundle.Bucket == "" {
		c.Bundle.Bucket = c.Storage.Bucket
	}
	if c.Bundle.Key == "" {
		c.Bundle.Key = defaultBundleKey
	}
	return c
}

// BundleStore is the object store holding the agent release bundle.
func (c Config) BundleStore() gos3.Config {
	c = c.withDefaults()
	return gos3.Config{
		Endpoint:       c.Storage.Endpoint,
		Region:         c.Storage.Region,
		Bucket:         c.Bundle.Bucket,
		AccessKey:      c.Storage.AccessKey,
		SecretKey:      c.Storage.SecretKey,
		DisableTLS:     c.Storage.DisableTLS,
		ForcePathStyle: c.Storage.ForcePathStyle,
	}
}

// agentServer derives the host:port agents dial from the admin URL.
func agentServer(adminURL string) (string, error) {
	if strings.TrimSpace(adminURL) == "" {
		return "", errors.New("admin_url is required")
	}
	u, err := url.Parse(adminURL)
	if err != nil {
		return "", fmt.Errorf("admin_url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("admin_url %q has no host", adminURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return "", fmt.Errorf("admin_url %q: unsupported scheme %q", adminURL, u.Scheme)
	}
}
