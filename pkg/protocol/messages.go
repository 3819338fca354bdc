// Package protocol defines the JSON frames exchanged between the agent and
// the coordinator over the attach socket.
package protocol

import (
	"encoding/json"
	"time"

	"logarchive/pkg/logset"
)

// Message type tags.
const (
	TypeIdentify        = "identify"
	TypeHeartbeat       = "heartbeat"
	TypeIdentifyOK      = "identify_ok"
	TypeEnableHeartbeat = "enable_heartbeat"
	TypeConfiguration   = "configuration"
	TypeLogsets         = "logsets"
	TypeStorage         = "manta"
	TypeRedeploy        = "redeploy"
	TypeShutdown        = "shutdown"
)

// Message is any frame on the attach socket.
type Message interface {
	Type() string
}

// Identify is the first frame an agent sends on a new connection.
type Identify struct {
	ServerUUID      string `json:"server_uuid"`
	DeployedVersion string `json:"deployed_version"`
	PID             int    `json:"pid"`
}

// Heartbeat is sent periodically by the agent once enabled.
type Heartbeat struct {
	When     time.Time `json:"when"`
	Hostname string    `json:"hostname"`
}

// IdentifyOK accepts an agent's session.
type IdentifyOK struct{}

// EnableHeartbeat asks the agent to send heartbeats every Timeout
// milliseconds.
type EnableHeartbeat struct {
	Timeout int64 `json:"timeout"`
}

// Interval converts Timeout to a duration.
func (m EnableHeartbeat) Interval() time.Duration {
	return time.Duration(m.Timeout) * time.Millisecond
}

// Configuration carries host-wide settings.
type Configuration struct {
	DatacenterName string `json:"datacenter_name"`
}

// Logsets replaces the agent's active logset records.
type Logsets struct {
	Logsets []logset.Record `json:"logsets"`
}

// StorageSettings configures the object store client on the agent.
type StorageSettings struct {
	Endpoint       string `json:"endpoint"`
	Region         string `json:"region"`
	Bucket         string `json:"bucket"`
	User           string `json:"user"`
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	ForcePathStyle bool   `json:"force_path_style"`
	DisableTLS     bool   `json:"disable_tls"`
}

// IdentitySettings configures the tenant identity lookup client.
type IdentitySettings struct {
	URL string `json:"url"`
}

// Storage replaces the agent's object store and identity clients. The tag
// on the wire is "manta".
type Storage struct {
	Config     StorageSettings  `json:"config"`
	HTTPProxy  string           `json:"http_proxy,omitempty"`
	HTTPSProxy string           `json:"https_proxy,omitempty"`
	Identity   IdentitySettings `json:"mahi"`
}

// Redeploy tells the agent its version is stale.
type Redeploy struct{}

// Shutdown tells the agent to stop and disable itself.
type Shutdown struct{}

// Unrecognized is a well-formed frame with an unknown type tag.
type Unrecognized struct {
	Tag string
	Raw json.RawMessage
}

func (Identify) Type() string        { return TypeIdentify }
func (Heartbeat) Type() string       { return TypeHeartbeat }
func (IdentifyOK) Type() string      { return TypeIdentifyOK }
func (EnableHeartbeat) Type() string { return TypeEnableHeartbeat }
func (Configuration) Type() string   { return TypeConfiguration }
func (Logsets) Type() string         { return TypeLogsets }
func (Storage) Type() string         { return TypeStorage }
func (Redeploy) Type() string        { return TypeRedeploy }
func (Shutdown) Type() string        { return TypeShutdown }
func (m Unrecognized) Type() string  { return m.Tag }
