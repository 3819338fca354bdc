package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest is the signed description of an agent release bundle.
type Manifest struct {
	Version      string `yaml:"version"`
	AgentVersion string `yaml:"agent_version"`
	// Platform is the GOOS/GOARCH pair the agent binary was built for.
	Platform string `yaml:"platform"`
	// Entrypoint is the artifact the bootstrap script installs as the
	// service binary.
	Entrypoint       string             `yaml:"entrypoint"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestArtifact is one file under artifacts/ in the bundle.
type ManifestArtifact struct {
	Path   string `yaml:"path"`
	Mode   uint32 `yaml:"mode"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
