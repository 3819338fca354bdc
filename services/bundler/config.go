package bundler

import (
	"context"
	"io"
	"time"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// AgentDir holds the agent binary and any files installed beside it.
	AgentDir     string
	AgentVersion string
	// Platform defaults to the building host's GOOS/GOARCH.
	Platform string
	Output   string
	Signer   *Signer
	Now      func() time.Time
	Stdout   io.Writer
}

// Uploader stores a bundle in the object store.
type Uploader interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error
}

// PublishConfig configures bundle publication.
type PublishConfig struct {
	BundlePath string
	Key        string
	// ExpectVersion, when set, must match the manifest's agent version.
	ExpectVersion string
	Store         Uploader
	Signer        *Signer
	Stdout        io.Writer
}
