// Package bundler builds, verifies and publishes signed agent release
// bundles. A bundle is a tar.zst holding manifest.yaml and the agent files
// under artifacts/.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"

	// AgentBinary must be present at the top of every bundle.
	AgentBinary = "logarchive-agent"
)

// Build assembles a bundle from cfg.AgentDir and writes the tar.zst archive
// to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	switch {
	case cfg.AgentDir == "":
		return nil, errors.New("agent directory is required")
	case strings.TrimSpace(cfg.AgentVersion) == "":
		return nil, errors.New("agent version is required")
	case cfg.Output == "":
		return nil, errors.New("output path is required")
	case cfg.Signer == nil:
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.AgentDir)
	if err != nil {
		return nil, fmt.Errorf("stat agent dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agent dir %q is not a directory", cfg.AgentDir)
	}

	entries, err := collectArtifacts(ctx, cfg.AgentDir)
	if err != nil {
		return nil, err
	}
	if err := requireAgent(entries); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		AgentVersion:     strings.TrimSpace(cfg.AgentVersion),
		Platform:         cfg.Platform,
		Entrypoint:       AgentBinary,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, manifest.CreatedAt, cfg.AgentDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote agent %s (%s) bundle %s (%d files)\n", manifest.AgentVersion, manifest.Platform, cfg.Output, len(entries))
	return manifest, nil
}

func requireAgent(entries []ManifestArtifact) error {
	for _, e := range entries {
		if e.Path == AgentBinary {
			if e.Mode&0o111 == 0 {
				return fmt.Errorf("%s is not executable", AgentBinary)
			}
			return nil
		}
	}
	return fmt.Errorf("bundle has no %s", AgentBinary)
}

func collectArtifacts(ctx context.Context, root string) ([]ManifestArtifact, error) {
	var artifacts []ManifestArtifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", p, err)
		}
		sum, size, err := hashFile(p)
		if err != nil {
			return err
		}

		artifacts = append(artifacts, ManifestArtifact{
			Path:   filepath.ToSlash(rel),
			Mode:   uint32(info.Mode().Perm()),
			Size:   size,
			SHA256: sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

func hashFile(p string) (string, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()
	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", p, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeBundle(output string, manifest []byte, created time.Time, agentDir string, entries []ManifestArtifact) (err error) {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  created,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := writeArtifact(tw, agentDir, entry, created); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finish zstd: %w", err)
	}
	return nil
}

func writeArtifact(tw *tar.Writer, agentDir string, entry ManifestArtifact, created time.Time) error {
	file, err := os.Open(filepath.Join(agentDir, filepath.FromSlash(entry.Path)))
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Join(artifactsTarPrefix, entry.Path),
		Mode:     int64(entry.Mode),
		Size:     entry.Size,
		ModTime:  created,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.CopyN(tw, file, entry.Size); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

type digest struct {
	sha  string
	size int64
}

// Verify reads the bundle at bundlePath, checks the manifest signature and
// every artifact's size and hash, and returns the manifest.
func Verify(ctx context.Context, bundlePath string, signer *Signer) (*Manifest, error) {
	if bundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string]digest{}
	)
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			if manifestBytes, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		rel, ok := strings.CutPrefix(name, artifactsTarPrefix+"/")
		if !ok || rel == "" || strings.HasPrefix(rel, "../") {
			return nil, fmt.Errorf("invalid entry path %q", header.Name)
		}

		hash := sha256.New()
		size, err := io.Copy(hash, tr)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", rel, err)
		}
		files[rel] = digest{sha: hex.EncodeToString(hash.Sum(nil)), size: size}
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.AgentVersion == "" {
		return nil, errors.New("manifest missing agent version")
	}
	if manifest.Entrypoint != AgentBinary {
		return nil, fmt.Errorf("manifest entrypoint is %q, want %s", manifest.Entrypoint, AgentBinary)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, art := range manifest.Artifacts {
		got, ok := files[art.Path]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if got.size != art.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, got.size)
		}
		if !strings.EqualFold(got.sha, art.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", art.Path)
		}
		delete(files, art.Path)
	}
	if len(files) > 0 {
		extra := make([]string, 0, len(files))
		for name := range files {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return nil, fmt.Errorf("archive entries not in manifest: %s", strings.Join(extra, ", "))
	}
	if err := requireAgent(manifest.Artifacts); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Publish verifies the bundle and uploads it to cfg.Key.
func Publish(ctx context.Context, cfg PublishConfig) (*Manifest, error) {
	switch {
	case cfg.BundlePath == "":
		return nil, errors.New("bundle file is required")
	case cfg.Key == "":
		return nil, errors.New("object key is required")
	case cfg.Store == nil:
		return nil, errors.New("object store is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	manifest, err := Verify(ctx, cfg.BundlePath, cfg.Signer)
	if err != nil {
		return nil, err
	}
	if cfg.ExpectVersion != "" && manifest.AgentVersion != cfg.ExpectVersion {
		return nil, fmt.Errorf("bundle carries agent %q, expected %q", manifest.AgentVersion, cfg.ExpectVersion)
	}
	fmt.Fprintf(cfg.Stdout, "verified agent %s bundle signed at %s\n", manifest.AgentVersion, manifest.CreatedAt.Format(time.RFC3339))

	sum, size, err := hashFile(cfg.BundlePath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle for upload: %w", err)
	}
	defer file.Close()
	if err := cfg.Store.PutObject(ctx, cfg.Key, file, size, sum); err != nil {
		return nil, fmt.Errorf("upload %q: %w", cfg.Key, err)
	}

	fmt.Fprintf(cfg.Stdout, "uploaded %s (%d bytes)\n", cfg.Key, size)
	return manifest, nil
}
