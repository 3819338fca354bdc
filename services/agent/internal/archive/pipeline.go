// Package archive uploads a single log file, verifies the stored copy and
// removes the local file once it is safe to do so.
package archive

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gos3 "logarchive/pkg/s3"
	"logarchive/pkg/telemetry"
)

// ObjectStore is the remote side of the pipeline.
type ObjectStore interface {
	Info(ctx context.Context, p string) (gos3.ObjectInfo, error)
	Mkdirp(ctx context.Context, dir string) error
	Put(ctx context.Context, p string, body io.Reader, opts gos3.PutOptions) error
}

type stage struct {
	name string
	run  func(context.Context, *Task) error
}

// Pipeline runs the fixed stage sequence for each task.
type Pipeline struct {
	store  ObjectStore
	logger *log.Logger
	tracer trace.Tracer
	remove func(string) error
	stages []stage
}

// New returns a pipeline writing to store.
func New(store ObjectStore, logger *log.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Pipeline{
		store:  store,
		logger: logger,
		tracer: telemetry.Tracer(),
		remove: os.Remove,
	}
	p.stages = []stage{
		{"hash", p.hash},
		{"mkdirp", p.mkdirp},
		{"put", p.put},
		{"info", p.info},
		{"compare", p.compare},
		{"remove", p.unlink},
	}
	return p, nil
}

// Run executes every stage in order. Stages after a cancellation are
// skipped and the task ends without error.
func (p *Pipeline) Run(ctx context.Context, t *Task) error {
	ctx, span := p.tracer.Start(ctx, "archive.file", trace.WithAttributes(
		attribute.String("archive.local_path", t.LocalPath),
		attribute.String("archive.remote_path", t.RemotePath),
		attribute.Bool("archive.delete", t.Delete),
	))
	defer span.End()

	for _, s := range p.stages {
		if t.Canceled() {
			span.AddEvent("canceled", trace.WithAttributes(attribute.String("archive.stage", s.name)))
			return nil
		}
		if err := s.run(ctx, t); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, s.name)
			recordFailure(s.name, err)
			return err
		}
	}
	if t.Verified {
		filesArchived.Inc()
	}
	if t.Deleted {
		filesDeleted.Inc()
	}
	return nil
}

func (p *Pipeline) hash(_ context.Context, t *Task) error {
	f, err := os.Open(t.LocalPath)
	if err != nil {
		return fmt.Errorf("hash %s: %w", t.LocalPath, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", t.LocalPath, err)
	}
	t.LocalMD5 = base64.StdEncoding.EncodeToString(h.Sum(nil))
	return nil
}

func (p *Pipeline) mkdirp(ctx context.Context, t *Task) error {
	return p.store.Mkdirp(ctx, path.Dir(t.RemotePath))
}

func (p *Pipeline) put(ctx context.Context, t *Task) error {
	f, err := os.Open(t.LocalPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.LocalPath, err)
	}
	defer f.Close()

	err = p.store.Put(ctx, t.RemotePath, f, gos3.PutOptions{MD5: t.LocalMD5, Size: t.Size})
	if errors.Is(err, gos3.ErrPreconditionFailed) {
		p.logger.Printf("DEBUG %s already stored", t.RemotePath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", t.RemotePath, err)
	}
	p.logger.Printf("INFO uploaded %s -> %s", t.LocalPath, t.RemotePath)
	return nil
}

func (p *Pipeline) info(ctx context.Context, t *Task) error {
	info, err := p.store.Info(ctx, t.RemotePath)
	if err != nil {
		return fmt.Errorf("info %s: %w", t.RemotePath, err)
	}
	t.RemoteMD5 = info.MD5
	return nil
}

func (p *Pipeline) compare(_ context.Context, t *Task) error {
	if t.RemoteMD5 != t.LocalMD5 {
		return &IntegrityError{
			LocalPath:  t.LocalPath,
			RemotePath: t.RemotePath,
			LocalMD5:   t.LocalMD5,
			RemoteMD5:  t.RemoteMD5,
		}
	}
	t.Verified = true
	return nil
}

func (p *Pipeline) unlink(_ context.Context, t *Task) error {
	if !t.Delete || !t.Verified {
		return nil
	}
	err := p.remove(t.LocalPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.logger.Printf("WARN remove %s: already gone", t.LocalPath)
	case err != nil:
		return fmt.Errorf("remove %s: %w", t.LocalPath, err)
	default:
		t.Deleted = true
		p.logger.Printf("INFO removed %s (archived at %s)", t.LocalPath, t.RemotePath)
	}
	return nil
}
