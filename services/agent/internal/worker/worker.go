// Package worker drives one logset's discovery walk through the archive
// pipeline, one file at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar"

	"logarchive/pkg/clock"
	"logarchive/pkg/logset"
	"logarchive/services/agent/internal/archive"
	"logarchive/services/agent/internal/dedup"
	"logarchive/services/agent/internal/discovery"
)

// DefaultErrorPause is the delay after a failed file before the next one.
const DefaultErrorPause = time.Second

// Runner executes an archive task.
type Runner interface {
	Run(ctx context.Context, t *archive.Task) error
}

// Config wires a worker to its collaborators.
type Config struct {
	Logset   *logset.Logset
	Pipeline Runner
	Dedup    *dedup.Cache
	Identity logset.IdentityLookup
	// Vars supplies %u, %d and %n. The tenant login is filled per file.
	Vars       logset.Vars
	ZoneRoot   string
	Clock      clock.Clock
	Logger     *log.Logger
	ErrorPause time.Duration
}

// Worker processes a single discovery sweep for one logset. It runs once.
type Worker struct {
	cfg    Config
	prefix string

	started  atomic.Bool
	canceled atomic.Bool

	mu     sync.Mutex
	stream *discovery.Stream
}

// New validates cfg and returns an idle worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Logset == nil {
		return nil, errors.New("logset is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.Dedup == nil {
		return nil, errors.New("dedup cache is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = DefaultErrorPause
	}
	if cfg.ZoneRoot == "" {
		cfg.ZoneRoot = "/zones"
	}

	w := &Worker{cfg: cfg}
	if !cfg.Logset.IsGlobal() {
		w.prefix = filepath.Join(cfg.ZoneRoot, cfg.Logset.Zonename, "root")
	}
	return w, nil
}

// Run walks the logset's search directories and archives eligible files.
// It returns the walk's terminal error, if any. Calling Run twice panics.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("worker: Run called twice for logset %s/%s", w.cfg.Logset.Name, w.cfg.Logset.Zonename))
	}

	roots, err := w.roots()
	if err != nil {
		return err
	}

	stream := discovery.Walk(ctx, roots)
	w.mu.Lock()
	w.stream = stream
	w.mu.Unlock()
	if w.canceled.Load() {
		stream.Destroy()
	}

	for {
		f, ok := stream.Next()
		if !ok {
			break
		}
		if err := w.process(ctx, f); err != nil {
			w.cfg.Logger.Printf("ERROR logset %s zone %s: %s: %v", w.cfg.Logset.Name, w.cfg.Logset.Zonename, f.Path, err)
			select {
			case <-ctx.Done():
				stream.Destroy()
			case <-w.cfg.Clock.After(w.cfg.ErrorPause):
			}
		}
	}
	return stream.Err()
}

// Destroy stops the walk. A file already in the pipeline finishes its
// current stage and skips the rest.
func (w *Worker) Destroy() {
	w.canceled.Store(true)
	w.mu.Lock()
	stream := w.stream
	w.mu.Unlock()
	if stream != nil {
		stream.Destroy()
	}
}

// Canceled reports whether Destroy was called.
func (w *Worker) Canceled() bool { return w.canceled.Load() }

func (w *Worker) roots() ([]string, error) {
	ls := w.cfg.Logset
	roots := make([]string, 0, len(ls.SearchDirs))
	for _, dir := range ls.SearchDirs {
		base := filepath.Join(w.prefix, dir)
		if w.prefix == "" {
			base = filepath.Clean(dir)
		}
		if ls.SearchDirsPattern == "" {
			roots = append(roots, base)
			continue
		}
		matches, err := doublestar.Glob(filepath.Join(base, ls.SearchDirsPattern))
		if err != nil {
			return nil, fmt.Errorf("expand %s under %s: %w", ls.SearchDirsPattern, base, err)
		}
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && fi.IsDir() {
				roots = append(roots, m)
			}
		}
	}
	return roots, nil
}

func (w *Worker) process(ctx context.Context, f discovery.File) error {
	rel := f.Path
	if w.prefix != "" {
		if !strings.HasPrefix(f.Path, w.prefix+"/") {
			panic(fmt.Sprintf("worker: %s is outside zone root %s", f.Path, w.prefix))
		}
		rel = strings.TrimPrefix(f.Path, w.prefix)
	}

	ls := w.cfg.Logset
	if !ls.Matches(rel) {
		return nil
	}

	archiveAfter := f.ModTime
	date, ok, err := ls.ExtractDate(rel)
	if err != nil {
		return err
	}
	if ok && date.After(archiveAfter) {
		archiveAfter = date
	}
	archiveAfter = archiveAfter.Add(ls.Debounce())

	now := w.cfg.Clock.Now()
	if now.Before(archiveAfter) {
		filesSkipped.WithLabelValues("debounce").Inc()
		return nil
	}
	del := !now.Before(archiveAfter.Add(ls.Retain()))

	vars := w.cfg.Vars
	vars.Customer, err = ls.ResolveTenant(ctx, rel, w.cfg.Identity)
	if err != nil {
		return err
	}
	remote, err := ls.RenderPath(rel, vars)
	if err != nil {
		return err
	}

	if !del && w.cfg.Dedup.AlreadyVerified(f.Path, remote, f.ModTime) {
		filesSkipped.WithLabelValues("verified").Inc()
		return nil
	}

	task := archive.NewTask(f.Path, remote, f.Size, f.ModTime, del, &w.canceled)
	if err := w.cfg.Pipeline.Run(ctx, task); err != nil {
		return fmt.Errorf("archive to %s: %w", remote, err)
	}
	if task.Verified {
		w.cfg.Dedup.MarkVerified(f.Path, remote, f.ModTime)
	}
	return nil
}
