// Package discovery enumerates candidate log files under a set of roots.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// File is a regular file found during a walk.
type File struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Stream yields files lazily. The walk only advances when the consumer
// calls Next, so a slow consumer throttles the walk.
type Stream struct {
	files  chan File
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	destroyOnce sync.Once
}

var errDestroyed = errors.New("stream destroyed")

// Walk starts enumerating regular files under roots in order. Roots and
// entries that vanish mid-walk are skipped.
func Walk(ctx context.Context, roots []string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		files:  make(chan File),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.walk(ctx, roots)
	return s
}

func (s *Stream) walk(ctx context.Context, roots []string) {
	defer close(s.files)
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					s.fail(root, err)
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					s.fail(root, err)
				}
				return nil
			}
			select {
			case s.files <- File{Path: path, Size: info.Size(), ModTime: info.ModTime()}:
				return nil
			case <-ctx.Done():
				return errDestroyed
			}
		})
		if errors.Is(err, errDestroyed) || ctx.Err() != nil {
			s.mu.Lock()
			s.err = nil
			s.mu.Unlock()
			return
		}
	}
}

// fail records the first listing error. The walk carries on with whatever
// else it can reach.
func (s *Stream) fail(root string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("walk %s: %w", root, err)
	}
}

// Next blocks until the next file is available. It returns false once the
// walk has finished or been destroyed.
func (s *Stream) Next() (File, bool) {
	select {
	case <-s.done:
		return File{}, false
	default:
	}
	select {
	case f, ok := <-s.files:
		return f, ok
	case <-s.done:
		return File{}, false
	}
}

// Err returns the first listing error of a finished walk, if any. A
// destroyed stream reports no error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Destroy stops the walk. It is safe to call more than once and from any
// goroutine.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}
