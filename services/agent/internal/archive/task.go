package archive

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Task is one file's trip through the pipeline. A Task is used once.
type Task struct {
	LocalPath  string
	RemotePath string
	Size       int64
	ModTime    time.Time
	Delete     bool

	LocalMD5  string
	RemoteMD5 string
	Verified  bool
	Deleted   bool

	canceled *atomic.Bool
}

// NewTask binds a task to a cancellation flag shared with its owner. A nil
// flag means the task cannot be canceled.
func NewTask(localPath, remotePath string, size int64, mtime time.Time, del bool, canceled *atomic.Bool) *Task {
	if canceled == nil {
		canceled = new(atomic.Bool)
	}
	return &Task{
		LocalPath:  localPath,
		RemotePath: remotePath,
		Size:       size,
		ModTime:    mtime,
		Delete:     del,
		canceled:   canceled,
	}
}

// Canceled reports whether the owning worker was destroyed.
func (t *Task) Canceled() bool { return t.canceled.Load() }

// IntegrityError reports a remote object whose content differs from the
// local file it was uploaded from.
type IntegrityError struct {
	LocalPath  string
	RemotePath string
	LocalMD5   string
	RemoteMD5  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("md5 mismatch for %s -> %s: local %s remote %s", e.LocalPath, e.RemotePath, e.LocalMD5, e.RemoteMD5)
}
