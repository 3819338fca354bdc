package archive

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gos3 "logarchive/pkg/s3"
)

type storedObject struct {
	data []byte
	md5  string
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
	calls   []string

	putErr    error
	remoteMD5 string
	onPut     func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]storedObject)}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) Info(_ context.Context, p string) (gos3.ObjectInfo, error) {
	s.record("info " + p)
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[p]
	if !ok {
		return gos3.ObjectInfo{}, fmt.Errorf("%w: %s", gos3.ErrNotFound, p)
	}
	if s.remoteMD5 != "" {
		return gos3.ObjectInfo{MD5: s.remoteMD5, Size: int64(len(obj.data))}, nil
	}
	return gos3.ObjectInfo{MD5: obj.md5, Size: int64(len(obj.data))}, nil
}

func (s *fakeStore) Mkdirp(_ context.Context, dir string) error {
	s.record("mkdirp " + dir)
	return nil
}

func (s *fakeStore) Put(_ context.Context, p string, body io.Reader, opts gos3.PutOptions) error {
	s.record("put " + p)
	if s.onPut != nil {
		s.onPut()
	}
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[p]; exists {
		return fmt.Errorf("%w: %s", gos3.ErrPreconditionFailed, p)
	}
	s.objects[p] = storedObject{data: data, md5: opts.MD5}
	return nil
}

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func md5Of(content string) string {
	sum := md5.Sum([]byte(content))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func newPipeline(t *testing.T, store ObjectStore) *Pipeline {
	t.Helper()
	p, err := New(store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

const remote = "/admin/stor/logs/app/2024/01/15/app.log"

func TestRunUploadsAndVerifies(t *testing.T) {
	store := newFakeStore()
	local := writeLog(t, "hello")
	task := NewTask(local, remote, 5, time.Now(), false, nil)

	if err := newPipeline(t, store).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"mkdirp /admin/stor/logs/app/2024/01/15", "put " + remote, "info " + remote}
	if got := store.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !task.Verified || task.LocalMD5 != md5Of("hello") {
		t.Fatalf("unexpected task state %+v", task)
	}
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("file must be kept without delete flag: %v", err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	local := writeLog(t, "hello")
	p := newPipeline(t, store)

	for i := 0; i < 2; i++ {
		task := NewTask(local, remote, 5, time.Now(), false, nil)
		if err := p.Run(context.Background(), task); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !task.Verified {
			t.Fatalf("run %d not verified", i)
		}
	}
	if got := string(store.objects[remote].data); got != "hello" {
		t.Fatalf("remote object changed: %q", got)
	}
}

func TestRunDeletesAfterVerification(t *testing.T) {
	store := newFakeStore()
	local := writeLog(t, "rotate me")
	task := NewTask(local, remote, 9, time.Now(), true, nil)

	if err := newPipeline(t, store).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !task.Deleted {
		t.Fatalf("expected deletion")
	}
	if _, err := os.Stat(local); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("local file still present: %v", err)
	}
}

func TestRunIntegrityFaultKeepsFile(t *testing.T) {
	store := newFakeStore()
	store.remoteMD5 = md5Of("something else")
	local := writeLog(t, "precious")
	task := NewTask(local, remote, 8, time.Now(), true, nil)

	err := newPipeline(t, store).Run(context.Background(), task)
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrity.LocalMD5 != md5Of("precious") || integrity.RemoteMD5 != md5Of("something else") ||
		integrity.LocalPath != local || integrity.RemotePath != remote {
		t.Fatalf("integrity error lacks context: %+v", integrity)
	}
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("file removed despite mismatch: %v", err)
	}
}

func TestRunPutFailureStops(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.New("503 slow down")
	local := writeLog(t, "x")
	task := NewTask(local, remote, 1, time.Now(), true, nil)

	if err := newPipeline(t, store).Run(context.Background(), task); err == nil {
		t.Fatalf("expected error")
	}
	for _, call := range store.Calls() {
		if call == "info "+remote {
			t.Fatalf("info must not run after a failed put")
		}
	}
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("file removed after failed put: %v", err)
	}
}

func TestRunMissingLocalFile(t *testing.T) {
	store := newFakeStore()
	task := NewTask(filepath.Join(t.TempDir(), "gone.log"), remote, 1, time.Now(), false, nil)
	if err := newPipeline(t, store).Run(context.Background(), task); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if len(store.Calls()) != 0 {
		t.Fatalf("store touched for unreadable file: %v", store.Calls())
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	store := newFakeStore()
	var canceled atomic.Bool
	canceled.Store(true)
	task := NewTask(writeLog(t, "x"), remote, 1, time.Now(), true, &canceled)

	if err := newPipeline(t, store).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.Calls()) != 0 || task.Verified {
		t.Fatalf("canceled task did work: %v", store.Calls())
	}
}

func TestRunCanceledMidFlightSkipsRemove(t *testing.T) {
	store := newFakeStore()
	var canceled atomic.Bool
	store.onPut = func() { canceled.Store(true) }
	local := writeLog(t, "x")
	task := NewTask(local, remote, 1, time.Now(), true, &canceled)

	if err := newPipeline(t, store).Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Verified || task.Deleted {
		t.Fatalf("stages ran after cancellation: %+v", task)
	}
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("file removed after cancellation: %v", err)
	}
}

func TestRemoveAlreadyGoneIsNotAnError(t *testing.T) {
	store := newFakeStore()
	p := newPipeline(t, store)
	p.remove = func(string) error { return &fs.PathError{Op: "remove", Path: "x", Err: fs.ErrNotExist} }
	task := NewTask(writeLog(t, "x"), remote, 1, time.Now(), true, nil)

	if err := p.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Deleted {
		t.Fatalf("task should not claim deletion")
	}
}
