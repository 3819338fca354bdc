// Package inflight tracks requests that wait for a reply delivered out of
// band, correlated by a random identifier.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"logarchive/pkg/clock"
)

// ErrTimeout is the result of a request that expired before its reply.
var ErrTimeout = errors.New("request timed out")

// Request is one registered request. It is completed exactly once.
type Request struct {
	ID      string
	Created time.Time
	Data    any

	done      chan struct{}
	completed bool
	result    []any
	timer     clock.Timer
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the values the request was completed with. It is only
// meaningful after Done is closed.
func (r *Request) Result() []any { return r.result }

// Wait blocks until the request completes or ctx ends.
func (r *Request) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot is the debug view of a request.
type Snapshot struct {
	ID         string    `json:"id"`
	CreateTime time.Time `json:"create_time"`
	Age        int64     `json:"age"`
	Data       any       `json:"data"`
}

// Registry holds outstanding requests.
type Registry struct {
	clock clock.Clock
	newID func() string

	mu   sync.Mutex
	reqs map[string]*Request
}

// New returns an empty registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clock: clk, newID: uuid.NewString, reqs: make(map[string]*Request)}
}

// Register stores a new request carrying data.
func (r *Registry) Register(data any) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.reqs[id]; !taken {
			break
		}
		id = r.newID()
	}
	req := &Request{ID: id, Created: r.clock.Now(), Data: data, done: make(chan struct{})}
	r.reqs[id] = req
	return req
}

// Expire completes req with ErrTimeout if it is still outstanding after d.
func (r *Registry) Expire(req *Request, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.completed {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	id := req.ID
	req.timer = r.clock.AfterFunc(d, func() { r.Resolve(id, ErrTimeout) })
}

// Lookup returns the outstanding request with id.
func (r *Registry) Lookup(id string) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	return req, ok
}

// Complete removes req and wakes its waiters with args. Completing a
// request twice panics.
func (r *Registry) Complete(req *Request, args ...any) {
	r.mu.Lock()
	if req.completed {
		r.mu.Unlock()
		panic(fmt.Sprintf("inflight: request %s completed twice", req.ID))
	}
	r.finishLocked(req, args)
	r.mu.Unlock()
	close(req.done)
}

// Resolve completes the request with id if it is still outstanding and
// reports whether it did. Replies racing a timeout go through here.
func (r *Registry) Resolve(id string, args ...any) bool {
	r.mu.Lock()
	req, ok := r.reqs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.finishLocked(req, args)
	r.mu.Unlock()
	close(req.done)
	return true
}

func (r *Registry) finishLocked(req *Request, args []any) {
	req.completed = true
	req.result = args
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	if r.reqs[req.ID] == req {
		delete(r.reqs, req.ID)
	}
}

// Len reports the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// Snapshot describes one outstanding request.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(req, r.clock.Now()), true
}

// Dump lists outstanding requests, oldest first.
func (r *Registry) Dump() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]Snapshot, 0, len(r.reqs))
	for _, req := range r.reqs {
		out = append(out, r.snapshotLocked(req, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out
}

func (r *Registry) snapshotLocked(req *Request, now time.Time) Snapshot {
	return Snapshot{
		ID:         req.ID,
		CreateTime: req.Created,
		Age:        now.Sub(req.Created).Milliseconds(),
		Data:       req.Data,
	}
}
