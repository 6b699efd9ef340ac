package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrRequestReused is returned when a request past the created state is
	// enqueued. Requests are single-use; create a new one per attempt.
	ErrRequestReused = errors.New("pool: request already queued or started")

	// ErrRequestCanceled settles the result of a canceled request.
	ErrRequestCanceled = errors.New("pool: request canceled")
)

// State is the lifecycle state of a tracked request. States are monotonic;
// no state is revisited.
type State int32

const (
	// StateCreated is the initial state of a new request.
	StateCreated State = iota

	// StateQueued means the request is waiting for a pool slot.
	StateQueued

	// StateActive means the request is executing.
	StateActive

	// StateSettled means the result future has resolved, successfully or
	// not. Settled requests are never reused.
	StateSettled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Exec performs the network call of one request attempt.
type Exec func(ctx context.Context) (*http.Response, error)

// Outcome is the settled result of a request.
type Outcome struct {
	Response *http.Response
	Err      error
}

// Request is one outstanding request attempt tracked by a pool. Created per
// attempt, settled exactly once, never reused.
type Request struct {
	id     string
	exec   Exec
	ctx    context.Context
	cancel context.CancelFunc

	// notify observes state transitions; set before Enqueue, called
	// without locks held.
	notify func(*Request, State)

	mu      sync.Mutex
	state   State
	pool    *Pool
	outcome Outcome
	done    chan struct{}
}

// NewRequest creates a request executing exec when admitted. The request
// inherits cancellation from ctx.
func NewRequest(ctx context.Context, exec Exec) *Request {
	ctx, cancel := context.WithCancel(ctx)
	return &Request{
		id:     uuid.NewString(),
		exec:   exec,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the request's unique identifier.
func (r *Request) ID() string {
	return r.id
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed when the request settles.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the settled result. Only valid after Done is closed.
func (r *Request) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Wait blocks until the request settles or ctx expires.
func (r *Request) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-r.done:
		out := r.Outcome()
		return out.Response, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel settles the request with ErrRequestCanceled immediately, without
// waiting for the transport to confirm the abort, and frees its pool slot.
func (r *Request) Cancel() {
	r.cancel()
	r.settle(nil, ErrRequestCanceled)
}

// transition advances the state from from to to. Returns false when the
// request is not in the expected state (e.g. already settled).
func (r *Request) transition(from, to State) bool {
	r.mu.Lock()
	if r.state != from {
		r.mu.Unlock()
		return false
	}
	r.state = to
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify(r, to)
	}
	return true
}

// settle resolves the result future exactly once. A response arriving after
// settlement (a canceled request whose transport completed anyway) is
// closed and discarded.
func (r *Request) settle(resp *http.Response, err error) {
	r.mu.Lock()
	if r.state == StateSettled {
		r.mu.Unlock()
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	r.state = StateSettled
	r.outcome = Outcome{Response: resp, Err: err}
	pool := r.pool
	notify := r.notify
	close(r.done)
	r.mu.Unlock()

	if pool != nil {
		pool.recordOutcome(err)
		pool.Dequeue(r)
	}
	if notify != nil {
		notify(r, StateSettled)
	}
}

// run executes the request after admission. Called in its own goroutine.
func (r *Request) run() {
	if !r.transition(StateQueued, StateActive) {
		// Settled while sitting in the admission window; free the slot.
		r.mu.Lock()
		pool := r.pool
		r.mu.Unlock()
		if pool != nil {
			pool.Dequeue(r)
		}
		return
	}

	resp, err := r.exec(r.ctx)
	r.settle(resp, err)
}
