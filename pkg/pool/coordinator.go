package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/davidkellerman/nxus-data-loaders/pkg/activity"
)

// ErrRequestOutstanding is returned when a data request is queued while the
// owner already holds one. The owner must release before queuing again.
var ErrRequestOutstanding = errors.New("pool: data request already outstanding")

// LoadingActivity is the activity text reported while a request is in
// flight.
const LoadingActivity = "loading data"

// Coordinator bounds one owner to at most one outstanding request at a
// time. Every lifecycle transition is reported to the activity sink.
type Coordinator struct {
	pool   *Pool
	sink   activity.Sink
	logger zerolog.Logger

	mu      sync.Mutex
	current *Request
}

// NewCoordinator creates a coordinator submitting to the given pool. A nil
// sink discards activity reports.
func NewCoordinator(p *Pool, sink activity.Sink, logger zerolog.Logger) *Coordinator {
	if sink == nil {
		sink = activity.Discard
	}
	return &Coordinator{pool: p, sink: sink, logger: logger}
}

// QueueDataRequest creates and enqueues a request executing exec. It fails
// with ErrRequestOutstanding if a request is already held. On a failed
// result the coordinator releases automatically; on success the owner must
// call ReleaseDataRequest once the response is fully processed.
func (c *Coordinator) QueueDataRequest(ctx context.Context, exec Exec) (*Request, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrRequestOutstanding
	}
	r := NewRequest(ctx, exec)
	r.notify = c.onState
	c.current = r
	c.mu.Unlock()

	if err := c.pool.Enqueue(r); err != nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return nil, err
	}

	// Auto-release on failure once the result future rejects.
	go func() {
		<-r.Done()
		if r.Outcome().Err != nil {
			c.release(r, true)
		}
	}()

	return r, nil
}

// ReleaseDataRequest releases the currently held request, if any, freeing
// its pool slot and clearing activity.
func (c *Coordinator) ReleaseDataRequest() {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r != nil {
		c.release(r, false)
	}
}

// Outstanding reports whether a request is currently held.
func (c *Coordinator) Outstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Coordinator) release(r *Request, failed bool) {
	c.mu.Lock()
	if c.current != r {
		// Already released, or superseded.
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	c.pool.Dequeue(r)

	report := activity.Report{}
	if failed {
		report.Severity = activity.SeverityError
	}
	c.sink.ReportActivity(report)
	c.logger.Debug().Str("request_id", r.ID()).Bool("failed", failed).Msg("Request released")
}

// onState reports queue and activation transitions to the activity sink.
func (c *Coordinator) onState(r *Request, s State) {
	switch s {
	case StateQueued, StateActive:
		c.sink.ReportActivity(activity.Report{Activity: LoadingActivity})
	}
}
