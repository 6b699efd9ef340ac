package pool

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/davidkellerman/nxus-data-loaders/pkg/logging"
)

// Prometheus metrics for pool operations.
var (
	poolActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nxus_pool_active",
		Help: "Currently executing requests by pool",
	}, []string{"pool"})

	poolQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nxus_pool_queued",
		Help: "Requests waiting for a slot by pool",
	}, []string{"pool"})

	poolRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nxus_pool_requests_total",
		Help: "Settled requests by pool and outcome",
	}, []string{"pool", "outcome"})
)

// DefaultLimit is the concurrency limit of newly created pools.
const DefaultLimit = 2

// Pool is a named group of requests sharing one concurrency limit.
// Admission is strictly FIFO.
type Pool struct {
	name   string
	logger zerolog.Logger

	mu     sync.Mutex
	limit  int
	queued []*Request
	active map[*Request]struct{}
}

func newPool(name string, limit int) *Pool {
	return &Pool{
		name:   name,
		logger: logging.NewLogger("request-pool").With().Str("pool", name).Logger(),
		limit:  limit,
		active: make(map[*Request]struct{}),
	}
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Limit returns the current concurrency limit.
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// SetLimit changes the concurrency limit. Raising the limit admits queued
// requests immediately; lowering it never cancels active ones.
func (p *Pool) SetLimit(limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = limit
	p.admit()
}

// Enqueue appends the request to the pool's queue and attempts admission.
// Enqueuing a request past the created state is a programming error and
// returns ErrRequestReused.
func (p *Pool) Enqueue(r *Request) error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return ErrRequestReused
	}
	r.state = StateQueued
	r.pool = p
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify(r, StateQueued)
	}

	p.mu.Lock()
	p.queued = append(p.queued, r)
	poolQueued.WithLabelValues(p.name).Set(float64(len(p.queued)))
	p.logger.Debug().Str("request_id", r.ID()).Int("depth", len(p.queued)).Msg("Request queued")
	p.admit()
	p.mu.Unlock()

	return nil
}

// Dequeue removes the request from the pool, whether queued or active, and
// re-attempts admission. Dequeue is idempotent and never fails.
func (p *Pool) Dequeue(r *Request) {
	p.mu.Lock()
	for i, queued := range p.queued {
		if queued == r {
			p.queued = append(p.queued[:i], p.queued[i+1:]...)
			break
		}
	}
	delete(p.active, r)
	poolQueued.WithLabelValues(p.name).Set(float64(len(p.queued)))
	poolActive.WithLabelValues(p.name).Set(float64(len(p.active)))
	p.admit()
	p.mu.Unlock()
}

// admit moves queued requests into the active set while slots are free.
// Must be called with p.mu held.
func (p *Pool) admit() {
	for len(p.queued) > 0 && len(p.active) < p.limit {
		r := p.queued[0]
		p.queued = p.queued[1:]
		p.active[r] = struct{}{}
		poolQueued.WithLabelValues(p.name).Set(float64(len(p.queued)))
		poolActive.WithLabelValues(p.name).Set(float64(len(p.active)))
		p.logger.Debug().Str("request_id", r.ID()).Msg("Request admitted")
		go r.run()
	}
}

// recordOutcome updates the settled-request counter.
func (p *Pool) recordOutcome(err error) {
	outcome := "success"
	switch {
	case errors.Is(err, ErrRequestCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "failure"
	}
	poolRequestsTotal.WithLabelValues(p.name, outcome).Inc()
}

// Set is a registry of pools by name. A Set is created explicitly and lives
// for the process lifetime; tests use ResetDefault to start clean.
type Set struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// NewSet creates an empty pool set.
func NewSet() *Set {
	return &Set{pools: make(map[string]*Pool)}
}

// Pool returns the named pool, creating it with DefaultLimit on first use.
func (s *Set) Pool(name string) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		p = newPool(name, DefaultLimit)
		s.pools[name] = p
	}
	return p
}

var (
	defaultMu  sync.Mutex
	defaultSet *Set
)

// Default returns the process-wide pool set, created on first use.
func Default() *Set {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSet == nil {
		defaultSet = NewSet()
	}
	return defaultSet
}

// ResetDefault discards the process-wide pool set. Intended for tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSet = nil
}
