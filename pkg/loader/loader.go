// Package loader drives the request lifecycle of one entity collection:
// issue request, decode the response envelope, hand the record stream to a
// processor, and schedule the next request.
//
// A loader is a small state machine: idle, pending (a timer is armed), or
// active (a request cycle is running). Pending is preemptible; asking for
// an earlier deadline re-arms the timer. Active cycles run to completion
// and are trusted to pick up the freshest state on their own.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/davidkellerman/nxus-data-loaders/pkg/activity"
	"github.com/davidkellerman/nxus-data-loaders/pkg/envelope"
	"github.com/davidkellerman/nxus-data-loaders/pkg/logging"
	"github.com/davidkellerman/nxus-data-loaders/pkg/pool"
)

// Prometheus metrics for load cycles.
var (
	loadCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nxus_load_cycles_total",
		Help: "Completed load cycles by outcome (loaded, busy, failure)",
	}, []string{"outcome"})

	loadCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nxus_load_cycle_duration_seconds",
		Help:    "Load cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	loadRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxus_load_records_total",
		Help: "Entity records handed to processors",
	})
)

// UI state bit flags, combined into one observable integer.
const (
	// FlagUnloaded is set while no successful data has ever been received
	// or the last cycle returned the busy signal.
	FlagUnloaded uint32 = 1 << 0

	// FlagError is set on request failure and cleared on the next
	// successful header decode.
	FlagError uint32 = 1 << 1
)

// DefaultErrorBackoff is the fixed delay before retrying after a failure.
const DefaultErrorBackoff = 60 * time.Second

// DefaultPoolName is the pool requests are submitted to when none is
// configured.
const DefaultPoolName = "data"

// Processor consumes one decoded response stream. The stream is finite and
// not restartable; the header has already been decoded.
type Processor interface {
	Process(ctx context.Context, stream envelope.Stream, header envelope.Header) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, stream envelope.Stream, header envelope.Header) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, stream envelope.Stream, header envelope.Header) error {
	return f(ctx, stream, header)
}

// Config holds the loader configuration.
type Config struct {
	// URL of the data service endpoint (required).
	URL string

	// Query parameters sent in every request body.
	Query map[string]any

	// Timestamps seeds the per-dependency freshness watermarks.
	Timestamps map[string]int64

	// Cutoff seeds the server-side horizon value.
	Cutoff int64

	// PoolName selects the request pool (default: DefaultPoolName).
	PoolName string

	// Pools is the pool set to draw from (default: pool.Default()).
	Pools *pool.Set

	// HTTPClient performs the requests. The default client carries a
	// cookie jar so credentials set by the service are included.
	HTTPClient *http.Client

	// Processor receives each decoded stream (required).
	Processor Processor

	// Activity receives lifecycle reports (default: discard).
	Activity activity.Sink

	// ErrorBackoff is the retry delay after a failure
	// (default: DefaultErrorBackoff).
	ErrorBackoff time.Duration

	// Logger for loader events. Nil uses a component logger tagged with
	// the URL.
	Logger *zerolog.Logger
}

// request scheduling state.
type schedState int

const (
	stateIdle schedState = iota
	statePending
	stateActive
)

// Loader orchestrates the request cycle for one collection.
type Loader struct {
	cfg    Config
	client *http.Client
	coord  *pool.Coordinator
	sink   activity.Sink
	logger zerolog.Logger

	flags atomic.Uint32

	mu         sync.Mutex
	state      schedState
	timer      *time.Timer
	deadline   time.Time
	timestamps map[string]int64
	cutoff     int64
	closed     bool
	cycleHook  func()
}

var (
	defaultClientOnce sync.Once
	defaultClient     *http.Client
)

// sharedHTTPClient returns the default client with a process-wide cookie
// jar. No request timeout: a stuck request occupies its pool slot until the
// transport gives up, which is a documented weakness of this design.
func sharedHTTPClient() *http.Client {
	defaultClientOnce.Do(func() {
		jar, _ := cookiejar.New(nil)
		defaultClient = &http.Client{Jar: jar}
	})
	return defaultClient
}

// New creates a loader. The loader is idle until Request is called.
func New(cfg Config) (*Loader, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Processor == nil {
		return nil, ErrNoProcessor
	}
	if cfg.PoolName == "" {
		cfg.PoolName = DefaultPoolName
	}
	if cfg.Pools == nil {
		cfg.Pools = pool.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = sharedHTTPClient()
	}
	if cfg.Activity == nil {
		cfg.Activity = activity.Discard
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = logging.NewLogger("data-loader").With().Str("url", cfg.URL).Logger()
	}

	timestamps := make(map[string]int64, len(cfg.Timestamps))
	for name, ts := range cfg.Timestamps {
		timestamps[name] = ts
	}

	l := &Loader{
		cfg:        cfg,
		client:     cfg.HTTPClient,
		coord:      pool.NewCoordinator(cfg.Pools.Pool(cfg.PoolName), cfg.Activity, logger),
		sink:       cfg.Activity,
		logger:     logger,
		timestamps: timestamps,
		cutoff:     cfg.Cutoff,
	}
	l.flags.Store(FlagUnloaded)
	return l, nil
}

// Flags returns the combined UI state bits.
func (l *Loader) Flags() uint32 {
	return l.flags.Load()
}

// Timestamp returns the recorded watermark for a dependency name, zero when
// unknown.
func (l *Loader) Timestamp(name string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timestamps[name]
}

// Timestamps returns a copy of the recorded watermarks.
func (l *Loader) Timestamps() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make(map[string]int64, len(l.timestamps))
	for name, ts := range l.timestamps {
		snapshot[name] = ts
	}
	return snapshot
}

// Request schedules a load cycle after delay.
//
// Idle loaders arm a timer and move to pending. Pending loaders re-arm only
// when the new deadline is earlier, promoting an immediate change-triggered
// reload over a stale scheduled retry. Active loaders ignore the request;
// the running cycle picks up the freshest state on its own.
func (l *Loader) Request(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	deadline := time.Now().Add(delay)
	switch l.state {
	case stateActive:
		return
	case statePending:
		if deadline.Before(l.deadline) {
			l.timer.Stop()
			l.arm(delay, deadline)
		}
	case stateIdle:
		l.state = statePending
		l.arm(delay, deadline)
	}
}

// arm starts the cycle timer. Must be called with l.mu held.
func (l *Loader) arm(delay time.Duration, deadline time.Time) {
	l.deadline = deadline
	l.timer = time.AfterFunc(delay, l.fire)
}

func (l *Loader) fire() {
	l.mu.Lock()
	if l.closed || l.state != statePending {
		l.mu.Unlock()
		return
	}
	l.state = stateActive
	l.mu.Unlock()

	l.cycle()
}

// Close stops the loader. An active cycle runs to completion but schedules
// nothing further.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}
}

// setCycleHook registers a hook invoked after every completed cycle. Used
// by the change-aware decorator.
func (l *Loader) setCycleHook(hook func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycleHook = hook
}

// cycle runs one full request cycle.
func (l *Loader) cycle() {
	start := time.Now()
	ctx := context.Background()

	payload, err := json.Marshal(l.requestBody())
	if err != nil {
		l.fail(err, false)
		return
	}

	r, err := l.coord.QueueDataRequest(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := l.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return resp, nil
	})
	if err != nil {
		l.fail(err, false)
		return
	}

	resp, err := r.Wait(ctx)
	if err != nil {
		// The coordinator auto-releases on a rejected result future.
		l.fail(err, false)
		return
	}
	defer resp.Body.Close()

	dec := envelope.NewDecoder(resp.Body)
	hdr, err := dec.Header()
	if err != nil {
		l.fail(err, true)
		return
	}

	if hdr.Busy() {
		// "Service busy, retry": no data received this cycle.
		l.coord.ReleaseDataRequest()
		l.setFlag(FlagUnloaded)
		l.sink.ReportActivity(activity.Report{Activity: pool.LoadingActivity})
		l.logger.Warn().Msg("Data service busy, retrying immediately")
		loadCyclesTotal.WithLabelValues("busy").Inc()
		l.endCycle(0, true)
		return
	}

	l.mergeHeader(hdr)
	l.clearFlag(FlagError)

	counted := &countingStream{stream: dec}
	if err := l.cfg.Processor.Process(ctx, counted, hdr); err != nil {
		l.fail(err, true)
		return
	}
	loadRecordsTotal.Add(float64(counted.count))

	l.coord.ReleaseDataRequest()
	l.clearFlag(FlagUnloaded)
	l.sink.ReportActivity(activity.Report{})
	loadCyclesTotal.WithLabelValues("loaded").Inc()
	loadCycleDuration.Observe(time.Since(start).Seconds())
	l.logger.Info().
		Int("count", *hdr.Count).
		Int("records", counted.count).
		Dur("duration", time.Since(start)).
		Msg("Load cycle complete")
	l.endCycle(0, false)
}

// requestBody builds the outbound request parameters: configured query plus
// locally held timestamps and cutoff.
func (l *Loader) requestBody() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	body := make(map[string]any, len(l.cfg.Query)+2)
	for key, value := range l.cfg.Query {
		body[key] = value
	}
	timestamps := make(map[string]int64, len(l.timestamps))
	for name, ts := range l.timestamps {
		timestamps[name] = ts
	}
	body["timestamps"] = timestamps
	body["cutoff"] = l.cutoff
	return body
}

// mergeHeader folds the header's watermarks into local state.
func (l *Loader) mergeHeader(hdr envelope.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, ts := range hdr.Timestamps {
		l.timestamps[name] = ts
	}
	if hdr.Cutoff != 0 {
		l.cutoff = hdr.Cutoff
	}
}

// fail records a cycle failure and arms the fixed back-off retry. release
// is true when the request succeeded at the transport level and the slot is
// still held.
func (l *Loader) fail(err error, release bool) {
	if release {
		l.coord.ReleaseDataRequest()
	}
	l.setFlag(FlagError)
	// Error suppresses routine activity text but is itself surfaced.
	l.sink.ReportActivity(activity.Report{Severity: activity.SeverityError})
	loadCyclesTotal.WithLabelValues("failure").Inc()
	l.logger.Error().
		Err(err).
		Dur("backoff", l.cfg.ErrorBackoff).
		Msg("Load cycle failed")
	l.endCycle(l.cfg.ErrorBackoff, true)
}

// endCycle returns to idle, optionally re-arming, and runs the cycle hook.
func (l *Loader) endCycle(rearm time.Duration, rearmWanted bool) {
	l.mu.Lock()
	l.state = stateIdle
	hook := l.cycleHook
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return
	}
	if rearmWanted {
		l.Request(rearm)
	}
	if hook != nil {
		hook()
	}
}

func (l *Loader) setFlag(flag uint32) {
	for {
		old := l.flags.Load()
		if l.flags.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

func (l *Loader) clearFlag(flag uint32) {
	for {
		old := l.flags.Load()
		if l.flags.CompareAndSwap(old, old&^flag) {
			return
		}
	}
}

// countingStream counts records as the processor pulls them.
type countingStream struct {
	stream envelope.Stream
	count  int
}

func (s *countingStream) Next() (envelope.Record, error) {
	rec, err := s.stream.Next()
	if err == nil {
		s.count++
	}
	return rec, err
}
