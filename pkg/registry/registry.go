// Package registry deduplicates loader instances by configuration identity
// and multiplexes one loader's output stream to any number of consumers.
//
// Consumers reference a loader by (kind, configuration); configurations
// that fingerprint equal share one underlying loader. The registry owns the
// loader's processor slot: on each load cycle it fans every stream record
// out to all registered consumer processors in lockstep and mirrors the
// stream into an in-memory snapshot. A consumer that joins after data is
// already loaded receives the snapshot as a synthetic replay instead of a
// duplicate network request.
package registry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/davidkellerman/nxus-data-loaders/pkg/activity"
	"github.com/davidkellerman/nxus-data-loaders/pkg/envelope"
	"github.com/davidkellerman/nxus-data-loaders/pkg/events"
	"github.com/davidkellerman/nxus-data-loaders/pkg/loader"
	"github.com/davidkellerman/nxus-data-loaders/pkg/logging"
	"github.com/davidkellerman/nxus-data-loaders/pkg/pool"
)

// Prometheus metrics for the shared-loader registry.
var (
	sharedLoaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nxus_shared_loaders",
		Help: "Live shared loader specifications",
	})

	distributionCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxus_distribution_cycles_total",
		Help: "Completed distribution cycles",
	})

	catchupReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxus_catchup_replays_total",
		Help: "Catch-up snapshot replays delivered to late joiners",
	})
)

// Kind selects the loader variant a specification is built around.
type Kind string

const (
	// KindData is the plain data loader.
	KindData Kind = "data"

	// KindChangeAware is a data loader decorated with change-triggered
	// reloading.
	KindChangeAware Kind = "change-aware"
)

// Config identifies and configures a shared loader. Two Configs that
// fingerprint equal share one loader instance.
type Config struct {
	URL        string           `json:"url"`
	Query      map[string]any   `json:"query,omitempty"`
	PoolName   string           `json:"pool,omitempty"`
	EventsURL  string           `json:"eventsUrl,omitempty"`
	Events     []string         `json:"events,omitempty"`
	Timestamps map[string]int64 `json:"timestamps,omitempty"`
	Cutoff     int64            `json:"cutoff,omitempty"`
}

// Shared is the consumer-facing surface of a shared loader instance.
type Shared interface {
	Request(delay time.Duration)
	Flags() uint32
	Close()
}

// BuildFunc constructs the underlying loader for a specification. Exposed
// for tests; production use relies on the default builder.
type BuildFunc func(kind Kind, cfg loader.Config, eventsURL string, eventNames []string) (Shared, error)

// DefaultCatchupDelay is the deferral before a catch-up replay runs,
// coalescing a burst of joiners into one replay.
const DefaultCatchupDelay = 10 * time.Millisecond

// Options configures a Registry.
type Options struct {
	// Pools supplies request pools to constructed loaders
	// (default: pool.Default()).
	Pools *pool.Set

	// Hub supplies the change-notification hub to change-aware loaders
	// (default: events.Default()).
	Hub *events.Hub

	// HTTPClient is handed to constructed loaders.
	HTTPClient *http.Client

	// CatchupDelay overrides DefaultCatchupDelay.
	CatchupDelay time.Duration

	// ErrorBackoff overrides the constructed loaders' retry delay after a
	// failed cycle (default: loader.DefaultErrorBackoff).
	ErrorBackoff time.Duration

	// Build overrides loader construction. Tests only.
	Build BuildFunc
}

// specification state.
type specState int

const (
	stateUnset specState = iota
	stateLoading
	stateLoaded
)

// specification is the registry's record for one unique configuration.
type specification struct {
	key     specKey
	loader  Shared
	procs   []loader.Processor
	members map[loader.Processor]struct{}
	targets map[activity.Sink]int

	// objects mirrors the most recent full result; catch-up replays read
	// from it.
	objects map[string]envelope.Record

	state        specState
	catchups     map[loader.Processor]struct{}
	catchupTimer *time.Timer

	// distMu serializes distribution cycles with catch-up replays. A replay
	// that has started delivering finishes before a live cycle fans out, so
	// consumers always observe the replay strictly before newer data.
	distMu sync.Mutex
}

type specKey struct {
	kind        Kind
	fingerprint string
}

// Registry is a keyed cache of loader instances.
type Registry struct {
	pools        *pool.Set
	hub          *events.Hub
	client       *http.Client
	build        BuildFunc
	catchupDelay time.Duration
	errorBackoff time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	specs    map[specKey]*specification
	byLoader map[Shared]*specification
}

// NewRegistry creates a registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		pools:        opts.Pools,
		hub:          opts.Hub,
		client:       opts.HTTPClient,
		build:        opts.Build,
		catchupDelay: opts.CatchupDelay,
		errorBackoff: opts.ErrorBackoff,
		logger:       logging.NewLogger("shared-registry"),
		specs:        make(map[specKey]*specification),
		byLoader:     make(map[Shared]*specification),
	}
	if r.pools == nil {
		r.pools = pool.Default()
	}
	if r.catchupDelay <= 0 {
		r.catchupDelay = DefaultCatchupDelay
	}
	if r.build == nil {
		r.build = r.defaultBuild
	}
	return r
}

func (r *Registry) defaultBuild(kind Kind, cfg loader.Config, eventsURL string, eventNames []string) (Shared, error) {
	l, err := loader.New(cfg)
	if err != nil {
		return nil, err
	}
	if kind == KindChangeAware {
		hub := r.hub
		if hub == nil {
			hub = events.Default()
		}
		return loader.NewChangeAware(l, hub, eventsURL, eventNames...)
	}
	return l, nil
}

// Reference registers proc (and optionally target) as a consumer of the
// shared loader for (kind, cfg), constructing the loader on first use.
// Every caller with a fingerprint-equal configuration receives the same
// instance. A consumer joining after data is loaded is scheduled for a
// deferred catch-up replay.
//
// Processors and targets must be comparable values (pointers); the same
// processor can be registered with only one specification at a time.
func (r *Registry) Reference(kind Kind, cfg Config, proc loader.Processor, target activity.Sink) (Shared, error) {
	fp, err := Fingerprint(cfg)
	if err != nil {
		return nil, err
	}
	key := specKey{kind: kind, fingerprint: fp}

	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.specs[key]
	if !ok {
		spec = &specification{
			key:      key,
			members:  make(map[loader.Processor]struct{}),
			targets:  make(map[activity.Sink]int),
			objects:  make(map[string]envelope.Record),
			catchups: make(map[loader.Processor]struct{}),
		}

		lcfg := loader.Config{
			URL:          cfg.URL,
			Query:        cfg.Query,
			PoolName:     cfg.PoolName,
			Timestamps:   cfg.Timestamps,
			Cutoff:       cfg.Cutoff,
			Pools:        r.pools,
			HTTPClient:   r.client,
			ErrorBackoff: r.errorBackoff,
			Processor:    &distributor{reg: r, spec: spec},
			Activity:     &targetSink{reg: r, spec: spec},
		}
		shared, err := r.build(kind, lcfg, cfg.EventsURL, cfg.Events)
		if err != nil {
			return nil, err
		}
		spec.loader = shared
		r.specs[key] = spec
		r.byLoader[shared] = spec
		sharedLoaders.Inc()
		r.logger.Info().
			Str("fingerprint", fp).
			Str("kind", string(kind)).
			Str("url", cfg.URL).
			Msg("Shared loader created")
	}

	if _, member := spec.members[proc]; !member {
		spec.members[proc] = struct{}{}
		spec.procs = append(spec.procs, proc)
	}
	if target != nil {
		spec.targets[target]++
	}

	if spec.state != stateUnset {
		spec.catchups[proc] = struct{}{}
	}
	if spec.state == stateLoaded {
		r.scheduleCatchup(spec)
	}

	return spec.loader, nil
}

// Dereference removes proc (and optionally one target reference) from the
// specification owning the given loader instance. It returns false when the
// loader or processor is unknown. When the last processor leaves, the
// loader is torn down exactly once and the specification deleted; loader
// instances are never reused after that.
func (r *Registry) Dereference(shared Shared, proc loader.Processor, target activity.Sink) bool {
	r.mu.Lock()
	spec, ok := r.byLoader[shared]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, member := spec.members[proc]; !member {
		r.mu.Unlock()
		return false
	}

	delete(spec.members, proc)
	delete(spec.catchups, proc)
	for i, p := range spec.procs {
		if p == proc {
			spec.procs = append(spec.procs[:i], spec.procs[i+1:]...)
			break
		}
	}
	if target != nil {
		if spec.targets[target]--; spec.targets[target] <= 0 {
			delete(spec.targets, target)
		}
	}

	empty := len(spec.members) == 0
	if empty {
		delete(r.specs, spec.key)
		delete(r.byLoader, shared)
		if spec.catchupTimer != nil {
			spec.catchupTimer.Stop()
			spec.catchupTimer = nil
		}
		sharedLoaders.Dec()
	}
	r.mu.Unlock()

	if empty {
		shared.Close()
		r.logger.Info().
			Str("fingerprint", spec.key.fingerprint).
			Msg("Shared loader torn down")
	}
	return true
}

// scheduleCatchup arms the deferred catch-up task. Must be called with
// r.mu held.
func (r *Registry) scheduleCatchup(spec *specification) {
	if spec.catchupTimer != nil {
		return
	}
	spec.catchupTimer = time.AfterFunc(r.catchupDelay, func() {
		r.runCatchup(spec)
	})
}

// runCatchup replays the mirrored snapshot to every pending catch-up
// processor. A load started in the interim supersedes the replay: the
// snapshot those joiners would have seen is stale, and the running cycle
// already includes them. Holding distMu across the delivery keeps a cycle
// starting mid-replay from overtaking the stale snapshot.
func (r *Registry) runCatchup(spec *specification) {
	spec.distMu.Lock()
	defer spec.distMu.Unlock()

	r.mu.Lock()
	spec.catchupTimer = nil
	if r.specs[spec.key] != spec || spec.state != stateLoaded || len(spec.catchups) == 0 {
		r.mu.Unlock()
		return
	}

	pending := make([]loader.Processor, 0, len(spec.catchups))
	for _, p := range spec.procs {
		if _, waiting := spec.catchups[p]; waiting {
			pending = append(pending, p)
		}
	}
	spec.catchups = make(map[loader.Processor]struct{})

	records := make([]envelope.Record, 0, len(spec.objects))
	for _, rec := range spec.objects {
		records = append(records, rec)
	}
	r.mu.Unlock()

	header := envelope.Header{}.WithCount(len(records))

	for _, p := range pending {
		catchupReplaysTotal.Inc()
		if err := p.Process(context.Background(), envelope.NewSliceStream(records), header); err != nil {
			r.logger.Error().
				Err(err).
				Str("fingerprint", spec.key.fingerprint).
				Msg("Catch-up replay failed")
		}
	}
	r.logger.Debug().
		Str("fingerprint", spec.key.fingerprint).
		Int("processors", len(pending)).
		Int("records", len(records)).
		Msg("Catch-up replay delivered")
}

// distributor is the registry-owned processor bound to each shared loader.
// It fans the stream out to all registered consumer processors and keeps
// the mirror current.
type distributor struct {
	reg  *Registry
	spec *specification
}

// sinkRun is one consumer's side of a distribution cycle.
type sinkRun struct {
	ch   chan envelope.Record
	done chan struct{}
	err  error

	// fail carries a terminal stream error; written before ch is closed so
	// the consumer's stream ends with the error instead of a clean EOF.
	fail error
}

// Process implements loader.Processor. Fan-out is lockstep: no processor
// observes record N+1 before every processor has been handed record N.
func (d *distributor) Process(ctx context.Context, stream envelope.Stream, header envelope.Header) error {
	r := d.reg
	spec := d.spec

	// An in-flight catch-up replay completes before this cycle fans out.
	spec.distMu.Lock()
	defer spec.distMu.Unlock()

	r.mu.Lock()
	spec.state = stateLoading
	if spec.catchupTimer != nil {
		// A fresh load supersedes any pending catch-up.
		spec.catchupTimer.Stop()
		spec.catchupTimer = nil
	}
	procs := make([]loader.Processor, len(spec.procs))
	copy(procs, spec.procs)
	// Everyone waiting for a catch-up is in this cycle's fan-out.
	spec.catchups = make(map[loader.Processor]struct{})
	if !header.Update {
		// Full replace: the mirror restarts from the stream alone.
		spec.objects = make(map[string]envelope.Record)
	}
	r.mu.Unlock()

	runs := make([]*sinkRun, len(procs))
	for i, p := range procs {
		run := &sinkRun{
			ch:   make(chan envelope.Record),
			done: make(chan struct{}),
		}
		runs[i] = run
		go func(p loader.Processor, run *sinkRun) {
			defer close(run.done)
			run.err = p.Process(ctx, &chanStream{run: run}, header)
			// Keep draining so a failed consumer never stalls the others.
			for range run.ch {
			}
		}(p, run)
	}

	var streamErr error
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		for _, run := range runs {
			run.ch <- rec
		}

		r.mu.Lock()
		if rec.Deleted() {
			delete(spec.objects, rec.Key)
		} else {
			spec.objects[rec.Key] = rec
		}
		r.mu.Unlock()
	}

	for _, run := range runs {
		if streamErr != nil {
			run.fail = streamErr
		}
		close(run.ch)
	}
	var procErr error
	for _, run := range runs {
		<-run.done
		// Consumers rejecting the failed stream are not consumer failures.
		if run.err != nil && run.err != streamErr {
			r.logger.Error().
				Err(run.err).
				Str("fingerprint", spec.key.fingerprint).
				Msg("Consumer processor failed during distribution")
			if procErr == nil {
				procErr = run.err
			}
		}
	}

	if streamErr != nil {
		// The mirror may be partial; leave the state at loading so no
		// catch-up replays against it. The loader retries the cycle.
		return streamErr
	}

	r.mu.Lock()
	spec.state = stateLoaded
	pending := len(spec.catchups) > 0
	if pending {
		r.scheduleCatchup(spec)
	}
	r.mu.Unlock()

	distributionCyclesTotal.Inc()
	return procErr
}

// chanStream adapts a distribution channel to the pull-based Stream. A
// transport error ending the cycle is surfaced as the stream's terminal
// error, so consumers reject the truncated result instead of committing it.
type chanStream struct {
	run *sinkRun
}

// Next implements envelope.Stream.
func (s *chanStream) Next() (envelope.Record, error) {
	rec, ok := <-s.run.ch
	if !ok {
		if s.run.fail != nil {
			return envelope.Record{}, s.run.fail
		}
		return envelope.Record{}, io.EOF
	}
	return rec, nil
}

// targetSink rebroadcasts a shared loader's activity to every currently
// registered target.
type targetSink struct {
	reg  *Registry
	spec *specification
}

// ReportActivity implements activity.Sink.
func (t *targetSink) ReportActivity(report activity.Report) {
	t.reg.mu.Lock()
	targets := make([]activity.Sink, 0, len(t.spec.targets))
	for target := range t.spec.targets {
		targets = append(targets, target)
	}
	t.reg.mu.Unlock()

	for _, target := range targets {
		target.ReportActivity(report)
	}
}
