// Package merge applies decoded update streams to entity buckets with
// identity-preserving diffing.
//
// A bucket is a map from entity key to entity value owned by a consumer
// container. The processor computes the minimal set of additions and
// removals for one stream, invokes teardown hooks on removed entities, and
// publishes a new bucket map only when something actually changed. An
// unchanged merge leaves the existing map untouched so observers that
// compare by reference see no spurious change.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/davidkellerman/nxus-data-loaders/pkg/envelope"
)

var (
	// ErrNoAdapter indicates the processor was constructed without an
	// entity adapter.
	ErrNoAdapter = errors.New("merge: adapter is required")

	// ErrMultipleEntities indicates a singleton processor received more
	// than one live entity in a single merge. The merge is fully rejected;
	// the bucket is not partially mutated.
	ErrMultipleEntities = errors.New("merge: multiple entities for singleton processor")
)

// Adapter converts raw record values into entity values.
type Adapter interface {
	// Wrap deserializes one record value. The returned entity is stored in
	// the bucket under the record's local key.
	Wrap(key string, raw json.RawMessage) (any, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(key string, raw json.RawMessage) (any, error)

// Wrap implements Adapter.
func (f AdapterFunc) Wrap(key string, raw json.RawMessage) (any, error) {
	return f(key, raw)
}

// RawAdapter stores record values as raw JSON without deserialization.
var RawAdapter Adapter = AdapterFunc(func(_ string, raw json.RawMessage) (any, error) {
	return raw, nil
})

// Equaler is implemented by entities that define their own equality. When
// an incoming value is equal to the stored one, the stored entity keeps its
// identity and the incoming value is discarded.
type Equaler interface {
	EqualEntity(other any) bool
}

// Destroyer is implemented by entities that need teardown when removed
// from a bucket.
type Destroyer interface {
	Destroy()
}

// Container owns named buckets. SetBucket is called with a freshly built
// map on every effective change; the map identity change is the change
// signal for observers.
type Container interface {
	Bucket(name string) map[string]any
	SetBucket(name string, bucket map[string]any)
}

// MapContainer is a Container over a map of buckets, safe for processors
// merging concurrently from separate loader cycles.
type MapContainer struct {
	mu      sync.RWMutex
	buckets map[string]map[string]any
}

// NewMapContainer creates an empty MapContainer.
func NewMapContainer() *MapContainer {
	return &MapContainer{buckets: make(map[string]map[string]any)}
}

// Bucket implements Container.
func (c *MapContainer) Bucket(name string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buckets[name]
}

// SetBucket implements Container.
func (c *MapContainer) SetBucket(name string, bucket map[string]any) {
	c.mu.Lock()
	c.buckets[name] = bucket
	c.mu.Unlock()
}

// Processor merges update streams into one named bucket of a container.
type Processor struct {
	container Container
	adapter   Adapter
	property  string
	prefix    string
	singleton bool
	logger    zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithPrefix requires record keys to carry the given prefix
// ("<prefix>.<localKey>"). Records with a malformed key are logged and
// skipped. The prefix is stripped before the bucket is keyed.
func WithPrefix(prefix string) Option {
	return func(p *Processor) { p.prefix = prefix }
}

// WithLogger sets the processor's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// New creates a Processor applying streams to container's property bucket.
func New(container Container, property string, adapter Adapter, opts ...Option) (*Processor, error) {
	if adapter == nil {
		return nil, ErrNoAdapter
	}
	p := &Processor{
		container: container,
		adapter:   adapter,
		property:  property,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewSingleton creates a Processor whose bucket holds at most one entity.
// A merge delivering more than one live entity fails with
// ErrMultipleEntities and leaves the bucket untouched.
func NewSingleton(container Container, property string, adapter Adapter, opts ...Option) (*Processor, error) {
	p, err := New(container, property, adapter, opts...)
	if err != nil {
		return nil, err
	}
	p.singleton = true
	return p, nil
}

// Process consumes the stream and applies the resulting diff to the bucket.
func (p *Processor) Process(ctx context.Context, stream envelope.Stream, header envelope.Header) error {
	existing := p.container.Bucket(p.property)
	created := existing == nil

	removals := make(map[string]any)
	additions := make(map[string]any)

	// Full replace: every existing key is provisionally removed unless the
	// stream re-delivers it.
	if !header.Update {
		for key, old := range existing {
			removals[key] = old
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		key, ok := p.localKey(rec.Key)
		if !ok {
			p.logger.Warn().
				Str("key", rec.Key).
				Str("prefix", p.prefix).
				Msg("Skipping record with malformed key")
			continue
		}

		old, exists := existing[key]

		if rec.Deleted() {
			delete(additions, key)
			if exists {
				removals[key] = old
			}
			continue
		}

		entity, err := p.adapter.Wrap(key, rec.Value)
		if err != nil {
			return fmt.Errorf("merge: wrap %q: %w", key, err)
		}

		if !exists {
			additions[key] = entity
			continue
		}

		if entityEqual(old, entity) {
			// Same value: cancel any pending removal and keep the old
			// object so consumers that compare by reference see no change.
			delete(removals, key)
			delete(additions, key)
			continue
		}

		removals[key] = old
		additions[key] = entity
	}

	if !created && len(removals) == 0 && len(additions) == 0 {
		// Nothing changed; keep the current bucket object.
		return nil
	}

	next := make(map[string]any, len(existing)+len(additions))
	for key, value := range existing {
		next[key] = value
	}
	for key := range removals {
		delete(next, key)
	}
	for key, value := range additions {
		next[key] = value
	}

	if p.singleton && len(next) > 1 {
		return ErrMultipleEntities
	}

	for key, old := range removals {
		if d, ok := old.(Destroyer); ok {
			d.Destroy()
		}
		p.logger.Debug().Str("key", key).Msg("Entity removed")
	}

	p.container.SetBucket(p.property, next)

	p.logger.Debug().
		Str("property", p.property).
		Int("added", len(additions)).
		Int("removed", len(removals)).
		Int("size", len(next)).
		Msg("Bucket updated")

	return nil
}

// localKey validates the configured prefix and strips it.
func (p *Processor) localKey(key string) (string, bool) {
	if p.prefix == "" {
		return key, true
	}
	local, found := strings.CutPrefix(key, p.prefix+".")
	if !found || local == "" {
		return "", false
	}
	return local, true
}

// entityEqual compares entities using adapter-defined equality when
// available, structural equality otherwise.
func entityEqual(old, incoming any) bool {
	if eq, ok := old.(Equaler); ok {
		return eq.EqualEntity(incoming)
	}
	if oldRaw, ok := old.(json.RawMessage); ok {
		if newRaw, ok := incoming.(json.RawMessage); ok {
			return jsonEqual(oldRaw, newRaw)
		}
	}
	return reflect.DeepEqual(old, incoming)
}

// jsonEqual compares raw JSON values structurally, ignoring formatting.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
