package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidkellerman/nxus-data-loaders/pkg/envelope"
)

// testEntity carries a parsed value, adapter-defined equality, and a
// teardown counter.
type testEntity struct {
	value     int
	destroyed int
}

func (e *testEntity) EqualEntity(other any) bool {
	o, ok := other.(*testEntity)
	return ok && o.value == e.value
}

func (e *testEntity) Destroy() {
	e.destroyed++
}

var testAdapter = AdapterFunc(func(_ string, raw json.RawMessage) (any, error) {
	var value int
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return &testEntity{value: value}, nil
})

// countingContainer records bucket publications.
type countingContainer struct {
	*MapContainer
	setCalls int
}

func newCountingContainer() *countingContainer {
	return &countingContainer{MapContainer: NewMapContainer()}
}

func (c *countingContainer) SetBucket(name string, bucket map[string]any) {
	c.setCalls++
	c.MapContainer.SetBucket(name, bucket)
}

func records(recs ...envelope.Record) envelope.Stream {
	return envelope.NewSliceStream(recs)
}

func value(key string, v string) envelope.Record {
	return envelope.Record{Key: key, Value: []byte(v)}
}

func deletion(key string) envelope.Record {
	return envelope.Record{Key: key}
}

func TestFullReplaceMerge(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter)
	require.NoError(t, err)

	a := &testEntity{value: 1}
	b := &testEntity{value: 2}
	container.SetBucket("items", map[string]any{"a": a, "b": b})

	header := envelope.Header{}.WithCount(2)
	err = p.Process(context.Background(), records(value("a", "1"), value("c", "3")), header)
	require.NoError(t, err)

	bucket := container.Bucket("items")
	require.Len(t, bucket, 2)
	assert.Contains(t, bucket, "a")
	assert.Contains(t, bucket, "c")
	assert.NotContains(t, bucket, "b")

	// a's value was equal, so the old object keeps its identity.
	assert.Same(t, a, bucket["a"])

	// b was dropped by the full replace; teardown ran exactly once.
	assert.Equal(t, 1, b.destroyed)
	assert.Equal(t, 0, a.destroyed)
}

func TestMergeCreatesBucket(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter)
	require.NoError(t, err)

	header := envelope.Header{}.WithCount(1)
	err = p.Process(context.Background(), records(value("a", "1")), header)
	require.NoError(t, err)

	require.NotNil(t, container.Bucket("items"))
	assert.Equal(t, 1, container.setCalls)
}

func TestMergeEmptyStreamStillCreatesBucket(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter)
	require.NoError(t, err)

	// An undefined bucket forces a publication even when nothing arrives.
	err = p.Process(context.Background(), records(), envelope.Header{}.WithCount(0))
	require.NoError(t, err)
	require.NotNil(t, container.Bucket("items"))
	assert.Empty(t, container.Bucket("items"))
}

func TestMergeIdempotent(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter)
	require.NoError(t, err)

	header := envelope.Header{Update: true}.WithCount(2)
	stream := func() envelope.Stream {
		return records(value("a", "1"), value("b", "2"))
	}

	require.NoError(t, p.Process(context.Background(), stream(), header))
	first := container.Bucket("items")
	require.Len(t, first, 2)
	setCalls := container.setCalls

	// Applying the identical update again changes nothing: no new bucket
	// object, no spurious notification.
	require.NoError(t, p.Process(context.Background(), stream(), header))
	second := container.Bucket("items")
	assert.Equal(t, setCalls, container.setCalls)
	for key := range first {
		assert.Same(t, first[key], second[key])
	}
}

func TestUpdateModeTouchesOnlyStreamedKeys(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter)
	require.NoError(t, err)

	a := &testEntity{value: 1}
	b := &testEntity{value: 2}
	container.SetBucket("items", map[string]any{"a": a, "b": b})

	header := envelope.Header{Update: true}.WithCount(2)
	err = p.Process(context.Background(), records(value("a", "9"), deletion("b")), header)
	require.NoError(t, err)

	bucket := container.Bucket("items")
	require.Len(t, bucket, 1)
	assert.NotSame(t, a, bucket["a"])
	assert.Equal(t, 9, bucket["a"].(*testEntity).value)
	assert.Equal(t, 1, a.destroyed)
	assert.Equal(t, 1, b.destroyed)
}

func TestMergePrefixValidation(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter, WithPrefix("orders"))
	require.NoError(t, err)

	header := envelope.Header{}.WithCount(3)
	err = p.Process(context.Background(), records(
		value("orders.a", "1"),
		value("invoices.b", "2"), // wrong prefix: logged and skipped
		value("orders", "3"),     // no local key: logged and skipped
	), header)
	require.NoError(t, err)

	bucket := container.Bucket("items")
	require.Len(t, bucket, 1)
	assert.Contains(t, bucket, "a")
}

func TestMergeDeletionOfUnknownKey(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", testAdapter)
	require.NoError(t, err)

	container.SetBucket("items", map[string]any{"a": &testEntity{value: 1}})
	setCalls := container.setCalls

	header := envelope.Header{Update: true}.WithCount(1)
	err = p.Process(context.Background(), records(deletion("zzz")), header)
	require.NoError(t, err)

	// Unknown key deletion is a no-op; the bucket object is untouched.
	assert.Equal(t, setCalls, container.setCalls)
	assert.Len(t, container.Bucket("items"), 1)
}

func TestSingletonMerge(t *testing.T) {
	container := newCountingContainer()
	p, err := NewSingleton(container, "config", testAdapter)
	require.NoError(t, err)

	header := envelope.Header{}.WithCount(1)
	require.NoError(t, p.Process(context.Background(), records(value("only", "1")), header))
	require.Len(t, container.Bucket("config"), 1)
}

func TestSingletonOverflowRejectsWholeMerge(t *testing.T) {
	container := newCountingContainer()
	p, err := NewSingleton(container, "config", testAdapter)
	require.NoError(t, err)

	existing := &testEntity{value: 1}
	container.SetBucket("config", map[string]any{"only": existing})
	setCalls := container.setCalls

	header := envelope.Header{Update: true}.WithCount(2)
	err = p.Process(context.Background(), records(value("second", "2"), value("third", "3")), header)
	require.ErrorIs(t, err, ErrMultipleEntities)

	// No partial application: the bucket is untouched and nothing was
	// destroyed.
	assert.Equal(t, setCalls, container.setCalls)
	assert.Len(t, container.Bucket("config"), 1)
	assert.Equal(t, 0, existing.destroyed)
}

func TestMapContainerConcurrentBuckets(t *testing.T) {
	container := NewMapContainer()

	// Processors for distinct collections publish from separate loader
	// goroutines into one container.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("bucket-%d", n)
			for j := 0; j < 200; j++ {
				container.SetBucket(name, map[string]any{"v": j})
				_ = container.Bucket(name)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		assert.Equal(t, map[string]any{"v": 199}, container.Bucket(fmt.Sprintf("bucket-%d", i)))
	}
}

func TestNewRequiresAdapter(t *testing.T) {
	_, err := New(newCountingContainer(), "items", nil)
	require.ErrorIs(t, err, ErrNoAdapter)
}

func TestRawAdapterEquality(t *testing.T) {
	container := newCountingContainer()
	p, err := New(container, "items", RawAdapter)
	require.NoError(t, err)

	header := envelope.Header{}.WithCount(1)
	require.NoError(t, p.Process(context.Background(), records(value("a", `{"x":1}`)), header))
	setCalls := container.setCalls

	// Same structural value with different formatting: no change.
	reformatted := records(value("a", `{ "x" : 1 }`))
	require.NoError(t, p.Process(context.Background(), reformatted, header))
	assert.Equal(t, setCalls, container.setCalls)
}
