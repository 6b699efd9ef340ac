package loader

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidkellerman/nxus-data-loaders/internal/testutil"
	"github.com/davidkellerman/nxus-data-loaders/pkg/envelope"
	"github.com/davidkellerman/nxus-data-loaders/pkg/pool"
)

// captureProcessor drains every stream it is handed and remembers what it
// saw.
type captureProcessor struct {
	mu      sync.Mutex
	calls   int
	headers []envelope.Header
	records [][]envelope.Record
}

func (p *captureProcessor) Process(_ context.Context, stream envelope.Stream, header envelope.Header) error {
	var recs []envelope.Record
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.headers = append(p.headers, header)
	p.records = append(p.records, recs)
	return nil
}

func (p *captureProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestLoader(t *testing.T, svc *testutil.MockService, proc Processor) *Loader {
	t.Helper()
	l, err := New(Config{
		URL:       svc.URL() + "/data",
		Query:     map[string]any{"collection": "orders"},
		Pools:     pool.NewSet(),
		Processor: proc,
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Processor: &captureProcessor{}})
	require.ErrorIs(t, err, ErrNoURL)

	_, err = New(Config{URL: "http://localhost/data"})
	require.ErrorIs(t, err, ErrNoProcessor)
}

func TestLoadCycle(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetEnvelope("/data", testutil.Envelope(
		`{"count":2,"timestamps":{"orders":5},"cutoff":100}`,
		`["a",{"v":1}]`,
		`["b",{"v":2}]`,
	))

	proc := &captureProcessor{}
	l := newTestLoader(t, svc, proc)

	assert.Equal(t, FlagUnloaded, l.Flags())

	l.Request(0)
	require.Eventually(t, func() bool {
		return proc.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint32(0), l.Flags())
	assert.Equal(t, int64(5), l.Timestamp("orders"))
	assert.Len(t, proc.records[0], 2)

	// The request body carries the configured query plus local state.
	var body map[string]any
	require.NoError(t, json.Unmarshal(svc.LastRequestBody("/data"), &body))
	assert.Equal(t, "orders", body["collection"])
	assert.Contains(t, body, "timestamps")
	assert.Contains(t, body, "cutoff")
}

func TestBusyHeaderRetriesImmediately(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.QueueEnvelope("/data", testutil.BusyEnvelope())
	svc.SetEnvelope("/data", testutil.Envelope(`{"count":1}`, `["a",1]`))

	proc := &captureProcessor{}
	l := newTestLoader(t, svc, proc)

	l.Request(0)
	require.Eventually(t, func() bool {
		return proc.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The busy response triggered exactly one immediate follow-up; the
	// processor never saw the busy cycle.
	assert.Equal(t, 2, svc.RequestCount("/data"))
	assert.Equal(t, uint32(0), l.Flags())
}

func TestBusyHeaderSetsUnloadedFlag(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetEnvelope("/data", testutil.BusyEnvelope())

	proc := &captureProcessor{}
	l, err := New(Config{
		URL:       svc.URL() + "/data",
		Pools:     pool.NewSet(),
		Processor: proc,
	})
	require.NoError(t, err)

	l.Request(0)
	require.Eventually(t, func() bool {
		return svc.RequestCount("/data") >= 2
	}, 2*time.Second, 10*time.Millisecond)
	l.Close()

	assert.Equal(t, FlagUnloaded, l.Flags()&FlagUnloaded)
	assert.Equal(t, 0, proc.callCount())
}

func TestFailureSetsErrorFlagAndBacksOff(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetStatus("/data", 500)

	proc := &captureProcessor{}
	l, err := New(Config{
		URL:          svc.URL() + "/data",
		Pools:        pool.NewSet(),
		Processor:    proc,
		ErrorBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Request(0)
	require.Eventually(t, func() bool {
		return l.Flags()&FlagError != 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, proc.callCount())

	// Recovery: the backed-off retry succeeds and clears the error flag.
	svc.ClearStatus("/data")
	svc.SetEnvelope("/data", testutil.Envelope(`{"count":0}`))
	require.Eventually(t, func() bool {
		return proc.callCount() == 1 && l.Flags() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPendingPreemption(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetEnvelope("/data", testutil.Envelope(`{"count":0}`))

	proc := &captureProcessor{}
	l := newTestLoader(t, svc, proc)

	// A far deadline first, then an immediate one: the earlier deadline
	// wins and the cycle runs now, not in an hour.
	l.Request(time.Hour)
	l.Request(0)
	require.Eventually(t, func() bool {
		return proc.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPendingNotDelayedByLaterRequest(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetEnvelope("/data", testutil.Envelope(`{"count":0}`))

	proc := &captureProcessor{}
	l := newTestLoader(t, svc, proc)

	l.Request(30 * time.Millisecond)
	l.Request(time.Hour)
	require.Eventually(t, func() bool {
		return proc.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActiveCycleIgnoresRequests(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetEnvelope("/data", testutil.Envelope(`{"count":0}`))
	svc.SetDelay("/data", 200*time.Millisecond)

	proc := &captureProcessor{}
	l := newTestLoader(t, svc, proc)

	l.Request(0)
	time.Sleep(50 * time.Millisecond) // cycle is now active in the service

	l.Request(0)
	l.Request(0)

	require.Eventually(t, func() bool {
		return proc.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Requests during the active cycle were ignored, not queued up.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, svc.RequestCount("/data"))
}

func TestCloseStopsScheduling(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	svc.SetEnvelope("/data", testutil.BusyEnvelope())

	proc := &captureProcessor{}
	l, err := New(Config{
		URL:       svc.URL() + "/data",
		Pools:     pool.NewSet(),
		Processor: proc,
	})
	require.NoError(t, err)

	l.Request(time.Hour)
	l.Close()
	l.Request(0)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, svc.RequestCount("/data"))
}
