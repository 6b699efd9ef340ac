// Package events implements the change-notification layer: long-lived
// push-event connections deduplicated per URL, fanning named events out to
// registered listeners.
//
// One websocket connection exists per distinct event-source URL, created
// lazily when the first listener registers and kept for the hub's lifetime.
// Connection teardown policy is an accepted non-goal; tests reclaim
// everything through ResetDefault or Close.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/davidkellerman/nxus-data-loaders/pkg/logging"
)

// Prometheus metrics for event-source connections.
var (
	eventConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nxus_event_connections",
		Help: "Open event-source connections",
	})

	eventReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxus_event_reconnects_total",
		Help: "Event-source reconnect attempts",
	})

	eventNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nxus_event_notifications_total",
		Help: "Dispatched notifications by origin",
	}, []string{"origin"})
)

// ErrDuplicateListener is returned when the exact (event, listener) pair is
// already registered on a URL.
var ErrDuplicateListener = errors.New("events: listener already registered for event")

// DefaultBackoff is the delay between reconnect attempts.
const DefaultBackoff = 5 * time.Second

// Notification is one change event delivered to listeners.
type Notification struct {
	// Event is the event name the notification was dispatched under.
	Event string

	// Superseded maps dependency names to the timestamps that superseded
	// them. A loader is stale when any value exceeds its recorded
	// timestamp for that name.
	Superseded map[string]int64

	// Reopen marks a synthesized notification sent after the underlying
	// connection was re-established; dependents must treat it as a
	// potential missed update.
	Reopen bool
}

// Listener receives notifications. Implementations must be comparable;
// registering the same listener value for the same event twice is an
// error.
type Listener interface {
	Notify(Notification)
}

type listenerFunc struct {
	fn func(Notification)
}

func (l *listenerFunc) Notify(n Notification) {
	l.fn(n)
}

// NewListener wraps a function in a distinct, comparable Listener value.
func NewListener(fn func(Notification)) Listener {
	return &listenerFunc{fn: fn}
}

// wire frame shape of one pushed event.
type frame struct {
	Event string `json:"event"`
	Data  struct {
		Superseded map[string]int64 `json:"superseded"`
	} `json:"data"`
}

// Hub deduplicates push-event connections per URL.
type Hub struct {
	dialer  *websocket.Dialer
	backoff time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		dialer:  websocket.DefaultDialer,
		backoff: DefaultBackoff,
		logger:  logging.NewLogger("event-hub"),
		conns:   make(map[string]*connection),
	}
}

// SetBackoff changes the reconnect delay. Intended for tests.
func (h *Hub) SetBackoff(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backoff = d
}

// AddListener registers fn for the named event on the connection for url,
// dialing lazily on first use. Registering an identical (event, listener)
// pair twice fails with ErrDuplicateListener.
func (h *Hub) AddListener(url, event string, l Listener) error {
	h.mu.Lock()
	conn, ok := h.conns[url]
	if !ok {
		conn = newConnection(h, url)
		h.conns[url] = conn
		go conn.run()
	}
	h.mu.Unlock()

	return conn.add(event, l)
}

// RemoveListener removes a previously registered pair. Returns false when
// the pair was not registered. The connection itself stays open.
func (h *Hub) RemoveListener(url, event string, l Listener) bool {
	h.mu.Lock()
	conn, ok := h.conns[url]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return conn.remove(event, l)
}

// Close tears down every connection. Intended for tests and daemon
// shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for url, conn := range h.conns {
		conn.cancel()
		delete(h.conns, url)
	}
}

var (
	defaultMu  sync.Mutex
	defaultHub *Hub
)

// Default returns the process-wide hub, created on first use.
func Default() *Hub {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHub == nil {
		defaultHub = NewHub()
	}
	return defaultHub
}

// ResetDefault closes and discards the process-wide hub. Intended for
// tests.
func ResetDefault() {
	defaultMu.Lock()
	h := defaultHub
	defaultHub = nil
	defaultMu.Unlock()
	if h != nil {
		h.Close()
	}
}

// connection is one long-lived push-event connection.
type connection struct {
	hub    *Hub
	url    string
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string]map[Listener]struct{}
	opens     int
}

func newConnection(h *Hub, url string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		hub:       h,
		url:       url,
		logger:    h.logger.With().Str("url", url).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]map[Listener]struct{}),
	}
}

func (c *connection) add(event string, l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.listeners[event]
	if !ok {
		set = make(map[Listener]struct{})
		c.listeners[event] = set
	}
	if _, dup := set[l]; dup {
		return ErrDuplicateListener
	}
	set[l] = struct{}{}
	return nil
}

func (c *connection) remove(event string, l Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.listeners[event]
	if !ok {
		return false
	}
	if _, registered := set[l]; !registered {
		return false
	}
	delete(set, l)
	if len(set) == 0 {
		delete(c.listeners, event)
	}
	return true
}

// run dials, reads, and redials forever with a fixed backoff.
func (c *connection) run() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		ws, _, err := c.hub.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			eventReconnectsTotal.Inc()
			c.logger.Warn().Err(err).Msg("Event-source dial failed, backing off")
			if !c.sleep() {
				return
			}
			continue
		}

		eventConnections.Inc()
		c.opened()
		c.logger.Info().Msg("Event-source connected")

		c.read(ws)

		ws.Close()
		eventConnections.Dec()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Msg("Event-source connection lost, backing off")
		if !c.sleep() {
			return
		}
	}
}

// opened synthesizes reopen notifications after any reconnect. The first
// open is silent.
func (c *connection) opened() {
	c.mu.Lock()
	c.opens++
	reopen := c.opens > 1
	var names []string
	if reopen {
		for event := range c.listeners {
			names = append(names, event)
		}
	}
	c.mu.Unlock()

	if !reopen {
		return
	}

	// Reconnection may have missed pushed events; force every dependent
	// loader to re-validate freshness.
	for _, event := range names {
		c.dispatch(Notification{
			Event:      event,
			Superseded: map[string]int64{"reopen": 1},
			Reopen:     true,
		}, "reopen")
	}
}

func (c *connection) read(ws *websocket.Conn) {
	// Unblock ReadJSON when the hub closes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("Event-source read failed")
			}
			return
		}
		c.dispatch(Notification{
			Event:      f.Event,
			Superseded: f.Data.Superseded,
		}, "pushed")
	}
}

func (c *connection) dispatch(n Notification, origin string) {
	c.mu.Lock()
	set := c.listeners[n.Event]
	snapshot := make([]Listener, 0, len(set))
	for l := range set {
		snapshot = append(snapshot, l)
	}
	c.mu.Unlock()

	eventNotificationsTotal.WithLabelValues(origin).Inc()
	for _, l := range snapshot {
		l.Notify(n)
	}
}

// sleep waits one backoff interval. Returns false when the hub closed.
func (c *connection) sleep() bool {
	c.hub.mu.Lock()
	backoff := c.hub.backoff
	c.hub.mu.Unlock()

	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}
