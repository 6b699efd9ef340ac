package loader

import (
	"errors"
	"sync"

	"github.com/davidkellerman/nxus-data-loaders/pkg/events"
)

// ErrNoEventsURL is returned when a change-aware loader is configured
// without an event-source URL.
var ErrNoEventsURL = errors.New("loader: events url is required")

// ChangeAware decorates a Loader with change-triggered reloading. It
// listens for named events on a push-event connection and compares each
// notification's superseded timestamps against the loader's recorded
// watermarks; a stale watermark arms an immediate reload. The same
// comparison runs after every completed cycle, so a notification that
// arrived mid-cycle is not lost.
type ChangeAware struct {
	*Loader

	hub       *events.Hub
	eventsURL string
	names     []string
	listener  events.Listener

	mu      sync.Mutex
	pending map[string]int64
	closed  bool
}

// NewChangeAware wraps l with change-notification behavior, registering a
// listener for every named event on the hub's connection for eventsURL. A
// nil hub uses events.Default().
func NewChangeAware(l *Loader, hub *events.Hub, eventsURL string, eventNames ...string) (*ChangeAware, error) {
	if eventsURL == "" {
		return nil, ErrNoEventsURL
	}
	if hub == nil {
		hub = events.Default()
	}

	c := &ChangeAware{
		Loader:    l,
		hub:       hub,
		eventsURL: eventsURL,
		names:     eventNames,
		pending:   make(map[string]int64),
	}
	c.listener = events.NewListener(c.onNotification)

	for i, name := range eventNames {
		if err := hub.AddListener(eventsURL, name, c.listener); err != nil {
			for _, added := range eventNames[:i] {
				hub.RemoveListener(eventsURL, added, c.listener)
			}
			return nil, err
		}
	}

	l.setCycleHook(c.onCycleEnd)
	return c, nil
}

// Close removes the event listeners and closes the underlying loader.
func (c *ChangeAware) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for _, name := range c.names {
		c.hub.RemoveListener(c.eventsURL, name, c.listener)
	}
	c.Loader.Close()
}

// onNotification records the notification's watermarks and arms an
// immediate reload when any exceeds the loader's recorded value. A reopen
// notification always re-validates: the connection may have missed pushed
// events while down.
func (c *ChangeAware) onNotification(n events.Notification) {
	if n.Reopen {
		c.Loader.Request(0)
		return
	}

	stale := false
	c.mu.Lock()
	for dep, ts := range n.Superseded {
		if ts > c.pending[dep] {
			c.pending[dep] = ts
		}
		if ts > c.Loader.Timestamp(dep) {
			stale = true
		}
	}
	c.mu.Unlock()

	if stale {
		c.Loader.Request(0)
	}
}

// onCycleEnd re-checks pending watermarks after each cycle; the request
// that just completed may predate the freshest notification. Pending
// entries are drained either way: satisfied ones need no action, and a
// stale one arms a reload whose request goes out after the notification
// arrived, so it is covered too.
func (c *ChangeAware) onCycleEnd() {
	stale := false
	c.mu.Lock()
	for dep, ts := range c.pending {
		if ts > c.Loader.Timestamp(dep) {
			stale = true
		}
		delete(c.pending, dep)
	}
	c.mu.Unlock()

	if stale {
		c.Loader.Request(0)
	}
}
