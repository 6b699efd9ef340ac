// Package testutil provides testing utilities for the data-loader library.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockService is a configurable mock data service for testing. It serves
// line-delimited response envelopes over HTTP and pushes change events over
// a websocket endpoint at /events.
type MockService struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	fixed     map[string]string
	queued    map[string][]string
	statuses  map[string]int
	delays    map[string]time.Duration
	requests  map[string]int
	lastBody  map[string][]byte
	eventConn []*websocket.Conn
}

// NewMockService creates and starts a mock service.
func NewMockService() *MockService {
	m := &MockService{
		fixed:    make(map[string]string),
		queued:   make(map[string][]string),
		statuses: make(map[string]int),
		delays:   make(map[string]time.Duration),
		requests: make(map[string]int),
		lastBody: make(map[string][]byte),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the base URL of the mock service.
func (m *MockService) URL() string {
	return m.server.URL
}

// EventsURL returns the websocket URL of the event endpoint.
func (m *MockService) EventsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/events"
}

// Close shuts the service down.
func (m *MockService) Close() {
	m.mu.Lock()
	conns := m.eventConn
	m.eventConn = nil
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	m.server.Close()
}

// Envelope joins a header line and record lines into one response body.
func Envelope(header string, records ...string) string {
	lines := append([]string{header}, records...)
	return strings.Join(lines, "\n")
}

// BusyEnvelope is the "service busy, retry" response: a header with no
// count.
func BusyEnvelope() string {
	return "{}"
}

// SetEnvelope sets the fixed response body for a path.
func (m *MockService) SetEnvelope(path, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[path] = body
}

// QueueEnvelope appends a one-shot response for a path, consumed FIFO
// before the fixed response.
func (m *MockService) QueueEnvelope(path, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[path] = append(m.queued[path], body)
}

// SetStatus makes a path respond with the given HTTP status and no body.
func (m *MockService) SetStatus(path string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[path] = code
}

// ClearStatus removes a status override.
func (m *MockService) ClearStatus(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, path)
}

// SetDelay makes a path sleep before responding.
func (m *MockService) SetDelay(path string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[path] = d
}

// RequestCount returns how many data requests a path has received.
func (m *MockService) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// LastRequestBody returns the most recent request body sent to a path.
func (m *MockService) LastRequestBody(path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBody[path]
}

// PushEvent sends a change notification to every connected event listener.
func (m *MockService) PushEvent(event string, superseded map[string]int64) {
	frame := map[string]any{
		"event": event,
		"data":  map[string]any{"superseded": superseded},
	}

	m.mu.Lock()
	conns := make([]*websocket.Conn, len(m.eventConn))
	copy(conns, m.eventConn)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteJSON(frame)
	}
}

// DropEventConnections closes every event connection, forcing clients to
// reconnect.
func (m *MockService) DropEventConnections() {
	m.mu.Lock()
	conns := m.eventConn
	m.eventConn = nil
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// EventConnectionCount returns the number of open event connections.
func (m *MockService) EventConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.eventConn)
}

func (m *MockService) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/events" {
		m.handleEvents(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests[r.URL.Path]++
	m.lastBody[r.URL.Path] = body
	delay := m.delays[r.URL.Path]

	if delay > 0 {
		m.mu.Unlock()
		time.Sleep(delay)
		m.mu.Lock()
	}

	if code, ok := m.statuses[r.URL.Path]; ok {
		m.mu.Unlock()
		w.WriteHeader(code)
		return
	}

	var response string
	if queue := m.queued[r.URL.Path]; len(queue) > 0 {
		response = queue[0]
		m.queued[r.URL.Path] = queue[1:]
	} else {
		response = m.fixed[r.URL.Path]
	}
	m.mu.Unlock()

	if response == "" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	_, _ = io.WriteString(w, response)
}

func (m *MockService) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.eventConn = append(m.eventConn, conn)
	m.mu.Unlock()

	// Hold the connection open; the mock never reads client frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				m.mu.Lock()
				for i, c := range m.eventConn {
					if c == conn {
						m.eventConn = append(m.eventConn[:i], m.eventConn[i+1:]...)
						break
					}
				}
				m.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}
