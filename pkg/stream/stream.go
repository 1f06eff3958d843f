// Package stream implements a per-request Server-Sent-Events hub: bounded
// event queues keyed by request id, a heartbeat/inactivity reaper, and the
// reader loop an HTTP handler drives to flush events to a client.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event is a single SSE message: a named event plus its JSON payload.
type Event struct {
	Name string
	Data any
}

const queueCapacity = 64

// Connection is a single request's bounded event queue.
type Connection struct {
	requestID string
	queue     chan Event
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	lastActivity time.Time
}

// Send enqueues an event, dropping it with a log warning if the queue is
// full (a stalled reader should not block the worker producing events).
func (c *Connection) Send(ev Event) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.queue <- ev:
		c.touch()
	default:
		slog.Warn("stream: connection queue full, dropping event", "request_id", c.requestID, "event", ev.Name)
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	return time.Since(last)
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Hub tracks one Connection per in-flight request id.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

// CreateConnection registers a new Connection for requestID, closing and
// replacing any existing one for the same id.
func (h *Hub) CreateConnection(requestID string) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.conns[requestID]; ok {
		existing.close()
	}

	conn := &Connection{
		requestID:    requestID,
		queue:        make(chan Event, queueCapacity),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	h.conns[requestID] = conn
	return conn
}

// Connection looks up the Connection registered for requestID, if any.
// Handlers use this to attach a reader once a client subscribes to a
// request that a worker already started (or is about to start).
func (h *Hub) Connection(requestID string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[requestID]
	return conn, ok
}

// Send enqueues an event on the named connection. Unknown request ids are
// logged and dropped rather than treated as an error, since the producing
// worker has no way to know whether a client ever subscribed.
func (h *Hub) Send(requestID string, ev Event) {
	h.mu.Lock()
	conn, ok := h.conns[requestID]
	h.mu.Unlock()

	if !ok {
		slog.Warn("stream: no connection for request, dropping event", "request_id", requestID, "event", ev.Name)
		return
	}
	conn.Send(ev)
}

// CloseConnection deactivates and removes requestID's connection, if any.
func (h *Hub) CloseConnection(requestID string) {
	h.mu.Lock()
	conn, ok := h.conns[requestID]
	if ok {
		delete(h.conns, requestID)
	}
	h.mu.Unlock()

	if ok {
		conn.close()
	}
}

// Reap closes connections whose last activity exceeds maxIdle.
func (h *Hub) Reap(maxIdle time.Duration) int {
	h.mu.Lock()
	stale := make([]string, 0)
	for id, conn := range h.conns {
		if conn.idleSince() > maxIdle {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		h.conns[id].close()
		delete(h.conns, id)
	}
	h.mu.Unlock()

	return len(stale)
}

const (
	pollTimeout          = time.Second
	heartbeatAfterEmpty  = 30
)

// RunReader drains conn's queue, writing each event to w in SSE wire
// format (`event: <name>\ndata: <json>\n\n`) and flushing it, until a
// terminal event ("complete" or "error") is written or the connection is
// closed. After 30 consecutive empty polls it emits a synthetic heartbeat
// to keep intermediaries from closing the connection.
func RunReader(w io.Writer, flush func(), conn *Connection) error {
	emptyPolls := 0
	for {
		select {
		case <-conn.closed:
			return nil
		case ev, ok := <-conn.queue:
			if !ok {
				return nil
			}
			emptyPolls = 0
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flush()
			if ev.Name == "complete" || ev.Name == "error" {
				return nil
			}
		case <-time.After(pollTimeout):
			emptyPolls++
			if emptyPolls >= heartbeatAfterEmpty {
				emptyPolls = 0
				if err := writeEvent(w, Event{Name: "heartbeat", Data: map[string]any{"timestamp": time.Now().Unix()}}); err != nil {
					return err
				}
				flush()
			}
		}
	}
}

func writeEvent(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("stream: marshal event %s: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
	return err
}
