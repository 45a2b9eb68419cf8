// Package websocket pushes recorded file changes and watch lifecycle events
// to connected browser clients as they happen.
//
// The Broadcaster subscribes to the event bus and fans each event out to
// every registered Client through a buffered channel. Sends never block: a
// client whose buffer is full misses the message and its Dropped counter is
// incremented, so a slow browser cannot stall the recorder that published
// the event.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tracer/backend/internal/events"
	"github.com/tracer/backend/internal/server/storage"
)

// Message types sent to clients.
const (
	TypeChange       = "change"
	TypeWatchStarted = "watch_started"
	TypeWatchStopped = "watch_stopped"
	TypeWatchFailed  = "watch_failed"
)

// Message is the JSON envelope pushed to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WatchData is the payload of the watch_* messages.
type WatchData struct {
	FolderID int64  `json:"folder_id"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client is one connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel on which encoded frames are delivered. It is
// closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// deliver performs a non-blocking send and reports whether raw was queued.
func (c *Client) deliver(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.Dropped.Add(1)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster fans messages out to every registered client. It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	// mu orders Register against Close so no client is stored after the
	// Range in Close has run.
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth; values ≤ 0 default to 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates and stores a Client. If the Broadcaster is closed the
// returned Client's Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		c.close()
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids
// are ignored.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		v.(*Client).close()
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast encodes msg once and queues it on every client.
func (b *Broadcaster) Broadcast(msg Message) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket: marshal failed", slog.String("type", msg.Type), slog.Any("error", err))
		return
	}
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if !c.deliver(raw) {
			b.logger.Warn("websocket: client buffer full, dropping message",
				slog.String("client_id", c.id),
				slog.String("type", msg.Type),
			)
		}
		return true
	})
}

// Subscribe forwards recorded changes and watch lifecycle events from bus
// to the clients.
func (b *Broadcaster) Subscribe(bus events.Bus) error {
	subs := []struct {
		topic string
		fn    any
	}{
		{events.ChangeRecorded, func(c storage.FileChange) {
			b.Broadcast(Message{Type: TypeChange, Data: c})
		}},
		{events.WatchStarted, func(id int64, path string) {
			b.Broadcast(Message{Type: TypeWatchStarted, Data: WatchData{FolderID: id, Path: path}})
		}},
		{events.WatchStopped, func(id int64) {
			b.Broadcast(Message{Type: TypeWatchStopped, Data: WatchData{FolderID: id}})
		}},
		{events.WatchFailed, func(id int64, reason string) {
			b.Broadcast(Message{Type: TypeWatchFailed, Data: WatchData{FolderID: id, Error: reason}})
		}},
	}
	for _, s := range subs {
		if err := bus.Subscribe(s.topic, s.fn); err != nil {
			return fmt.Errorf("websocket: subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

// Close unregisters every client. After Close, Broadcast is a no-op and
// Register returns closed clients.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		b.mu.Unlock()
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			value.(*Client).close()
			b.clientCnt.Add(-1)
			return true
		})
	})
}
