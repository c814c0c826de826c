package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classgate/pkg/types"
)

// Settings controls per-connection buffering and keepalive.
type Settings struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// DefaultSettings mirrors the classroom defaults: a 100 frame outbox, 5s
// write deadline, 60s pong wait with pings every 30s.
func DefaultSettings() Settings {
	return Settings{
		SendBuffer:      100,
		WriteWait:       5 * time.Second,
		PongWait:        60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageBytes: 16 * 1024,
	}
}

// Connection is the outbox of one WebSocket session.
// ARCHITECTURAL DISCOVERY: all writes go through a single writer goroutine;
// Send only enqueues and never blocks, so a slow client cannot stall a broadcast.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	settings  Settings
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       *slog.Logger
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, settings Settings, log *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     conn,
		writeCh:  make(chan []byte, settings.SendBuffer),
		settings: settings,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}

	go c.writeLoop()

	return c
}

// writeLoop owns every data and ping write. The channel is never closed;
// the loop exits on cancellation or the first failed write.
func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.settings.PingInterval > 0 {
		ticker := time.NewTicker(c.settings.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", "error", err)
				_ = c.Close()
				return
			}

		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteWait)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues event without blocking. It reports false when the outbox is
// full or closed; the event is dropped for this connection only.
func (c *Connection) Send(event types.OutboundEvent) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		c.log.Error("encode outbound event", "type", event.Type, "error", err)
		return false
	}

	select {
	case c.writeCh <- data:
		return true
	case <-c.ctx.Done():
		return false
	default:
		return false
	}
}

// Close sends a going-away frame and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Pending returns the number of queued frames.
func (c *Connection) Pending() int {
	return len(c.writeCh)
}
