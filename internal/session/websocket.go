package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/relaymesh/relay-gateway/internal/engines"
)

const (
	// eventBuffer bounds the inbound event queue. Once full, the read pump
	// blocks, applying backpressure to the remote end.
	eventBuffer = 256

	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
)

// outbound command types sent to the remote end.
const (
	cmdStartGenerate  = "start_generate"
	cmdStopGeneration = "stop_generation"
)

type command struct {
	Type    string                     `json:"type"`
	Request *engines.GenerationRequest `json:"request,omitempty"`
}

// WSChannel is a Channel backed by a WebSocket connection. The read pump
// runs in its own goroutine; writes are serialized with a mutex.
type WSChannel struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	log    *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSChannel wraps an upgraded connection and starts its read pump.
func NewWSChannel(conn *websocket.Conn, log *slog.Logger) *WSChannel {
	ch := &WSChannel{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		log:    log,
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go ch.readPump()
	return ch
}

func (c *WSChannel) StartGenerate(req *engines.GenerationRequest) error {
	return c.writeCommand(command{Type: cmdStartGenerate, Request: req})
}

func (c *WSChannel) StopGeneration() error {
	return c.writeCommand(command{Type: cmdStopGeneration})
}

// Events returns the inbound event stream. It is closed when the remote end
// disconnects or the channel is closed.
func (c *WSChannel) Events() <-chan Event { return c.events }

// Done is closed when the read pump has exited.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Safe to call multiple times.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSChannel) writeCommand(cmd command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("session: write %s: %w", cmd.Type, err)
	}
	return nil
}

// readPump decodes inbound frames into events until the connection dies,
// then closes the event stream.
func (c *WSChannel) readPump() {
	defer func() {
		close(c.events)
		close(c.done)
		c.Close()
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("session.channel_read_error", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug("session.channel_bad_frame", "error", err)
			continue
		}

		switch ev.Type {
		case EventMessage, EventDone:
			c.events <- ev
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}
