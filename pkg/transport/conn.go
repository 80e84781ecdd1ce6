package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/session-sync/pkg/protocol"
	"github.com/astromechza/session-sync/pkg/rooms"
)

// Handler consumes decoded messages from a connection.
type Handler interface {
	Handle(ctx context.Context, conn rooms.Conn, msg protocol.Inbound) error
	Disconnect(conn rooms.Conn)
}

type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = time.Second * 10
	}
	if o.PingInterval <= 0 {
		o.PingInterval = time.Second * 30
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

// Conn is one websocket client. Writes go through a buffered channel drained by a single
// writer goroutine; a client that cannot keep up is disconnected.
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("send buffer full, closing connection", "conn", c.id)
		c.Close()
		return false
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Serve pumps messages between the websocket and h until either side closes. Messages
// from the client are handled one at a time, in order.
func Serve(ctx context.Context, c *Conn, h Handler) error {
	slog.Info("connection opened", "conn", c.id, "remote", c.ws.RemoteAddr().String())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	var readErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		defer h.Disconnect(c)
		readErr = c.readLoop(ctx, h)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.ws.Close()
		if err := c.writeLoop(ctx); err != nil {
			slog.Warn("write loop stopped", "conn", c.id, "err", err)
		}
	}()

	wg.Wait()
	slog.Info("connection closed", "conn", c.id)
	if readErr != nil && !isExpectedClose(readErr) {
		return readErr
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, h Handler) error {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	deadline := c.opts.PingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}
		msg, err := protocol.Decode(p)
		if err != nil {
			slog.Warn("rejected message", "conn", c.id, "err", err)
			if raw, encErr := protocol.SessionError("", protocol.ErrorBadRequest, err.Error()).Encode(); encErr == nil {
				c.Send(raw)
			}
			continue
		}
		if err := h.Handle(ctx, c, msg); err != nil {
			slog.Warn("failed to handle message", "conn", c.id, "event", msg.Kind(), "session", msg.Session(), "err", err)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close()
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-c.closed:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case <-ctx.Done():
			c.Close()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent)
}
