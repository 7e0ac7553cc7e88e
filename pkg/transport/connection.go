package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// callback executed for every decoded frame.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg protocol.Message)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout time.Duration
	SendQueue   int
}

// Connection represents a single, thread-safe client link. The same
// pump serves plain TCP sockets and websocket links wrapped as
// net.Conn; framing is handled here so handlers only ever see whole
// messages, in arrival order.
type Connection struct {
	id     uuid.UUID
	conn   net.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn net.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendQueue <= 0 {
		config.SendQueue = 256
	}
	// The WaitGroup slot is claimed here, not in Run: a connection can
	// be closed (e.g. cycled out) before its pumps ever start, and
	// Close balances the Add unconditionally.
	wg.Add(1)
	return &Connection{
		id:     id,
		conn:   conn,
		logger: connLogger,
		config: config,
		send:   make(chan []byte, config.SendQueue),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established", slog.String("remoteAddr", c.conn.RemoteAddr().String()))
}

// readPump reads raw bytes, feeds the frame decoder and hands complete
// messages to the handler. Handlers run synchronously here, which
// preserves per-connection message ordering. A malformed frame is
// fatal for the connection.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		if c.config.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
				readErr = err
				return
			}
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, derr := dec.Next()
				if derr == protocol.ErrIncomplete {
					break
				}
				if derr != nil {
					c.logger.Warn("malformed frame, dropping connection", slog.Any("error", derr))
					readErr = derr
					return
				}
				if c.onMessage != nil {
					c.onMessage(c.ctx, c.id, msg)
				}
			}
		}
		if err != nil {
			readErr = err
			return
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// writePump pumps frames from the send channel to the socket.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if _, err := c.conn.Write(frame); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues an encoded frame for delivery. It is safe for concurrent
// use and never blocks the caller: a full queue means the peer has
// stopped draining, and the frame is dropped rather than stalling a
// broadcast to unrelated connections.
func (c *Connection) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
		c.logger.Debug("send on a closed connection dropped")
	default:
		c.logger.Warn("send queue full, dropping frame")
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("connection closing", slog.Any("reason", err))

		c.cancel() // Signal goroutines to stop.
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
