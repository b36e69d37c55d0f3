package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrSendBufferFull   = errors.New("outbound buffer full")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = c.PingInterval * 5 / 2
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id        uuid.UUID
	conn      *websocket.Conn
	config    ConnectionConfig
	send      chan []byte
	createdAt time.Time

	// fixed at construction; the pumps read them without locking.
	onMessage MessageHandler
	onClose   OnCloseHandler

	// mu guards closed against concurrent Send and Close.
	mu       sync.RWMutex
	closed   bool
	closeErr error

	quit      chan struct{}
	done      chan struct{}
	started   bool
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	config = config.withDefaults()

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		createdAt: time.Now(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

// Run starts the read, write and heartbeat goroutines.
func (c *Connection) Run() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	if c.config.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageBytes)
	}
	go c.readPump()
	go c.writePump()
	go c.heartbeat()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
// Messages are handled synchronously so a client's frames keep their order.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		typ, message, err := c.conn.Read(c.ctx)
		if err != nil {
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	defer func() {
		c.cancel()
		c.wg.Done()
		close(c.done)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(c.ctx, message); err != nil {
				c.Close(fmt.Errorf("write failed: %w", err))
				c.conn.CloseNow()
				return
			}
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *Connection) write(ctx context.Context, message []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, message)
}

// shutdown flushes what is already queued, unless the peer is the reason we
// are closing, then closes the socket.
func (c *Connection) shutdown() {
	c.mu.RLock()
	reason := c.closeErr
	c.mu.RUnlock()

	if errors.Is(reason, ErrSendBufferFull) || errors.Is(reason, ErrHeartbeatTimeout) {
		c.conn.Close(websocket.StatusPolicyViolation, truncateReason(reason))
		return
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(flushCtx, websocket.MessageText, message); err != nil {
				c.conn.CloseNow()
				return
			}
		default:
			c.conn.Close(websocket.StatusNormalClosure, truncateReason(reason))
			return
		}
	}
}

// heartbeat pings the peer on a fixed interval. A missing pong closes the connection.
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Warn("Heartbeat failed", slog.Any("error", err))
				c.Close(fmt.Errorf("%w: %v", ErrHeartbeatTimeout, err))
				return
			}
		case <-c.quit:
			return
		}
	}
}

// Send enqueues a message without blocking. When the outbound buffer is full the
// connection is closed instead, so a slow client never stalls the caller.
func (c *Connection) Send(message []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Outbound buffer full, closing connection", slog.Int("buffered", len(c.send)))
		go c.Close(ErrSendBufferFull)
		return false
	}
}

// gracefully shuts down the connection and its resources. The close handler
// runs exactly once, whatever the number of callers.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		started := c.started
		c.mu.Unlock()

		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		close(c.quit)
		if !started {
			c.cancel()
			close(c.done)
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
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

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Err returns the reason the connection was closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeErr
}

// close reasons are limited to 123 bytes by the protocol.
func truncateReason(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
