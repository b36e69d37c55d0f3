package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"github.com/tidwall/gjson"
)

var (
	ErrNotConnected = errors.New("reconnect: not connected")
	ErrAuthRejected = errors.New("reconnect: authentication rejected")
)

type Options struct {
	URL    string
	Token  string
	TripID string
	// Header is sent with every upgrade request, e.g. a session-token cookie.
	Header http.Header
	Policy PolicyOptions

	// OnEvent receives every server frame in arrival order, including the
	// trip_state snapshot that follows each (re)join.
	OnEvent func(frame []byte)
	// OnReconnecting is called before each wait.
	OnReconnecting func(attempt int, delay time.Duration, cause error)
	Logger         *slog.Logger
}

// Client keeps one session alive against the server. The server does not
// assume session continuity, so every reconnect replays auth then join_room
// and the caller reconciles the fresh snapshot with its unsent edits.
type Client struct {
	opts   Options
	policy *Policy
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	tripID string
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		policy: NewPolicy(opts.Policy),
		logger: logger.With(slog.String("component", "reconnect_client"), slog.String("url", opts.URL)),
		tripID: opts.TripID,
	}
}

// Run blocks until ctx is cancelled, authentication is rejected or the
// policy gives up. Nothing it starts outlives it.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}

		delay, gaveUp := c.policy.NextDelay()
		if gaveUp != nil {
			c.logger.Error("Giving up reconnecting", slog.Int("attempts", c.policy.Attempt()), slog.Any("error", err))
			return fmt.Errorf("%w: last error: %v", ErrGaveUp, err)
		}
		c.logger.Warn("Connection lost, reconnecting", slog.Int("attempt", c.policy.Attempt()), slog.Duration("delay", delay), slog.Any("error", err))
		if c.opts.OnReconnecting != nil {
			c.opts.OnReconnecting(c.policy.Attempt(), delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.CloseNow()

	c.setConn(conn)
	defer c.setConn(nil)

	if err := write(ctx, conn, protocol.TypeAuth, protocol.Auth{Token: c.opts.Token}); err != nil {
		return err
	}
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(frame)
		}

		switch protocol.TypeOf(frame) {
		case protocol.TypeAuthSuccess:
			c.policy.Reset()
			if tripID := c.currentTrip(); tripID != "" {
				if err := write(ctx, conn, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: tripID}); err != nil {
					return err
				}
			}
		case protocol.TypeAuthFailure:
			conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("%w: %s", ErrAuthRejected, gjson.GetBytes(frame, "reason").String())
		}
	}
}

// Join switches the client to tripID; it is also rejoined after every reconnect.
func (c *Client) Join(ctx context.Context, tripID string) error {
	c.mu.Lock()
	c.tripID = tripID
	c.mu.Unlock()
	return c.Send(ctx, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: tripID})
}

// Send writes one message on the current connection. Messages sent while
// reconnecting fail with ErrNotConnected and are the caller's to buffer.
func (c *Client) Send(ctx context.Context, t protocol.MessageType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return write(ctx, conn, t, payload)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) currentTrip() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripID
}

func write(ctx context.Context, conn *websocket.Conn, t protocol.MessageType, payload any) error {
	frame, err := protocol.EncodeInbound(t, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}
