// Package coordinator owns the per-connection session state machine. It decodes
// client frames, checks that each message is legal in the connection's current
// state and routes it to the identity provider, the authorization checker or
// the connection's Room.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devinvista/Trip-sub003/internal/authz"
	"github.com/devinvista/Trip-sub003/internal/identity"
	"github.com/devinvista/Trip-sub003/internal/room"
	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"github.com/devinvista/Trip-sub003/pkg/state"
	"github.com/google/uuid"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrConnectionCycled   = errors.New("connection cycled by newer connection")
)

// Phase is a connection's position in the session state machine.
type Phase int

const (
	PhaseAuthenticating Phase = iota
	PhaseAuthenticated
	PhaseJoined
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseJoined:
		return "joined"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)

type Options struct {
	// MaxConnectionsPerUser of zero disables the limit.
	MaxConnectionsPerUser int
	LimitMode             string
	// Fields restricts editable field names. Empty accepts any non-empty name.
	Fields []string
}

// client is the session of one connection. mu is taken before any Room lock.
type client struct {
	mu           sync.Mutex
	id           uuid.UUID
	transport    state.Transport
	upgradeToken string
	phase        Phase
	identity     identity.Identity
	room         *room.Room
	logger       *slog.Logger
}

func (c *client) member() room.Member {
	return room.Member{ConnID: c.id, UserID: c.identity.UserID, Name: c.identity.Name}
}

// handlerFunc processes one decoded message with the client lock held. A
// non-nil error is fatal: the connection is closed once the lock is released.
type handlerFunc func(ctx context.Context, c *client, msg *protocol.Inbound) error

type handler struct {
	fn       handlerFunc
	requires Phase
}

type Coordinator struct {
	logger    *slog.Logger
	registry  state.Registry
	directory *room.Directory
	identity  identity.Provider
	authz     authz.Checker
	opts      Options
	fields    map[string]struct{}

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*client

	handlersMu sync.RWMutex
	handlers   map[protocol.MessageType]handler
}

func New(logger *slog.Logger, registry state.Registry, directory *room.Directory, provider identity.Provider, checker authz.Checker, opts Options) *Coordinator {
	if checker == nil {
		checker = authz.AllowAll{}
	}
	if opts.LimitMode == "" {
		opts.LimitMode = LimitModeReject
	}
	var fields map[string]struct{}
	if len(opts.Fields) > 0 {
		fields = make(map[string]struct{}, len(opts.Fields))
		for _, f := range opts.Fields {
			fields[f] = struct{}{}
		}
	}

	co := &Coordinator{
		logger:    logger.With(slog.String("component", "coordinator")),
		registry:  registry,
		directory: directory,
		identity:  provider,
		authz:     checker,
		opts:      opts,
		fields:    fields,
		clients:   make(map[uuid.UUID]*client),
		handlers:  make(map[protocol.MessageType]handler),
	}
	co.registerCoreHandlers()
	return co
}

func (co *Coordinator) registerCoreHandlers() {
	co.RegisterHandler(protocol.TypePing, PhaseAuthenticating, co.handlePing)
	co.RegisterHandler(protocol.TypeAuth, PhaseAuthenticating, co.handleAuth)
	co.RegisterHandler(protocol.TypeJoinRoom, PhaseAuthenticated, co.handleJoinRoom)
	co.RegisterHandler(protocol.TypeLeaveRoom, PhaseJoined, co.handleLeaveRoom)
	co.RegisterHandler(protocol.TypeEdit, PhaseJoined, co.handleEdit)
	co.RegisterHandler(protocol.TypeFocusField, PhaseJoined, co.handleFocus)
	co.RegisterHandler(protocol.TypeBlurField, PhaseJoined, co.handleBlur)
	co.RegisterHandler(protocol.TypeSave, PhaseJoined, co.handleSave)
	co.logger.Info("Registered core handlers", slog.Int("count", len(co.handlers)))
}

// RegisterHandler binds a message type to fn. The message is only dispatched
// once the connection reached the required phase.
func (co *Coordinator) RegisterHandler(t protocol.MessageType, requires Phase, fn handlerFunc) {
	co.handlersMu.Lock()
	defer co.handlersMu.Unlock()
	if _, exists := co.handlers[t]; exists {
		panic("handler already registered: " + string(t))
	}
	co.handlers[t] = handler{fn: fn, requires: requires}
}

func (co *Coordinator) handlerFor(t protocol.MessageType) (handler, bool) {
	co.handlersMu.RLock()
	defer co.handlersMu.RUnlock()
	h, ok := co.handlers[t]
	return h, ok
}

// Register adds a freshly upgraded connection in the authenticating phase.
// token carries the credential found on the upgrade request, if any.
func (co *Coordinator) Register(conn state.Transport, ipAddr, token string) error {
	if _, err := co.registry.RegisterConnection(conn, ipAddr); err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}
	c := &client{
		id:           conn.ID(),
		transport:    conn,
		upgradeToken: token,
		phase:        PhaseAuthenticating,
		logger:       co.logger.With(slog.String("connID", conn.ID().String())),
	}
	co.clientsMu.Lock()
	co.clients[c.id] = c
	co.clientsMu.Unlock()
	return nil
}

func (co *Coordinator) client(connID uuid.UUID) (*client, bool) {
	co.clientsMu.RLock()
	defer co.clientsMu.RUnlock()
	c, ok := co.clients[connID]
	return c, ok
}

// HandleMessage is the transport's message handler.
func (co *Coordinator) HandleMessage(ctx context.Context, connID uuid.UUID, frame []byte) {
	c, ok := co.client(connID)
	if !ok {
		co.logger.Error("Message from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedFrame) && protocol.TypeOf(frame) == protocol.TypeAuth {
			if fatal := co.rejectMalformedAuth(c, err); fatal != nil {
				c.logger.Info("Closing connection", slog.String("type", string(protocol.TypeAuth)), slog.Any("reason", fatal))
				c.transport.Close(fatal)
			}
			return
		}
		c.logger.Warn("Ignoring client frame", slog.Any("error", err), slog.String("type", string(protocol.TypeOf(frame))))
		return
	}
	h, ok := co.handlerFor(msg.Type)
	if !ok {
		c.logger.Warn("No handler for message type", slog.String("type", string(msg.Type)))
		return
	}

	fatal := co.dispatch(ctx, c, h, msg)
	if fatal != nil {
		c.logger.Info("Closing connection", slog.String("type", string(msg.Type)), slog.Any("reason", fatal))
		c.transport.Close(fatal)
	}
}

// rejectMalformedAuth fails the handshake of a connection still
// authenticating. Once authenticated, a broken auth frame is only ignored.
func (co *Coordinator) rejectMalformedAuth(c *client, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseAuthenticating {
		c.logger.Warn("Ignoring malformed auth frame", slog.Any("error", cause))
		return nil
	}
	reply(c, protocol.AuthFailure{Type: protocol.TypeAuthFailure, Reason: "malformed auth message"})
	return fmt.Errorf("authentication failed: %w", cause)
}

func (co *Coordinator) dispatch(ctx context.Context, c *client, h handler, msg *protocol.Inbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseClosed {
		return nil
	}
	if c.phase < h.requires {
		code := protocol.CodeNotJoined
		if c.phase == PhaseAuthenticating {
			code = protocol.CodeNotAuthenticated
		}
		reply(c, protocol.Error{
			Type:    protocol.TypeError,
			Code:    code,
			Message: fmt.Sprintf("'%s' is not allowed while %s", msg.Type, c.phase),
		})
		return nil
	}
	c.logger.Debug("Dispatching message", slog.String("type", string(msg.Type)), slog.String("phase", c.phase.String()))
	return h.fn(ctx, c, msg)
}

// HandleClose is the transport's close handler. The participant leaves its
// room, releasing any claim, and the connection is deregistered.
func (co *Coordinator) HandleClose(connID uuid.UUID, reason error) {
	co.clientsMu.Lock()
	c, ok := co.clients[connID]
	delete(co.clients, connID)
	co.clientsMu.Unlock()

	if ok {
		c.mu.Lock()
		co.leaveRoomLocked(c)
		c.phase = PhaseClosed
		c.mu.Unlock()
	}

	if err := co.registry.DeregisterConnection(connID); err != nil {
		co.logger.Error("Failed to deregister connection", slog.String("connID", connID.String()), slog.Any("error", err))
	}
	co.logger.Info("Connection cleaned up", slog.String("connID", connID.String()), slog.Any("reason", reason))
}

// Phase reports the session phase of a registered connection.
func (co *Coordinator) Phase(connID uuid.UUID) (Phase, bool) {
	c, ok := co.client(connID)
	if !ok {
		return PhaseClosed, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, true
}

func (co *Coordinator) ClientCount() int {
	co.clientsMu.RLock()
	defer co.clientsMu.RUnlock()
	return len(co.clients)
}

func (co *Coordinator) fieldAllowed(field string) bool {
	if field == "" {
		return false
	}
	if co.fields == nil {
		return true
	}
	_, ok := co.fields[field]
	return ok
}

func reply(c *client, event any) {
	msg, err := protocol.Encode(event)
	if err != nil {
		c.logger.Error("Failed to encode reply", slog.Any("error", err))
		return
	}
	c.transport.Send(msg)
}
