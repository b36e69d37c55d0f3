package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devinvista/Trip-sub003/internal/room"
	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"github.com/devinvista/Trip-sub003/pkg/state"
)

// joinAttempts bounds retries when the acquired room is evicted before the join lands.
const joinAttempts = 3

func (co *Coordinator) handlePing(_ context.Context, c *client, _ *protocol.Inbound) error {
	reply(c, protocol.Pong{Type: protocol.TypePong})
	return nil
}

func (co *Coordinator) handleAuth(ctx context.Context, c *client, msg *protocol.Inbound) error {
	if c.phase != PhaseAuthenticating {
		reply(c, protocol.Error{
			Type:    protocol.TypeError,
			Code:    protocol.CodeAlreadyAuthenticated,
			Message: "connection is already authenticated",
		})
		return nil
	}

	token := msg.Payload.(*protocol.Auth).Token
	if token == "" {
		token = c.upgradeToken
	}
	id, err := co.identity.Authenticate(ctx, token)
	if err != nil {
		reply(c, protocol.AuthFailure{Type: protocol.TypeAuthFailure, Reason: err.Error()})
		return fmt.Errorf("authentication failed: %w", err)
	}

	limit := state.UserLimit{Max: co.opts.MaxConnectionsPerUser, Evict: co.opts.LimitMode == LimitModeCycle}
	_, evicted, err := co.registry.AssociateUserLimited(c.id, id.UserID, id.Name, limit)
	if errors.Is(err, state.ErrUserLimitReached) {
		c.logger.Warn("User connection limit reached", slog.String("userID", id.UserID), slog.Int("max", limit.Max))
		reply(c, protocol.AuthFailure{Type: protocol.TypeAuthFailure, Reason: "too_many_connections"})
		return ErrTooManyConnections
	}
	if err != nil {
		reply(c, protocol.AuthFailure{Type: protocol.TypeAuthFailure, Reason: "session unavailable"})
		return fmt.Errorf("failed to associate user '%s': %w", id.UserID, err)
	}
	for _, old := range evicted {
		c.logger.Info("Cycling connection: closing oldest", slog.String("userID", id.UserID), slog.String("oldConnID", old.ID.String()))
		old.Transport.Close(ErrConnectionCycled)
	}

	c.identity = id
	c.phase = PhaseAuthenticated
	c.logger = c.logger.With(slog.String("userID", id.UserID))
	c.logger.Info("Connection authenticated")
	reply(c, protocol.AuthSuccess{
		Type:         protocol.TypeAuthSuccess,
		UserID:       id.UserID,
		Name:         id.Name,
		ConnectionID: c.id.String(),
	})
	return nil
}

func (co *Coordinator) handleJoinRoom(ctx context.Context, c *client, msg *protocol.Inbound) error {
	tripID := msg.Payload.(*protocol.JoinRoom).ResourceID
	deny := func(reason string) {
		reply(c, protocol.JoinDenied{Type: protocol.TypeJoinDenied, ResourceID: tripID, Reason: reason})
	}
	if tripID == "" {
		deny("missing resource_id")
		return nil
	}

	allowed, err := co.authz.CanEdit(ctx, c.identity.UserID, tripID)
	if err != nil {
		c.logger.Error("Authorization check failed", slog.String("tripID", tripID), slog.Any("error", err))
		deny("authorization unavailable")
		return nil
	}
	if !allowed {
		c.logger.Info("Join denied", slog.String("tripID", tripID))
		deny("not an editor of this trip")
		return nil
	}

	if c.room != nil && c.room.ID() == tripID {
		// already a participant: only the snapshot is resent
		if err := c.room.Join(c.member(), c.transport); err == nil {
			return nil
		}
		c.room = nil
		c.phase = PhaseAuthenticated
	}
	co.leaveRoomLocked(c)

	for attempt := 1; attempt <= joinAttempts; attempt++ {
		r, err := co.directory.Acquire(ctx, tripID)
		if err != nil {
			c.logger.Error("Failed to open room", slog.String("tripID", tripID), slog.Any("error", err))
			reply(c, protocol.Error{
				Type:    protocol.TypeError,
				Code:    protocol.CodeRoomUnavailable,
				Message: "trip could not be loaded",
				Retry:   true,
			})
			return nil
		}
		err = r.Join(c.member(), c.transport)
		if errors.Is(err, room.ErrRoomClosed) {
			c.logger.Debug("Room evicted during join, retrying", slog.String("tripID", tripID), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to join room '%s': %w", tripID, err)
		}
		c.room = r
		c.phase = PhaseJoined
		return nil
	}

	reply(c, protocol.Error{
		Type:    protocol.TypeError,
		Code:    protocol.CodeRoomUnavailable,
		Message: "room is closing, retry",
		Retry:   true,
	})
	return nil
}

func (co *Coordinator) handleLeaveRoom(_ context.Context, c *client, _ *protocol.Inbound) error {
	co.leaveRoomLocked(c)
	return nil
}

// leaveRoomLocked removes the client from its room, if any. c.mu must be held.
func (co *Coordinator) leaveRoomLocked(c *client) {
	if c.room == nil {
		return
	}
	c.room.Leave(c.id)
	c.logger.Info("Left room", slog.String("tripID", c.room.ID()))
	c.room = nil
	if c.phase == PhaseJoined {
		c.phase = PhaseAuthenticated
	}
}

func (co *Coordinator) handleEdit(_ context.Context, c *client, msg *protocol.Inbound) error {
	edit := msg.Payload.(*protocol.Edit)
	if !co.fieldAllowed(edit.Field) {
		c.logger.Warn("Ignoring edit of unknown field", slog.String("field", edit.Field))
		return nil
	}
	if err := c.room.Edit(c.id, edit.Field, edit.Value); err != nil {
		c.logger.Debug("Edit rejected", slog.String("field", edit.Field), slog.Any("error", err))
	}
	return nil
}

func (co *Coordinator) handleFocus(_ context.Context, c *client, msg *protocol.Inbound) error {
	field := msg.Payload.(*protocol.FocusField).Field
	if !co.fieldAllowed(field) {
		c.logger.Warn("Ignoring focus of unknown field", slog.String("field", field))
		return nil
	}
	if err := c.room.Focus(c.id, field); err != nil {
		c.logger.Debug("Focus rejected", slog.String("field", field), slog.Any("error", err))
	}
	return nil
}

func (co *Coordinator) handleBlur(_ context.Context, c *client, msg *protocol.Inbound) error {
	field := msg.Payload.(*protocol.BlurField).Field
	if !co.fieldAllowed(field) {
		c.logger.Warn("Ignoring blur of unknown field", slog.String("field", field))
		return nil
	}
	if err := c.room.Blur(c.id, field); err != nil {
		c.logger.Debug("Blur rejected", slog.String("field", field), slog.Any("error", err))
	}
	return nil
}

func (co *Coordinator) handleSave(_ context.Context, c *client, _ *protocol.Inbound) error {
	if err := c.room.Save(c.id); err != nil {
		c.logger.Debug("Save rejected", slog.Any("error", err))
	}
	return nil
}
