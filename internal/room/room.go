// Package room holds the collaborative state of one trip: the draft of
// not-yet-saved field values, the joined participants and their exclusive
// per-field focus claims.
//
// Every operation on a Room runs under the Room's mutex and emits its events
// before releasing it, so all participants observe a Room's events in the
// order the Room processed them. Sends are non-blocking enqueues; a slow peer
// is closed by its transport and never delays the others.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"github.com/google/uuid"
)

var (
	ErrRoomClosed      = errors.New("room closed")
	ErrNotParticipant  = errors.New("connection is not a participant")
	ErrSavePending     = errors.New("save pending")
	ErrNotFocused      = errors.New("field not focused by connection")
	ErrFieldLocked     = errors.New("field locked by another participant")
	ErrFocusConflict   = errors.New("field focused by another participant")
	ErrSaveUnavailable = errors.New("persistence unavailable")
)

// Peer is the sending side of a participant's connection.
type Peer interface {
	ID() uuid.UUID
	Send(message []byte) bool
}

// Member identifies a joining connection.
type Member struct {
	ConnID uuid.UUID
	UserID string
	Name   string
}

// Edit is an accepted field write. It is never mutated after creation.
type Edit struct {
	RoomID       string
	Field        string
	Value        json.RawMessage
	WriterUserID string
	WriterConnID uuid.UUID
	At           time.Time
}

// ClaimError reports the participant holding a contested field.
type ClaimError struct {
	Err    error
	Field  string
	Holder Member
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("%v: '%s' held by %s (%s)", e.Err, e.Field, e.Holder.UserID, e.Holder.ConnID)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// Persister durably stores a trip's final field values.
type Persister interface {
	SaveTrip(ctx context.Context, tripID string, fields protocol.Document) error
}

type participant struct {
	Member
	peer         Peer
	editingField string
	joinedAt     time.Time
}

func (p *participant) wire() protocol.Participant {
	return protocol.Participant{
		ConnectionID: p.ConnID.String(),
		UserID:       p.UserID,
		Name:         p.Name,
		EditingField: p.editingField,
	}
}

type Room struct {
	id string

	mu           sync.Mutex
	baseline     protocol.Document
	draft        map[string]Edit
	participants map[uuid.UUID]*participant
	claims       map[string]uuid.UUID
	savePending  bool
	saveSeq      uint64
	evicted      bool
	// idleGen changes on every join and on every transition to empty, so a
	// stale drain timer can tell it no longer applies.
	idleGen uint64

	ctx         context.Context
	persister   Persister
	saveTimeout time.Duration
	now         func() time.Time
	onEmpty     func(r *Room, gen uint64)
	logger      *slog.Logger
}

func newRoom(ctx context.Context, id string, baseline protocol.Document, persister Persister, opts Options, onEmpty func(*Room, uint64), logger *slog.Logger) *Room {
	if baseline == nil {
		baseline = protocol.Document{}
	}
	return &Room{
		id:           id,
		baseline:     baseline,
		draft:        make(map[string]Edit),
		participants: make(map[uuid.UUID]*participant),
		claims:       make(map[string]uuid.UUID),
		ctx:          ctx,
		persister:    persister,
		saveTimeout:  opts.SaveTimeout,
		now:          opts.now(),
		onEmpty:      onEmpty,
		logger:       logger.With(slog.String("roomID", id)),
	}
}

func (r *Room) ID() string { return r.id }

// Join adds a participant, replies with the current snapshot and announces the
// newcomer to everyone else. Joining again with the same connection only
// resends the snapshot.
func (r *Room) Join(m Member, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted {
		return ErrRoomClosed
	}
	if p, ok := r.participants[m.ConnID]; ok {
		r.sendLocked(p, r.tripStateLocked())
		return nil
	}

	p := &participant{Member: m, peer: peer, joinedAt: r.now()}
	r.participants[m.ConnID] = p
	r.idleGen++

	r.sendLocked(p, r.tripStateLocked())
	r.broadcastLocked(protocol.UserJoined{
		Type:        protocol.TypeUserJoined,
		ResourceID:  r.id,
		Participant: p.wire(),
	}, m.ConnID)

	r.logger.Info("Participant joined", slog.String("userID", m.UserID), slog.String("connID", m.ConnID.String()), slog.Int("participants", len(r.participants)))
	return nil
}

// Leave removes a participant. A claim it held is released and announced in
// the same step, before user_left.
func (r *Room) Leave(connID uuid.UUID) bool {
	r.mu.Lock()
	p, ok := r.participants[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if p.editingField != "" {
		r.releaseClaimLocked(p)
	}
	delete(r.participants, connID)
	r.broadcastLocked(protocol.UserLeft{
		Type:        protocol.TypeUserLeft,
		ResourceID:  r.id,
		Participant: p.wire(),
	}, uuid.Nil)
	r.logger.Info("Participant left", slog.String("userID", p.UserID), slog.String("connID", connID.String()), slog.Int("participants", len(r.participants)))

	gen, idle := r.markIdleLocked()
	r.mu.Unlock()

	if idle && r.onEmpty != nil {
		r.onEmpty(r, gen)
	}
	return true
}

// Edit applies a whole-field write. A field claimed by another connection, or
// any field while a save is pending, is rejected with a reply to the sender only.
func (r *Room) Edit(connID uuid.UUID, field string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !r.invariant(ok, "edit from non-participant", slog.String("connID", connID.String())) {
		return ErrNotParticipant
	}
	if r.savePending {
		r.sendLocked(p, protocol.Error{
			Type:    protocol.TypeError,
			Code:    protocol.CodeSavePending,
			Message: "a save is in progress, retry the edit once it completes",
			Field:   field,
			Retry:   true,
		})
		return ErrSavePending
	}
	if holderID, claimed := r.claims[field]; claimed && holderID != connID {
		holder := r.participants[holderID]
		r.sendLocked(p, protocol.Error{
			Type:         protocol.TypeError,
			Code:         protocol.CodeFieldLocked,
			Message:      "field is being edited by another participant",
			Field:        field,
			HolderUserID: holder.UserID,
		})
		return &ClaimError{Err: ErrFieldLocked, Field: field, Holder: holder.Member}
	}

	edit := Edit{
		RoomID:       r.id,
		Field:        field,
		Value:        value,
		WriterUserID: p.UserID,
		WriterConnID: connID,
		At:           r.now(),
	}
	r.draft[field] = edit
	r.broadcastLocked(protocol.FieldUpdated{
		Type:         protocol.TypeFieldUpdated,
		ResourceID:   r.id,
		Field:        field,
		Value:        value,
		UserID:       p.UserID,
		ConnectionID: connID.String(),
		At:           edit.At,
	}, connID)
	return nil
}

// Focus claims a field exclusively. Moving focus to another field releases
// the previous claim first.
func (r *Room) Focus(connID uuid.UUID, field string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !r.invariant(ok, "focus from non-participant", slog.String("connID", connID.String())) {
		return ErrNotParticipant
	}
	focused := protocol.FieldFocused{
		Type:         protocol.TypeFieldFocused,
		ResourceID:   r.id,
		Field:        field,
		UserID:       p.UserID,
		Name:         p.Name,
		ConnectionID: connID.String(),
	}

	holderID, claimed := r.claims[field]
	switch {
	case claimed && holderID == connID:
		r.sendLocked(p, focused)
		return nil
	case claimed:
		holder := r.participants[holderID]
		r.sendLocked(p, protocol.FocusDenied{
			Type:               protocol.TypeFocusDenied,
			ResourceID:         r.id,
			Field:              field,
			HolderUserID:       holder.UserID,
			HolderName:         holder.Name,
			HolderConnectionID: holderID.String(),
		})
		return &ClaimError{Err: ErrFocusConflict, Field: field, Holder: holder.Member}
	}

	if p.editingField != "" {
		r.releaseClaimLocked(p)
	}
	r.claims[field] = connID
	p.editingField = field
	r.broadcastLocked(focused, uuid.Nil)
	return nil
}

// Blur releases the sender's claim on field.
func (r *Room) Blur(connID uuid.UUID, field string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !r.invariant(ok, "blur from non-participant", slog.String("connID", connID.String())) {
		return ErrNotParticipant
	}
	if holderID, claimed := r.claims[field]; !claimed || holderID != connID {
		r.sendLocked(p, protocol.Error{
			Type:    protocol.TypeError,
			Code:    protocol.CodeNotFocused,
			Message: "field is not focused by this connection",
			Field:   field,
		})
		return ErrNotFocused
	}
	r.releaseClaimLocked(p)
	return nil
}

// releaseClaimLocked drops p's claim and broadcasts field_blurred.
func (r *Room) releaseClaimLocked(p *participant) {
	field := p.editingField
	holderID, claimed := r.claims[field]
	r.invariant(claimed && holderID == p.ConnID, "released claim not held",
		slog.String("field", field), slog.String("connID", p.ConnID.String()))

	if claimed && holderID == p.ConnID {
		delete(r.claims, field)
	}
	p.editingField = ""
	r.broadcastLocked(protocol.FieldBlurred{
		Type:         protocol.TypeFieldBlurred,
		ResourceID:   r.id,
		Field:        field,
		UserID:       p.UserID,
		ConnectionID: p.ConnID.String(),
	}, uuid.Nil)
}

// Save hands the merged document to the persister without blocking the Room.
// Until the result arrives edits are rejected with a retry signal; focus and
// blur keep working.
func (r *Room) Save(connID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !r.invariant(ok, "save from non-participant", slog.String("connID", connID.String())) {
		return ErrNotParticipant
	}
	if r.savePending {
		r.sendLocked(p, protocol.Error{
			Type:    protocol.TypeError,
			Code:    protocol.CodeSavePending,
			Message: "a save is already in progress",
			Retry:   true,
		})
		return ErrSavePending
	}

	r.savePending = true
	r.saveSeq++
	go r.runSave(r.saveSeq, r.snapshotLocked(), p.UserID)

	r.logger.Info("Save requested", slog.String("userID", p.UserID), slog.Int("draftFields", len(r.draft)))
	return nil
}

func (r *Room) runSave(seq uint64, fields protocol.Document, savedBy string) {
	if r.persister == nil {
		r.completeSave(seq, fields, savedBy, ErrSaveUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.saveTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- r.persister.SaveTrip(ctx, r.id, fields)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = fmt.Errorf("save did not complete: %w", ctx.Err())
	}
	r.completeSave(seq, fields, savedBy, err)
}

func (r *Room) completeSave(seq uint64, fields protocol.Document, savedBy string, err error) {
	r.mu.Lock()
	if !r.savePending || seq != r.saveSeq {
		r.mu.Unlock()
		return
	}
	r.savePending = false

	if err != nil {
		r.logger.Warn("Save failed, draft kept", slog.Any("error", err), slog.Int("draftFields", len(r.draft)))
		r.broadcastLocked(protocol.SaveFailed{
			Type:       protocol.TypeSaveFailed,
			ResourceID: r.id,
			Reason:     err.Error(),
		}, uuid.Nil)
	} else {
		// edits were rejected while pending, so the draft is exactly what was saved.
		r.baseline = fields
		r.draft = make(map[string]Edit)
		r.logger.Info("Trip saved", slog.String("savedBy", savedBy), slog.Int("fields", len(fields)))
		r.broadcastLocked(protocol.TripSaved{
			Type:       protocol.TypeTripSaved,
			ResourceID: r.id,
			Fields:     fields,
			SavedBy:    savedBy,
		}, uuid.Nil)
	}

	gen, idle := r.markIdleLocked()
	r.mu.Unlock()

	if idle && r.onEmpty != nil {
		r.onEmpty(r, gen)
	}
}

// markIdleLocked reports whether the room may start draining.
func (r *Room) markIdleLocked() (uint64, bool) {
	if len(r.participants) > 0 || r.savePending {
		return r.idleGen, false
	}
	r.idleGen++
	return r.idleGen, true
}

// evictIfIdle marks the room closed when nothing happened since gen.
func (r *Room) evictIfIdle(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleGen != gen || len(r.participants) > 0 || r.savePending {
		return false
	}
	r.evicted = true
	return true
}

// --- snapshots ---

func (r *Room) snapshotLocked() protocol.Document {
	doc := r.baseline.Clone()
	for field, edit := range r.draft {
		doc[field] = edit.Value
	}
	return doc
}

func (r *Room) participantsLocked() []protocol.Participant {
	ps := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].joinedAt.Equal(ps[j].joinedAt) {
			return ps[i].ConnID.String() < ps[j].ConnID.String()
		}
		return ps[i].joinedAt.Before(ps[j].joinedAt)
	})
	out := make([]protocol.Participant, len(ps))
	for i, p := range ps {
		out[i] = p.wire()
	}
	return out
}

func (r *Room) tripStateLocked() protocol.TripState {
	return protocol.TripState{
		Type:         protocol.TypeTripState,
		ResourceID:   r.id,
		Fields:       r.snapshotLocked(),
		Participants: r.participantsLocked(),
		SavePending:  r.savePending,
	}
}

// Snapshot returns the baseline overridden by the draft.
func (r *Room) Snapshot() protocol.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Draft returns a copy of the current draft.
func (r *Room) Draft() map[string]Edit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Edit, len(r.draft))
	for k, v := range r.draft {
		out[k] = v
	}
	return out
}

func (r *Room) Participants() []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

// Holder returns the connection holding field, if any.
func (r *Room) Holder(field string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.claims[field]
	return id, ok
}

func (r *Room) SavePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savePending
}

// --- fan-out ---

func (r *Room) sendLocked(p *participant, event any) {
	msg, err := protocol.Encode(event)
	if err != nil {
		r.logger.Error("Failed to encode event", slog.Any("error", err))
		return
	}
	if !p.peer.Send(msg) {
		r.logger.Debug("Dropped event for closing connection", slog.String("connID", p.ConnID.String()))
	}
}

// broadcastLocked encodes once and enqueues to every participant except one.
func (r *Room) broadcastLocked(event any, except uuid.UUID) {
	msg, err := protocol.Encode(event)
	if err != nil {
		r.logger.Error("Failed to encode event", slog.Any("error", err))
		return
	}
	for id, p := range r.participants {
		if id == except {
			continue
		}
		if !p.peer.Send(msg) {
			r.logger.Debug("Dropped event for closing connection", slog.String("connID", id.String()))
		}
	}
}
