package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devinvista/Trip-sub003/internal/authz"
	"github.com/devinvista/Trip-sub003/internal/coordinator"
	"github.com/devinvista/Trip-sub003/internal/identity"
	"github.com/devinvista/Trip-sub003/internal/room"
	"github.com/devinvista/Trip-sub003/internal/storage"
	"github.com/devinvista/Trip-sub003/pkg/logging"
	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"github.com/devinvista/Trip-sub003/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const secret = "test-secret"

func init() {
	room.SetStrictInvariants(true)
}

// --- Test Suite Setup ---

type fakeConn struct {
	id      uuid.UUID
	onClose func(uuid.UUID, error)

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	closeErr error
}

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, msg)
	return true
}

func (f *fakeConn) Close(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeErr = err
	f.mu.Unlock()
	if f.onClose != nil {
		f.onClose(f.id, err)
	}
}

func (f *fakeConn) isClosed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeErr
}

func (f *fakeConn) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeConn) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, len(f.frames))
	for i, fr := range f.frames {
		out[i] = protocol.TypeOf(fr)
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type harness struct {
	co       *coordinator.Coordinator
	registry *statemanager.InMemoryManager
	dir      *room.Directory
	store    *storage.Memory
	tokens   *identity.JWTProvider
}

func newHarness(t *testing.T, checker authz.Checker, opts coordinator.Options) *harness {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemory()
	store.Seed("42", protocol.Document{"title": []byte(`"Untitled"`)})
	dir := room.NewDirectory(context.Background(), logger, store, room.Options{DrainPeriod: time.Hour, SaveTimeout: time.Second})
	t.Cleanup(dir.Close)

	registry := statemanager.NewInMemoryManager(logger)
	tokens := identity.NewJWTProvider(secret)
	return &harness{
		co:       coordinator.New(logger, registry, dir, tokens, checker, opts),
		registry: registry,
		dir:      dir,
		store:    store,
		tokens:   tokens,
	}
}

func (h *harness) connect(t *testing.T, upgradeToken string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: uuid.New(), onClose: h.co.HandleClose}
	if err := h.co.Register(conn, "127.0.0.1", upgradeToken); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return conn
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.tokens.Issue(userID, "User "+userID, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return tok
}

func (h *harness) send(t *testing.T, conn *fakeConn, typ protocol.MessageType, payload any) {
	t.Helper()
	frame, err := protocol.EncodeInbound(typ, payload)
	if err != nil {
		t.Fatalf("EncodeInbound failed: %v", err)
	}
	h.co.HandleMessage(context.Background(), conn.id, frame)
}

func (h *harness) login(t *testing.T, userID string) *fakeConn {
	t.Helper()
	conn := h.connect(t, "")
	h.send(t, conn, protocol.TypeAuth, protocol.Auth{Token: h.token(t, userID)})
	if got := protocol.TypeOf(conn.last()); got != protocol.TypeAuthSuccess {
		t.Fatalf("Expected auth_success for %s, got %s", userID, conn.last())
	}
	return conn
}

func (h *harness) joined(t *testing.T, userID, tripID string) *fakeConn {
	t.Helper()
	conn := h.login(t, userID)
	h.send(t, conn, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: tripID})
	if got := protocol.TypeOf(conn.last()); got != protocol.TypeTripState {
		t.Fatalf("Expected trip_state for %s, got %s", userID, conn.last())
	}
	return conn
}

func errorCode(frame []byte) string {
	if protocol.TypeOf(frame) != protocol.TypeError {
		return ""
	}
	return gjson.GetBytes(frame, "code").String()
}

// --- Session state machine ---

func TestMessagesBeforeAuth(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.connect(t, "")

	h.send(t, conn, protocol.TypeEdit, protocol.Edit{Field: "title", Value: []byte(`"x"`)})
	if code := errorCode(conn.last()); code != protocol.CodeNotAuthenticated {
		t.Errorf("Expected not_authenticated, got %s", conn.last())
	}
	h.send(t, conn, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: "42"})
	if code := errorCode(conn.last()); code != protocol.CodeNotAuthenticated {
		t.Errorf("Expected not_authenticated for join, got %s", conn.last())
	}
	h.send(t, conn, protocol.TypePing, nil)
	if protocol.TypeOf(conn.last()) != protocol.TypePong {
		t.Errorf("Expected pong before auth, got %s", conn.last())
	}
	if closed, _ := conn.isClosed(); closed {
		t.Error("Rejected messages must not close the connection")
	}
}

func TestAuthSuccessAndDuplicateAuth(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.login(t, "alice")

	success := conn.last()
	if gjson.GetBytes(success, "user_id").String() != "alice" || gjson.GetBytes(success, "name").String() != "User alice" {
		t.Errorf("Unexpected auth_success %s", success)
	}
	if gjson.GetBytes(success, "connection_id").String() != conn.id.String() {
		t.Errorf("auth_success carries the wrong connection id")
	}
	if phase, _ := h.co.Phase(conn.id); phase != coordinator.PhaseAuthenticated {
		t.Errorf("Expected authenticated phase, got %s", phase)
	}
	if n, _ := h.registry.GetUserConnectionCount("alice"); n != 1 {
		t.Errorf("Expected alice registered once, got %d", n)
	}

	h.send(t, conn, protocol.TypeAuth, protocol.Auth{Token: h.token(t, "mallory")})
	if code := errorCode(conn.last()); code != protocol.CodeAlreadyAuthenticated {
		t.Errorf("Expected already_authenticated, got %s", conn.last())
	}
	if _, found := h.registry.FindUser("mallory"); found {
		t.Error("Second auth rebound the connection")
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.connect(t, "")

	h.send(t, conn, protocol.TypeAuth, protocol.Auth{Token: "not-a-jwt"})
	if protocol.TypeOf(conn.last()) != protocol.TypeAuthFailure {
		t.Fatalf("Expected auth_failure, got %s", conn.last())
	}
	closed, err := conn.isClosed()
	if !closed || !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("Expected connection closed with invalid credentials, got closed=%v err=%v", closed, err)
	}
	if h.registry.ConnectionCount() != 0 || h.co.ClientCount() != 0 {
		t.Error("Failed connection was not cleaned up")
	}
}

func TestMalformedAuthClosesConnection(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.connect(t, "")

	h.co.HandleMessage(context.Background(), conn.id, []byte(`{"type":"auth","token":{"nope":1}}`))
	if protocol.TypeOf(conn.last()) != protocol.TypeAuthFailure {
		t.Fatalf("Expected auth_failure, got %s", conn.last())
	}
	closed, err := conn.isClosed()
	if !closed || !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("Expected connection closed on malformed auth, got closed=%v err=%v", closed, err)
	}
	if h.co.ClientCount() != 0 {
		t.Error("Connection not cleaned up after malformed auth")
	}

	// an authenticated session ignores a broken auth frame
	live := h.login(t, "alice")
	live.reset()
	h.co.HandleMessage(context.Background(), live.id, []byte(`{"type":"auth","token":5}`))
	if closed, _ := live.isClosed(); closed {
		t.Error("Malformed auth closed an authenticated connection")
	}
	if len(live.types()) != 0 {
		t.Errorf("Expected no replies, got %v", live.types())
	}
}

func TestAuthFallsBackToUpgradeToken(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.connect(t, h.token(t, "alice"))

	h.send(t, conn, protocol.TypeAuth, protocol.Auth{})
	if protocol.TypeOf(conn.last()) != protocol.TypeAuthSuccess {
		t.Fatalf("Expected auth_success from upgrade token, got %s", conn.last())
	}
}

func TestRoomMessagesRequireJoin(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.login(t, "alice")

	for _, typ := range []protocol.MessageType{protocol.TypeSave, protocol.TypeLeaveRoom} {
		h.send(t, conn, typ, nil)
		if code := errorCode(conn.last()); code != protocol.CodeNotJoined {
			t.Errorf("%s: expected not_joined, got %s", typ, conn.last())
		}
	}
	h.send(t, conn, protocol.TypeFocusField, protocol.FocusField{Field: "title"})
	if code := errorCode(conn.last()); code != protocol.CodeNotJoined {
		t.Errorf("focus: expected not_joined, got %s", conn.last())
	}
}

func TestMalformedAndUnknownFramesIgnored(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	conn := h.login(t, "alice")
	conn.reset()

	for _, frame := range []string{`{"type":`, `{"no":"type"}`, `{"type":"teleport"}`, `{"type":"edit","field":"title"}`} {
		h.co.HandleMessage(context.Background(), conn.id, []byte(frame))
	}
	if len(conn.types()) != 0 {
		t.Errorf("Expected no replies, got %v", conn.types())
	}
	if closed, _ := conn.isClosed(); closed {
		t.Error("Malformed frames must not close the connection")
	}
}

// --- Rooms ---

func TestJoinDenied(t *testing.T) {
	deny := authz.CheckerFunc(func(ctx context.Context, userID, tripID string) (bool, error) {
		return userID != "eve", nil
	})
	h := newHarness(t, deny, coordinator.Options{})
	conn := h.login(t, "eve")

	h.send(t, conn, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: "42"})
	denied := conn.last()
	if protocol.TypeOf(denied) != protocol.TypeJoinDenied || gjson.GetBytes(denied, "resource_id").String() != "42" {
		t.Fatalf("Expected join_denied for 42, got %s", denied)
	}
	if phase, _ := h.co.Phase(conn.id); phase != coordinator.PhaseAuthenticated {
		t.Errorf("Denied join changed phase to %s", phase)
	}
	if h.dir.Len() != 0 {
		t.Error("Denied join created a room")
	}
}

func TestJoinDeniedWhenAuthorizationFails(t *testing.T) {
	broken := authz.CheckerFunc(func(context.Context, string, string) (bool, error) {
		return false, errors.New("redis down")
	})
	h := newHarness(t, broken, coordinator.Options{})
	conn := h.login(t, "alice")

	h.send(t, conn, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: "42"})
	if protocol.TypeOf(conn.last()) != protocol.TypeJoinDenied {
		t.Fatalf("Expected join_denied, got %s", conn.last())
	}
}

func TestCollaborationThroughCoordinator(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	a := h.joined(t, "alice", "42")
	b := h.joined(t, "bob", "42")

	h.send(t, a, protocol.TypeFocusField, protocol.FocusField{Field: "title"})
	if protocol.TypeOf(a.last()) != protocol.TypeFieldFocused {
		t.Errorf("Expected focus confirmation to sender, got %s", a.last())
	}
	h.send(t, a, protocol.TypeEdit, protocol.Edit{Field: "title", Value: []byte(`"Lisbon Trip"`)})
	updated := b.last()
	if protocol.TypeOf(updated) != protocol.TypeFieldUpdated || gjson.GetBytes(updated, "value").String() != "Lisbon Trip" {
		t.Fatalf("Expected field_updated at B, got %s", updated)
	}

	h.send(t, b, protocol.TypeFocusField, protocol.FocusField{Field: "title"})
	denied := b.last()
	if protocol.TypeOf(denied) != protocol.TypeFocusDenied || gjson.GetBytes(denied, "holder_user_id").String() != "alice" {
		t.Fatalf("Expected focus_denied naming alice, got %s", denied)
	}

	// A drops without blurring
	b.reset()
	a.Close(errors.New("network gone"))
	want := []protocol.MessageType{protocol.TypeFieldBlurred, protocol.TypeUserLeft}
	got := b.types()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	h.send(t, b, protocol.TypeFocusField, protocol.FocusField{Field: "title"})
	if protocol.TypeOf(b.last()) != protocol.TypeFieldFocused {
		t.Errorf("Expected B to get the claim, got %s", b.last())
	}
	if h.registry.ConnectionCount() != 1 {
		t.Errorf("Expected only B registered, got %d", h.registry.ConnectionCount())
	}
}

func TestSaveThroughCoordinator(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	a := h.joined(t, "alice", "42")

	h.send(t, a, protocol.TypeEdit, protocol.Edit{Field: "budget", Value: []byte(`1200`)})
	h.send(t, a, protocol.TypeSave, nil)

	deadline := time.Now().Add(2 * time.Second)
	for protocol.TypeOf(a.last()) != protocol.TypeTripSaved {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for trip_saved, last frame %s", a.last())
		}
		time.Sleep(5 * time.Millisecond)
	}
	stored, err := h.store.LoadTrip(context.Background(), "42")
	if err != nil {
		t.Fatalf("LoadTrip failed: %v", err)
	}
	if string(stored["budget"]) != "1200" || string(stored["title"]) != `"Untitled"` {
		t.Errorf("Unexpected stored document %v", stored)
	}
}

func TestJoinAnotherRoomLeavesPrevious(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	a := h.joined(t, "alice", "42")
	b := h.joined(t, "bob", "42")
	b.reset()

	h.send(t, a, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: "7"})
	if protocol.TypeOf(a.last()) != protocol.TypeTripState || gjson.GetBytes(a.last(), "resource_id").String() != "7" {
		t.Fatalf("Expected trip_state for 7, got %s", a.last())
	}
	if protocol.TypeOf(b.last()) != protocol.TypeUserLeft {
		t.Errorf("Expected B to see alice leave, got %v", b.types())
	}
	r, _ := h.dir.Get("42")
	if len(r.Participants()) != 1 {
		t.Errorf("Expected 1 participant left in 42, got %d", len(r.Participants()))
	}
}

func TestRejoinSameRoomResendsSnapshot(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	a := h.joined(t, "alice", "42")
	b := h.joined(t, "bob", "42")
	b.reset()

	h.send(t, a, protocol.TypeJoinRoom, protocol.JoinRoom{ResourceID: "42"})
	if protocol.TypeOf(a.last()) != protocol.TypeTripState {
		t.Errorf("Expected snapshot, got %s", a.last())
	}
	if len(b.types()) != 0 {
		t.Errorf("Rejoin should not be announced, B got %v", b.types())
	}
}

func TestLeaveRoom(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{})
	a := h.joined(t, "alice", "42")
	b := h.joined(t, "bob", "42")

	h.send(t, a, protocol.TypeLeaveRoom, nil)
	if protocol.TypeOf(b.last()) != protocol.TypeUserLeft {
		t.Errorf("Expected user_left at B, got %s", b.last())
	}
	if phase, _ := h.co.Phase(a.id); phase != coordinator.PhaseAuthenticated {
		t.Errorf("Expected authenticated after leave, got %s", phase)
	}
	h.send(t, a, protocol.TypeEdit, protocol.Edit{Field: "title", Value: []byte(`"x"`)})
	if code := errorCode(a.last()); code != protocol.CodeNotJoined {
		t.Errorf("Expected not_joined after leave, got %s", a.last())
	}
}

func TestFieldAllowlist(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{Fields: []string{"title"}})
	a := h.joined(t, "alice", "42")
	b := h.joined(t, "bob", "42")
	b.reset()

	h.send(t, a, protocol.TypeEdit, protocol.Edit{Field: "secret", Value: []byte(`1`)})
	h.send(t, a, protocol.TypeEdit, protocol.Edit{Field: "", Value: []byte(`1`)})
	if len(b.types()) != 0 {
		t.Errorf("Disallowed edits were broadcast: %v", b.types())
	}
	h.send(t, a, protocol.TypeEdit, protocol.Edit{Field: "title", Value: []byte(`"ok"`)})
	if protocol.TypeOf(b.last()) != protocol.TypeFieldUpdated {
		t.Errorf("Allowed edit was not broadcast")
	}
}

// --- Connection limit ---

func TestConnectionLimitReject(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{MaxConnectionsPerUser: 1, LimitMode: coordinator.LimitModeReject})
	first := h.login(t, "alice")

	second := h.connect(t, "")
	h.send(t, second, protocol.TypeAuth, protocol.Auth{Token: h.token(t, "alice")})
	failure := second.last()
	if protocol.TypeOf(failure) != protocol.TypeAuthFailure || gjson.GetBytes(failure, "reason").String() != "too_many_connections" {
		t.Fatalf("Expected too_many_connections, got %s", failure)
	}
	if closed, err := second.isClosed(); !closed || !errors.Is(err, coordinator.ErrTooManyConnections) {
		t.Errorf("Expected second connection closed, got closed=%v err=%v", closed, err)
	}
	if closed, _ := first.isClosed(); closed {
		t.Error("First connection should survive in reject mode")
	}
}

func TestConnectionLimitCycle(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{MaxConnectionsPerUser: 1, LimitMode: coordinator.LimitModeCycle})
	first := h.joined(t, "alice", "42")
	second := h.login(t, "alice")

	closed, err := first.isClosed()
	if !closed || !errors.Is(err, coordinator.ErrConnectionCycled) {
		t.Fatalf("Expected oldest connection cycled, got closed=%v err=%v", closed, err)
	}
	if n, _ := h.registry.GetUserConnectionCount("alice"); n != 1 {
		t.Errorf("Expected 1 connection for alice, got %d", n)
	}
	r, _ := h.dir.Get("42")
	if len(r.Participants()) != 0 {
		t.Error("Cycled connection still a room participant")
	}
	if phase, _ := h.co.Phase(second.id); phase != coordinator.PhaseAuthenticated {
		t.Errorf("Expected new connection authenticated, got %s", phase)
	}
}

func TestConnectionLimitHoldsUnderConcurrentAuth(t *testing.T) {
	h := newHarness(t, nil, coordinator.Options{MaxConnectionsPerUser: 2, LimitMode: coordinator.LimitModeReject})
	frame, err := protocol.EncodeInbound(protocol.TypeAuth, protocol.Auth{Token: h.token(t, "alice")})
	if err != nil {
		t.Fatalf("EncodeInbound failed: %v", err)
	}
	conns := make([]*fakeConn, 10)
	for i := range conns {
		conns[i] = h.connect(t, "")
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			h.co.HandleMessage(context.Background(), conn.id, frame)
		}(conn)
	}
	wg.Wait()

	authenticated := 0
	for _, conn := range conns {
		if protocol.TypeOf(conn.last()) == protocol.TypeAuthSuccess {
			authenticated++
		}
	}
	if authenticated != 2 {
		t.Errorf("Expected 2 tabs authenticated, got %d", authenticated)
	}
	if n, _ := h.registry.GetUserConnectionCount("alice"); n != 2 {
		t.Errorf("Expected 2 connections for alice, got %d", n)
	}
}
