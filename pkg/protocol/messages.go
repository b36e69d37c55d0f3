package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the value of the "type" discriminator carried by every frame.
type MessageType string

// Client -> server.
const (
	TypeAuth       MessageType = "auth"
	TypeJoinRoom   MessageType = "join_room"
	TypeLeaveRoom  MessageType = "leave_room"
	TypeEdit       MessageType = "edit"
	TypeFocusField MessageType = "focus_field"
	TypeBlurField  MessageType = "blur_field"
	TypeSave       MessageType = "save"
	TypePing       MessageType = "ping"
)

// Server -> client.
const (
	TypeAuthSuccess  MessageType = "auth_success"
	TypeAuthFailure  MessageType = "auth_failure"
	TypeTripState    MessageType = "trip_state"
	TypeUserJoined   MessageType = "user_joined"
	TypeUserLeft     MessageType = "user_left"
	TypeFieldUpdated MessageType = "field_updated"
	TypeFieldFocused MessageType = "field_focused"
	TypeFieldBlurred MessageType = "field_blurred"
	TypeFocusDenied  MessageType = "focus_denied"
	TypeJoinDenied   MessageType = "join_denied"
	TypeTripSaved    MessageType = "trip_saved"
	TypeSaveFailed   MessageType = "save_failed"
	TypeError        MessageType = "error"
	TypePong         MessageType = "pong"
)

// Error codes carried by TypeError events.
const (
	CodeNotAuthenticated     = "not_authenticated"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeNotJoined            = "not_joined"
	CodeFieldLocked          = "field_locked"
	CodeSavePending          = "save_pending"
	CodeNotFocused           = "not_focused"
	CodeRoomUnavailable      = "room_unavailable"
)

// Document maps field names to raw JSON values.
type Document map[string]json.RawMessage

// Clone returns a shallow copy; the raw values are never mutated in place.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// --- inbound ---

type Auth struct {
	Token string `json:"token"`
}

type JoinRoom struct {
	ResourceID string `json:"resource_id"`
}

type Edit struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type FocusField struct {
	Field string `json:"field"`
}

type BlurField struct {
	Field string `json:"field"`
}

// Inbound is a decoded client frame. Payload holds one of the pointer types
// above, or nil for messages without a body (leave_room, save, ping).
type Inbound struct {
	Type    MessageType
	Payload any
}

// --- outbound ---

type Participant struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	EditingField string `json:"editing_field,omitempty"`
}

type AuthSuccess struct {
	Type         MessageType `json:"type"`
	UserID       string      `json:"user_id"`
	Name         string      `json:"name"`
	ConnectionID string      `json:"connection_id"`
}

type AuthFailure struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type TripState struct {
	Type         MessageType   `json:"type"`
	ResourceID   string        `json:"resource_id"`
	Fields       Document      `json:"fields"`
	Participants []Participant `json:"participants"`
	SavePending  bool          `json:"save_pending"`
}

type UserJoined struct {
	Type        MessageType `json:"type"`
	ResourceID  string      `json:"resource_id"`
	Participant Participant `json:"participant"`
}

type UserLeft struct {
	Type        MessageType `json:"type"`
	ResourceID  string      `json:"resource_id"`
	Participant Participant `json:"participant"`
}

type FieldUpdated struct {
	Type         MessageType     `json:"type"`
	ResourceID   string          `json:"resource_id"`
	Field        string          `json:"field"`
	Value        json.RawMessage `json:"value"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id"`
	At           time.Time       `json:"at"`
}

type FieldFocused struct {
	Type         MessageType `json:"type"`
	ResourceID   string      `json:"resource_id"`
	Field        string      `json:"field"`
	UserID       string      `json:"user_id"`
	Name         string      `json:"name"`
	ConnectionID string      `json:"connection_id"`
}

type FieldBlurred struct {
	Type         MessageType `json:"type"`
	ResourceID   string      `json:"resource_id"`
	Field        string      `json:"field"`
	UserID       string      `json:"user_id"`
	ConnectionID string      `json:"connection_id"`
}

type FocusDenied struct {
	Type               MessageType `json:"type"`
	ResourceID         string      `json:"resource_id"`
	Field              string      `json:"field"`
	HolderUserID       string      `json:"holder_user_id"`
	HolderName         string      `json:"holder_name"`
	HolderConnectionID string      `json:"holder_connection_id"`
}

type JoinDenied struct {
	Type       MessageType `json:"type"`
	ResourceID string      `json:"resource_id"`
	Reason     string      `json:"reason"`
}

type TripSaved struct {
	Type       MessageType `json:"type"`
	ResourceID string      `json:"resource_id"`
	Fields     Document    `json:"fields"`
	SavedBy    string      `json:"saved_by"`
}

type SaveFailed struct {
	Type       MessageType `json:"type"`
	ResourceID string      `json:"resource_id"`
	Reason     string      `json:"reason"`
}

// Error is the negative reply sent to the originator of a rejected operation.
type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Field   string      `json:"field,omitempty"`
	// Retry tells the client the same request may succeed later unchanged.
	Retry        bool   `json:"retry,omitempty"`
	HolderUserID string `json:"holder_user_id,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
}
