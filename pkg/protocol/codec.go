package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)

// Decode turns a raw client frame into a typed message. Unknown types return
// ErrUnknownType so callers can ignore them without closing the connection.
func Decode(frame []byte) (*Inbound, error) {
	if !gjson.ValidBytes(frame) {
		return nil, ErrMalformedFrame
	}
	typeResult := gjson.GetBytes(frame, "type")
	if typeResult.Type != gjson.String || typeResult.String() == "" {
		return nil, fmt.Errorf("%w: missing 'type' field", ErrMalformedFrame)
	}

	msg := &Inbound{Type: MessageType(typeResult.String())}
	switch msg.Type {
	case TypeAuth:
		msg.Payload = &Auth{}
	case TypeJoinRoom:
		msg.Payload = &JoinRoom{}
	case TypeEdit:
		msg.Payload = &Edit{}
	case TypeFocusField:
		msg.Payload = &FocusField{}
	case TypeBlurField:
		msg.Payload = &BlurField{}
	case TypeLeaveRoom, TypeSave, TypePing:
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	if err := json.Unmarshal(frame, msg.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if edit, ok := msg.Payload.(*Edit); ok && !gjson.GetBytes(frame, "value").Exists() {
		return nil, fmt.Errorf("%w: edit without 'value'", ErrMalformedFrame)
	} else if ok && len(edit.Value) == 0 {
		edit.Value = json.RawMessage("null")
	}
	return msg, nil
}

// Encode marshals an outbound event into a frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b, nil
}

// EncodeInbound builds a client frame: the payload's fields flattened next
// to the type discriminator. It is the client-side counterpart of Decode.
func EncodeInbound(t MessageType, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s payload must be an object: %w", t, err)
		}
	}
	typ, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// TypeOf returns the discriminator of an outbound frame, or "" when absent.
func TypeOf(frame []byte) MessageType {
	return MessageType(gjson.GetBytes(frame, "type").String())
}
