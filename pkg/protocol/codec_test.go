package protocol_test

import (
	"errors"
	"testing"

	"github.com/devinvista/Trip-sub003/pkg/protocol"
)

func TestDecodeKnownMessages(t *testing.T) {
	msg, err := protocol.Decode([]byte(`{"type":"edit","field":"title","value":"Lisbon Trip"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	edit, ok := msg.Payload.(*protocol.Edit)
	if !ok {
		t.Fatalf("Expected *protocol.Edit payload, got %T", msg.Payload)
	}
	if edit.Field != "title" || string(edit.Value) != `"Lisbon Trip"` {
		t.Errorf("Unexpected edit: %+v", edit)
	}

	msg, err = protocol.Decode([]byte(`{"type":"join_room","resource_id":"42"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if join := msg.Payload.(*protocol.JoinRoom); join.ResourceID != "42" {
		t.Errorf("Expected resource 42, got %q", join.ResourceID)
	}

	msg, err = protocol.Decode([]byte(`{"type":"save"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != protocol.TypeSave || msg.Payload != nil {
		t.Errorf("Unexpected save message: %+v", msg)
	}
}

func TestDecodeEditNullValue(t *testing.T) {
	msg, err := protocol.Decode([]byte(`{"type":"edit","field":"notes","value":null}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v := msg.Payload.(*protocol.Edit).Value; string(v) != "null" {
		t.Errorf("Expected null value, got %q", v)
	}

	if _, err := protocol.Decode([]byte(`{"type":"edit","field":"notes"}`)); !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("Expected ErrMalformedFrame for edit without value, got %v", err)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := map[string]error{
		`not json`:                         protocol.ErrMalformedFrame,
		`{"field":"title"}`:                protocol.ErrMalformedFrame,
		`{"type":42}`:                      protocol.ErrMalformedFrame,
		`{"type":"focus_field","field":1}`: protocol.ErrMalformedFrame,
		`{"type":"shout"}`:                 protocol.ErrUnknownType,
	}
	for frame, want := range cases {
		if _, err := protocol.Decode([]byte(frame)); !errors.Is(err, want) {
			t.Errorf("Decode(%s) error = %v, want %v", frame, err, want)
		}
	}
}

func TestEncodeInboundRoundTrip(t *testing.T) {
	frame, err := protocol.EncodeInbound(protocol.TypeEdit, protocol.Edit{Field: "budget", Value: []byte(`{"amount":1200}`)})
	if err != nil {
		t.Fatalf("EncodeInbound failed: %v", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	edit := msg.Payload.(*protocol.Edit)
	if edit.Field != "budget" || string(edit.Value) != `{"amount":1200}` {
		t.Errorf("Unexpected edit after round trip: %s %s", edit.Field, edit.Value)
	}

	frame, err = protocol.EncodeInbound(protocol.TypeSave, nil)
	if err != nil {
		t.Fatalf("EncodeInbound failed: %v", err)
	}
	if protocol.TypeOf(frame) != protocol.TypeSave {
		t.Errorf("Expected save frame, got %s", frame)
	}
}
