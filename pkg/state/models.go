package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the part of a live connection the registry needs: an identity,
// a non-blocking send and a way to close it.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte) bool
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport // The actual connection for sending messages
	User      *User     // Pointer to the owning user (nil until associated)
	CreatedAt time.Time
}

// canonical representation of a user, aggregating all their connections.
// Each connection is an independent participant: two tabs of the same user
// never share room state.
type User struct {
	ID          string
	Name        string
	Connections map[uuid.UUID]*Connection // All active connections for this user
}
