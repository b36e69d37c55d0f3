package state

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrConnectionExists   = errors.New("connection is already registered")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserLimitReached   = errors.New("user connection limit reached")
)

// UserLimit caps how many connections one user may hold. Max of zero disables it.
type UserLimit struct {
	Max int
	// Evict detaches the user's oldest connections to make room instead of refusing.
	Evict bool
}

// Registry is the process-wide session table: user identity to live connections.
type Registry interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn Transport, ipAddr string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	ConnectionCount() int
	// AllTransports returns a snapshot of every registered transport.
	AllTransports() []Transport

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID, name string) (*User, error)
	// AssociateUserLimited checks the limit and links the connection in one
	// step. Evicted connections are detached from the user; closing them is
	// left to the caller.
	AssociateUserLimited(connID uuid.UUID, userID, name string, limit UserLimit) (*User, []*Connection, error)
	FindUser(userID string) (*User, bool)
	GetUserConnections(userID string) ([]Transport, error)
	GetUserConnectionCount(userID string) (int, error)
}
