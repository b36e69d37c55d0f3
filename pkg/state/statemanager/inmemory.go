package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/devinvista/Trip-sub003/pkg/state"
	"github.com/google/uuid"
)

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User

	// lock order: connMu before userMu.
	connMu sync.RWMutex
	userMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]*state.User),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Registry.
var _ state.Registry = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrConnectionExists
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.Any("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return nil
	}
	delete(m.conns, connID)

	// detach conn from user
	if conn.User != nil {
		m.userMu.Lock()
		defer m.userMu.Unlock()

		user := conn.User
		delete(user.Connections, connID)
		if len(user.Connections) == 0 {
			delete(m.users, user.ID)
			m.logger.Debug("Removed user without connections", slog.Any("userID", user.ID))
		}
		m.logger.Debug("Detached connection from user", slog.Any("connID", connID.String()), slog.Any("userID", user.ID))
	}
	m.logger.Debug("Connection deregistered", "connID", connID.String())
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) ConnectionCount() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

func (m *InMemoryManager) AllTransports() []state.Transport {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	transports := make([]state.Transport, 0, len(m.conns))
	for _, c := range m.conns {
		transports = append(transports, c.Transport)
	}
	return transports
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, userID, name string) (*state.User, error) {
	user, _, err := m.AssociateUserLimited(connID, userID, name, state.UserLimit{})
	return user, err
}

func (m *InMemoryManager) AssociateUserLimited(connID uuid.UUID, userID, name string, limit state.UserLimit) (*state.User, []*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()
	defer m.userMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, nil, state.ErrConnectionNotFound
	}

	// Find or create the user session.
	user, exists := m.users[userID]
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
	}

	var evicted []*state.Connection
	if _, bound := user.Connections[connID]; !bound && limit.Max > 0 {
		for len(user.Connections) >= limit.Max {
			if !limit.Evict {
				return nil, nil, state.ErrUserLimitReached
			}
			oldest := oldestConnection(user)
			delete(user.Connections, oldest.ID)
			oldest.User = nil
			evicted = append(evicted, oldest)
			m.logger.Debug("Evicted oldest user connection", slog.Any("connID", oldest.ID.String()), slog.Any("userID", userID))
		}
	}

	if !exists {
		m.users[userID] = user
		m.logger.Debug("Created new user session", slog.Any("userID", userID))
	}
	user.Name = name
	conn.User = user
	user.Connections[connID] = conn

	m.logger.Debug("Associated connection with user", slog.Any("connID", connID.String()), slog.Any("userID", userID))
	return user, evicted, nil
}

func oldestConnection(user *state.User) *state.Connection {
	var oldest *state.Connection
	for _, conn := range user.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemoryManager) GetUserConnections(userID string) ([]state.Transport, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, state.ErrUserNotFound
	}

	conns := make([]state.Transport, 0, len(user.Connections))
	for _, c := range user.Connections {
		conns = append(conns, c.Transport)
	}
	return conns, nil
}
