package storage

import (
	"context"
	"sync"

	"github.com/devinvista/Trip-sub003/pkg/protocol"
)

// Memory keeps trips in process memory. Used for development and tests.
type Memory struct {
	mu    sync.RWMutex
	trips map[string]protocol.Document
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{trips: make(map[string]protocol.Document)}
}

// Seed replaces the stored document of a trip.
func (m *Memory) Seed(tripID string, fields protocol.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[tripID] = fields.Clone()
}

func (m *Memory) LoadTrip(ctx context.Context, tripID string) (protocol.Document, error) {
	if tripID == "" {
		return nil, ErrInvalidTripID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trips[tripID].Clone(), nil
}

func (m *Memory) SaveTrip(ctx context.Context, tripID string, fields protocol.Document) error {
	if tripID == "" {
		return ErrInvalidTripID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Seed(tripID, fields)
	return nil
}
