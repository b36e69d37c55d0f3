// Package storage defines the persistence collaborator that supplies the
// baseline trip document and durably stores saved field values.
package storage

import (
	"context"
	"errors"

	"github.com/devinvista/Trip-sub003/pkg/protocol"
)

var ErrInvalidTripID = errors.New("invalid trip id")

// Store loads and saves whole trip documents. A trip that was never saved
// loads as an empty document.
type Store interface {
	LoadTrip(ctx context.Context, tripID string) (protocol.Document, error)
	SaveTrip(ctx context.Context, tripID string, fields protocol.Document) error
}
