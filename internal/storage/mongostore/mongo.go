// Package mongostore persists trip documents in MongoDB. Each trip is one
// document keyed by trip id with the editable fields under "fields".
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devinvista/Trip-sub003/internal/storage"
	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"github.com/tidwall/gjson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Store struct {
	client *mongo.Client
	trips  *mongo.Collection
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

type tripDocument struct {
	ID        string    `bson:"_id"`
	Fields    bson.Raw  `bson:"fields"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func Connect(ctx context.Context, logger *slog.Logger, uri, database, collection string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &Store{
		client: client,
		trips:  client.Database(database).Collection(collection),
		logger: logger.With(slog.String("component", "mongostore")),
	}, nil
}

func (s *Store) LoadTrip(ctx context.Context, tripID string) (protocol.Document, error) {
	if tripID == "" {
		return nil, storage.ErrInvalidTripID
	}
	var stored tripDocument
	err := s.trips.FindOne(ctx, bson.M{"_id": tripID}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return protocol.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trip '%s': %w", tripID, err)
	}
	return fromBSON(stored.Fields)
}

func (s *Store) SaveTrip(ctx context.Context, tripID string, fields protocol.Document) error {
	if tripID == "" {
		return storage.ErrInvalidTripID
	}
	encoded, err := toBSON(fields)
	if err != nil {
		return fmt.Errorf("failed to encode trip '%s': %w", tripID, err)
	}
	doc := bson.M{"_id": tripID, "fields": encoded, "updatedAt": time.Now().UTC()}
	_, err = s.trips.ReplaceOne(ctx, bson.M{"_id": tripID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save trip '%s': %w", tripID, err)
	}
	s.logger.Debug("Trip saved", slog.String("tripID", tripID), slog.Int("fields", len(fields)))
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// toBSON converts raw JSON field values to BSON values through relaxed
// extended JSON, so numbers, arrays and nested objects stay queryable.
func toBSON(fields protocol.Document) (bson.D, error) {
	out := make(bson.D, 0, len(fields))
	for name, raw := range fields {
		var wrapped bson.D
		wrapper := append(append([]byte(`{"v":`), raw...), '}')
		if err := bson.UnmarshalExtJSON(wrapper, false, &wrapped); err != nil {
			return nil, fmt.Errorf("field '%s': %w", name, err)
		}
		if len(wrapped) != 1 {
			return nil, fmt.Errorf("field '%s': unexpected value shape", name)
		}
		out = append(out, bson.E{Key: name, Value: wrapped[0].Value})
	}
	return out, nil
}

func fromBSON(fields bson.Raw) (protocol.Document, error) {
	doc := protocol.Document{}
	if len(fields) == 0 {
		return doc, nil
	}
	elems, err := fields.Elements()
	if err != nil {
		return nil, fmt.Errorf("failed to read stored fields: %w", err)
	}
	for _, elem := range elems {
		ext, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: elem.Value()}}, false, false)
		if err != nil {
			return nil, fmt.Errorf("field '%s': %w", elem.Key(), err)
		}
		doc[elem.Key()] = json.RawMessage(gjson.GetBytes(ext, "v").Raw)
	}
	return doc, nil
}
