// Package pgstore persists trip documents in a Postgres "trips" table with the
// editable fields in a jsonb column.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devinvista/Trip-sub003/internal/storage"
	"github.com/devinvista/Trip-sub003/pkg/protocol"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type tripRecord struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Data      string    `gorm:"column:data;type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (tripRecord) TableName() string { return "trips" }

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

func Open(logger *slog.Logger, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.AutoMigrate(&tripRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate trips table: %w", err)
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "pgstore"))}, nil
}

func (s *Store) LoadTrip(ctx context.Context, tripID string) (protocol.Document, error) {
	if tripID == "" {
		return nil, storage.ErrInvalidTripID
	}
	var rec tripRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", tripID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trip '%s': %w", tripID, err)
	}
	return decodeRecord(rec)
}

func (s *Store) SaveTrip(ctx context.Context, tripID string, fields protocol.Document) error {
	if tripID == "" {
		return storage.ErrInvalidTripID
	}
	rec, err := encodeRecord(tripID, fields, time.Now().UTC())
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save trip '%s': %w", tripID, err)
	}
	s.logger.Debug("Trip saved", slog.String("tripID", tripID), slog.Int("fields", len(fields)))
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func encodeRecord(tripID string, fields protocol.Document, at time.Time) (tripRecord, error) {
	if fields == nil {
		fields = protocol.Document{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return tripRecord{}, fmt.Errorf("failed to encode trip '%s': %w", tripID, err)
	}
	return tripRecord{ID: tripID, Data: string(data), UpdatedAt: at}, nil
}

func decodeRecord(rec tripRecord) (protocol.Document, error) {
	doc := protocol.Document{}
	if rec.Data == "" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(rec.Data), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode trip '%s': %w", rec.ID, err)
	}
	return doc, nil
}
