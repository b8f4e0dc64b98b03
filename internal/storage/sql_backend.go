package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/segswarm/internal/models"
)

// segmentRecord is the table row holding one segment's bytes.
type segmentRecord struct {
	StreamID   string `gorm:"primaryKey;size:512"`
	ExternalID int64  `gorm:"primaryKey;autoIncrement:false"`
	Data       []byte
	Size       int64
	CreatedAt  time.Time
}

// TableName implements gorm's tabler interface.
func (segmentRecord) TableName() string {
	return "segments"
}

// SQLBackend persists segment bytes through GORM (SQLite, PostgreSQL or
// MySQL). Rows left from a previous run are purged on open because the
// in-memory index does not survive restarts.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend migrates the segments table and clears stale rows.
func NewSQLBackend(ctx context.Context, db *gorm.DB) (*SQLBackend, error) {
	if err := db.WithContext(ctx).AutoMigrate(&segmentRecord{}); err != nil {
		return nil, fmt.Errorf("migrating segments table: %w", err)
	}
	if err := db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&segmentRecord{}).Error; err != nil {
		return nil, fmt.Errorf("purging stale segments: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

// Put upserts the segment row.
func (b *SQLBackend) Put(ctx context.Context, key models.SegmentKey, data []byte) error {
	rec := segmentRecord{
		StreamID:   key.StreamID,
		ExternalID: key.ExternalID,
		Data:       data,
		Size:       int64(len(data)),
		CreatedAt:  time.Now(),
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "size", "created_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("writing segment %s: %w", key, err)
	}
	return nil
}

// Get loads the segment bytes.
func (b *SQLBackend) Get(ctx context.Context, key models.SegmentKey) ([]byte, error) {
	var rec segmentRecord
	err := b.db.WithContext(ctx).
		Where("stream_id = ? AND external_id = ?", key.StreamID, key.ExternalID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading segment %s: %w", key, err)
	}
	return rec.Data, nil
}

// Delete removes the rows for keys.
func (b *SQLBackend) Delete(ctx context.Context, keys ...models.SegmentKey) error {
	if len(keys) == 0 {
		return nil
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			err := tx.Where("stream_id = ? AND external_id = ?", k.StreamID, k.ExternalID).
				Delete(&segmentRecord{}).Error
			if err != nil {
				return fmt.Errorf("deleting segment %s: %w", k, err)
			}
		}
		return nil
	})
}

// Close is a no-op; the connection is owned by the caller.
func (b *SQLBackend) Close() error {
	return nil
}
