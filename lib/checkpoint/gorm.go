package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fiffu/recordwatch/lib/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormStore struct {
	db *gorm.DB
}

// NewGormStore keeps entries in the checkpoint_entries table.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db}
}

func (s *gormStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.CheckpointEntry
	tx := s.db.WithContext(ctx).Where("checkpoint_key = ?", key).First(&entry)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *gormStore) Put(ctx context.Context, key string, value []byte) error {
	entry := models.CheckpointEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "checkpoint_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry)
	return tx.Error
}

func (s *gormStore) Delete(ctx context.Context, key string) error {
	tx := s.db.WithContext(ctx).Delete(&models.CheckpointEntry{}, "checkpoint_key = ?", key)
	return tx.Error
}

func (s *gormStore) Has(ctx context.Context, key string) (bool, error) {
	var count int64
	tx := s.db.WithContext(ctx).Model(&models.CheckpointEntry{}).Where("checkpoint_key = ?", key).Count(&count)
	if err := tx.Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
