package models

import "time"

type CheckpointEntry struct {
	Key       string `gorm:"primaryKey;column:checkpoint_key"`
	Value     []byte `gorm:"notNull"`
	UpdatedAt time.Time
}
