package app

import (
	"context"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func NewDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Checkpoint.DatabasePath), &gorm.Config{})
	if err != nil {
		log.Sugar().Errorw("failed to connect database", "path", cfg.Checkpoint.DatabasePath, "err", err)
		return nil, err
	}
	log.Info("Database started")

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; the watcher and the API share this handle.
	sqlDB.SetMaxOpenConns(1)

	log.Info("Starting migrations")
	err = db.AutoMigrate(
		&models.CheckpointEntry{},
		&models.Watch{},
		&models.ChangeLog{},
		&models.TopicForward{},
	)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return sqlDB.Close()
		},
	})
	return db, nil
}
