package app

import (
	"context"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib/checkpoint"
	"github.com/fiffu/recordwatch/lib/cursor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewCheckpointStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, db *gorm.DB) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "badger":
		bdb, err := checkpoint.OpenBadger(cfg.Checkpoint.BadgerDir)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return bdb.Close()
			},
		})
		log.Sugar().Infow("Checkpoints stored in badger", "dir", cfg.Checkpoint.BadgerDir)
		return checkpoint.NewBadgerStore(bdb), nil

	case "memory":
		log.Sugar().Warn("Checkpoints are kept in memory and will not survive a restart")
		return checkpoint.NewMemoryStore(), nil

	default:
		log.Sugar().Infow("Checkpoints stored in sqlite", "path", cfg.Checkpoint.DatabasePath)
		return checkpoint.NewGormStore(db), nil
	}
}

func NewCursor(cfg *config.Config, log *zap.Logger, store checkpoint.Store) *cursor.Cursor {
	return cursor.New(store, cfg.TenantID, log)
}
