package lib

import (
	"context"
	"fmt"
	"strings"

	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/senders"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultWindowMinutes = 60

type createWatch struct {
	log     *zap.Logger
	db      *gorm.DB
	senders senders.Registry
}

// CreateWatch stores a scheduled poll of entity. With trackDeletes the watch
// also reports deleted records. An existing watch on the same entity type is
// returned unchanged.
func (svc *createWatch) CreateWatch(ctx context.Context, entity string, windowMinutes int, fields []string, trackDeletes bool, platform, recipient string) (*models.Watch, error) {
	if entity == "" {
		return nil, fmt.Errorf("%w: entity type is required", ErrInvalidArgument)
	}
	if _, ok := svc.senders[platform]; !ok {
		return nil, fmt.Errorf("%w: unsupported notifier platform: %s", ErrInvalidArgument, platform)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidArgument)
	}
	if windowMinutes <= 0 {
		windowMinutes = defaultWindowMinutes
	}

	watch := &models.Watch{
		EntityType:           entity,
		InitialWindowMinutes: windowMinutes,
		Fields:               strings.Join(fields, ","),
		TrackDeletes:         trackDeletes,
		Platform:             platform,
		Recipient:            recipient,
	}
	tx := svc.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(watch)
	if err := tx.Error; err != nil {
		return nil, err
	}

	if tx.RowsAffected == 0 {
		existing := &models.Watch{}
		tx = svc.db.WithContext(ctx).Where("entity_type = ?", entity).First(existing)
		if err := tx.Error; err != nil {
			return nil, err
		}
		return existing, nil
	}

	svc.log.Sugar().Infof("Created watch id:%v on %s", watch.ID, entity)
	return watch, nil
}
