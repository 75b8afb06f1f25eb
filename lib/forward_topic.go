package lib

import (
	"context"
	"fmt"
	"time"

	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/fiffu/recordwatch/lib/watcher"
	"github.com/fiffu/recordwatch/senders"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const forwardTimeout = 30 * time.Second

type forwardTopic struct {
	log     *zap.Logger
	db      *gorm.DB
	senders senders.Registry
	session *streaming.Session
	watcher *watcher.Watcher
	metrics *metrics.Metrics
}

// ForwardTopic stores a forward for topic and subscribes to it. The forward is
// kept when the handshake fails; the watcher's keep-alive attaches it later,
// and the handshake error is returned alongside the stored forward.
func (svc *forwardTopic) ForwardTopic(ctx context.Context, topic, chaseEntity, platform, recipient string) (*models.TopicForward, error) {
	channel, err := TopicChannel(topic)
	if err != nil {
		return nil, err
	}
	if _, ok := svc.senders[platform]; !ok {
		return nil, fmt.Errorf("%w: unsupported notifier platform: %s", ErrInvalidArgument, platform)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidArgument)
	}

	fwd := &models.TopicForward{
		Topic:       channel,
		ChaseEntity: chaseEntity,
		Platform:    platform,
		Recipient:   recipient,
	}
	tx := svc.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "topic"}},
			DoUpdates: clause.AssignmentColumns([]string{"chase_entity", "platform", "recipient", "updated_at"}),
		}).
		Create(fwd)
	if err := tx.Error; err != nil {
		return nil, err
	}
	svc.log.Sugar().Infow("Stored topic forward", "channel", channel, "chase", chaseEntity, "platform", platform)

	if err := svc.session.Subscribe(ctx, channel, svc.forwardHandler(*fwd)); err != nil {
		return fwd, err
	}
	return fwd, nil
}

func (svc *forwardTopic) StopForward(ctx context.Context, topic string) error {
	channel, err := TopicChannel(topic)
	if err != nil {
		return err
	}

	// Unsubscribe is idempotent, so a forward that never attached is fine here.
	if err := svc.session.Unsubscribe(ctx, channel); err != nil {
		return err
	}

	tx := svc.db.WithContext(ctx).Unscoped().Where("topic = ?", channel).Delete(&models.TopicForward{})
	if err := tx.Error; err != nil {
		return err
	}
	svc.log.Sugar().Infow("Stopped topic forward", "channel", channel, "deleted", tx.RowsAffected)
	return nil
}

// RestoreForwards registers stored forwards as pending subscriptions without
// handshaking. The watcher's first wakeup connects the session.
func (svc *forwardTopic) RestoreForwards(ctx context.Context) error {
	var forwards models.TopicForwards
	tx := svc.db.WithContext(ctx).Find(&forwards)
	if err := tx.Error; err != nil {
		return err
	}

	for _, fwd := range forwards {
		svc.session.Registry().Add(fwd.Topic, svc.forwardHandler(fwd))
	}
	if len(forwards) > 0 {
		svc.log.Sugar().Infow("Restored topic forwards", "count", len(forwards))
	}
	return nil
}

func (svc *forwardTopic) forwardHandler(fwd models.TopicForward) streaming.Handler {
	return func(msg *streaming.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()

		change := models.NewPushChangeLog(fwd.ChaseEntity, msg.Channel, msg.Data, msg.ReceivedAt)
		tx := svc.db.WithContext(ctx).Create(change)
		if err := tx.Error; err != nil {
			svc.log.Sugar().Errorw("Failed to store pushed change", "channel", msg.Channel, "err", err)
			return
		}
		svc.metrics.RecordsDelivered.WithLabelValues(fwd.ChaseEntity, models.SourcePush).Add(float64(change.RecordCount))

		if err := svc.watcher.SendChanges(ctx, fwd.Platform, fwd.Recipient, change); err != nil {
			svc.log.Sugar().Errorw("Failed to forward pushed change", "channel", msg.Channel, "batch_id", change.BatchID, "err", err)
		}
		if fwd.ChaseEntity != "" {
			svc.watcher.Chase(fwd.ChaseEntity)
		}
	}
}
