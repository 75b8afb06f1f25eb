package lib

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib/cursor"
	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/lib/poller"
	"github.com/fiffu/recordwatch/lib/remote"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/fiffu/recordwatch/lib/watcher"
	"github.com/fiffu/recordwatch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const topicPrefix = "/topic/"

var ErrInvalidArgument = errors.New("invalid argument")

type Service struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *gorm.DB
	senders senders.Registry

	session *streaming.Session
	poller  *poller.Poller
	cursor  *cursor.Cursor
	watcher *watcher.Watcher

	*forwardTopic
	*createWatch
	*publishTopic
}

func NewService(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	db *gorm.DB,
	senders senders.Registry,
	session *streaming.Session,
	p *poller.Poller,
	c *cursor.Cursor,
	w *watcher.Watcher,
	m *metrics.Metrics,
	client *remote.Client,
) *Service {
	svc := &Service{
		cfg, log, db, senders,
		session, p, c, w,
		&forwardTopic{log, db, senders, session, w, m},
		&createWatch{log, db, senders},
		&publishTopic{log, client},
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.RestoreForwards(ctx)
		},
	})

	return svc
}

// TopicChannel normalizes a topic name to its channel, /topic/<name>.
func TopicChannel(topic string) (string, error) {
	name := strings.TrimPrefix(strings.TrimPrefix(topic, "/"), "topic/")
	name = strings.Trim(name, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty topic name", ErrInvalidArgument)
	}
	return topicPrefix + name, nil
}

// Subscribe attaches handler to topic and returns a func that detaches it.
// When the handshake fails the error is returned, the subscription stays
// pending and the returned func can still be used to drop it.
func (svc *Service) Subscribe(ctx context.Context, topic string, handler streaming.Handler) (func(context.Context) error, error) {
	channel, err := TopicChannel(topic)
	if err != nil {
		return nil, err
	}

	unsubscribe := func(ctx context.Context) error {
		return svc.session.Unsubscribe(ctx, channel)
	}
	if err := svc.session.Subscribe(ctx, channel, handler); err != nil {
		return unsubscribe, err
	}
	svc.log.Sugar().Infow("Subscribed to topic", "channel", channel)
	return unsubscribe, nil
}

// PollUpdates runs one poll cycle for entity. Duplicate cycles return an
// empty result with Duplicate set.
func (svc *Service) PollUpdates(ctx context.Context, entity string, initialWindowMinutes int, fields []string) (*models.PollResult, error) {
	if entity == "" {
		return nil, fmt.Errorf("%w: entity type is required", ErrInvalidArgument)
	}
	if initialWindowMinutes <= 0 {
		return nil, fmt.Errorf("%w: initial window must be positive, got %d", ErrInvalidArgument, initialWindowMinutes)
	}
	if len(fields) == 0 {
		fields = []string{"Id"}
	}
	return svc.poller.Poll(ctx, entity, time.Duration(initialWindowMinutes)*time.Minute, fields)
}

// PollDeletions runs one deletion poll cycle for entity. It keeps its own
// checkpoint, apart from PollUpdates.
func (svc *Service) PollDeletions(ctx context.Context, entity string, initialWindowMinutes int) (*models.PollResult, error) {
	if entity == "" {
		return nil, fmt.Errorf("%w: entity type is required", ErrInvalidArgument)
	}
	if initialWindowMinutes <= 0 {
		return nil, fmt.Errorf("%w: initial window must be positive, got %d", ErrInvalidArgument, initialWindowMinutes)
	}
	return svc.poller.PollDeleted(ctx, entity, time.Duration(initialWindowMinutes)*time.Minute)
}

// ResetCheckpoint forgets both the updates and the deletions checkpoint.
func (svc *Service) ResetCheckpoint(ctx context.Context, entity string) error {
	if err := svc.cursor.Reset(ctx, entity); err != nil {
		return err
	}
	if err := svc.cursor.Deletions().Reset(ctx, entity); err != nil {
		return err
	}
	svc.log.Sugar().Infow("Checkpoint reset", "entity", entity)
	return nil
}

func (svc *Service) Checkpoint(ctx context.Context, entity string) (time.Time, bool, error) {
	return svc.cursor.Read(ctx, entity)
}

func (svc *Service) SessionState() streaming.State {
	return svc.session.State()
}

func (svc *Service) SessionError() error {
	return svc.session.LastError()
}

func (svc *Service) Subscriptions() []streaming.Subscription {
	return svc.session.Registry().Subscriptions()
}

// FindChangeLogs returns the latest change logs for entity, newest first.
func (svc *Service) FindChangeLogs(ctx context.Context, entity string, limit int) (models.ChangeLogs, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs models.ChangeLogs
	tx := svc.db.WithContext(ctx).
		Where("entity_type = ?", entity).
		Order("timestamp desc").
		Limit(limit).
		Find(&logs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return logs, nil
}
