// Package watcher polls the entity types that have watches on a schedule and
// notifies each watch's recipient of changed records.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/lib/poller"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/fiffu/recordwatch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const eventTimeout = 2 * time.Minute

type Poller interface {
	Poll(ctx context.Context, entity string, initialWindow time.Duration, fields []string) (*models.PollResult, error)
	PollDeleted(ctx context.Context, entity string, initialWindow time.Duration) (*models.PollResult, error)
}

// KeepAlive is the part of the notification session the watcher revives.
type KeepAlive interface {
	State() streaming.State
	Registry() *streaming.Registry
	Connect(ctx context.Context) error
}

type Options struct {
	WakeupInterval time.Duration // Interval to check for pollable watches
	PollInterval   time.Duration // We only poll a watch when the last poll was this long ago
	ChangeLogTTL   time.Duration // Purge change logs older than this
	Concurrency    int
}

func NewWatcher(lc fx.Lifecycle, cfg *config.Config, db *gorm.DB, log *zap.Logger, senders senders.Registry, p *poller.Poller, session *streaming.Session, m *metrics.Metrics) *Watcher {
	w := New(db, log, senders, p, session, m, Options{
		WakeupInterval: cfg.Watcher.WakeupInterval,
		PollInterval:   cfg.Watcher.PollInterval,
		ChangeLogTTL:   cfg.Watcher.ChangeLogTTL,
		Concurrency:    cfg.Watcher.Concurrency,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			w.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop watcher")
			w.Stop()
			return nil
		},
	})

	return w
}

func New(db *gorm.DB, log *zap.Logger, senders senders.Registry, p Poller, session KeepAlive, m *metrics.Metrics, opts Options) *Watcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Watcher{
		db:         db,
		log:        log,
		senders:    senders,
		poller:     p,
		session:    session,
		metrics:    m,
		opts:       opts,
		alarmClock: NewAlarmClock(opts.WakeupInterval),
	}
}

type Watcher struct {
	db      *gorm.DB
	log     *zap.Logger
	senders senders.Registry
	poller  Poller
	session KeepAlive
	metrics *metrics.Metrics
	opts    Options

	mu         sync.Mutex
	alarmClock *alarmClock
	cancel     context.CancelFunc
	done       chan struct{}
}

func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	c := w.alarmClock.Start(ctx)

	go func() {
		defer close(w.done)
		for evt := range c {
			w.handleEvent(ctx, evt)
		}
	}()
}

func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.log.Sugar().Info("Watcher stopped")
}

// Chase polls the watches on entityType at the next opportunity instead of
// waiting for their poll interval.
func (w *Watcher) Chase(entityType string) {
	if !w.alarmClock.Chase(entityType) {
		w.log.Sugar().Warnw("Chase backlog full, dropping chase", "entity", entityType)
	}
}

func (w *Watcher) handleEvent(ctx context.Context, evt Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch evt := evt.(type) {
	case pollWakeupEvent:
		w.pollWatches(ctx, evt.Timestamp())
		w.keepAlive(ctx)
	case chaseWakeupEvent:
		w.chaseWatches(ctx, evt.EntityType, evt.Timestamp())
	}
}

// SendChanges delivers change through the sender registered for platform.
func (w *Watcher) SendChanges(ctx context.Context, platform, recipient string, change *models.ChangeLog) error {
	sender, ok := w.senders[platform]
	if !ok {
		return fmt.Errorf("unsupported notifier platform: %s", platform)
	}

	id, err := sender.SendChanges(ctx, recipient, change)
	if err != nil {
		w.log.Sugar().Infow("Failed to send update", "err", err)
		return err
	}
	w.log.Sugar().Debugw("Sent update", "platform", platform, "message_id", id, "batch_id", change.BatchID)
	return nil
}

// keepAlive reconnects the notification session when it dropped while
// subscriptions are still wanted. The wakeup interval is the backoff.
func (w *Watcher) keepAlive(ctx context.Context) {
	if w.session == nil || w.session.State() != streaming.Disconnected {
		return
	}
	pending := w.session.Registry().Pending()
	if len(pending) == 0 {
		return
	}

	w.log.Sugar().Infow("Reconnecting notification session", "pending", len(pending))
	if err := w.session.Connect(ctx); err != nil {
		w.log.Sugar().Warnw("Reconnect failed, will retry on next wakeup", "err", err)
	}
}
