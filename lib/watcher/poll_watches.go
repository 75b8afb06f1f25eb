package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiffu/recordwatch/lib/models"
	"gorm.io/gorm"
)

const defaultInitialWindow = 60 * time.Minute

func (w *Watcher) pollWatches(ctx context.Context, batchStartTime time.Time) {
	m := w.findWatchesForPoll(ctx, batchStartTime, w.collectBatch)
	m.Export(w.metrics.WatchResults, "poll")

	if m.totalSelected > 0 {
		args := make([]any, 0)
		if m.errored != 0 {
			args = append(args, "errored", m.errored)
		}
		if m.updated != 0 {
			args = append(args, "updated", m.updated)
		}
		if m.unchanged != 0 {
			args = append(args, "unchanged", m.unchanged)
		}
		if m.duplicate != 0 {
			args = append(args, "duplicate", m.duplicate)
		}

		w.log.Sugar().Infow(
			fmt.Sprintf("Processed %d watches", m.totalSelected),
			args...,
		)
	}

	w.purgeOldChangeLogs(ctx, batchStartTime)

	elapsed := time.Now().UTC().Sub(batchStartTime)
	w.log.Sugar().Infow("Watcher completed", "elapsed_msecs", int(elapsed.Milliseconds()))
}

func (w *Watcher) findWatchesForPoll(
	ctx context.Context,
	batchStartTime time.Time,
	callbackPerBatch func(context.Context, models.Watches, time.Time) (*watchMetrics, []error),
) *watchMetrics {
	lastPollCutoff := batchStartTime.Add(-w.opts.PollInterval)

	var watches models.Watches
	var metrics = &watchMetrics{}
	tx := w.db.
		Where("last_poll_time IS NULL OR last_poll_time <= ?", lastPollCutoff).
		FindInBatches(&watches, w.opts.Concurrency, func(tx *gorm.DB, batch int) error {
			batchMetrics, errs := callbackPerBatch(ctx, watches, batchStartTime)
			if len(errs) > 0 {
				w.log.Sugar().Warnf("watcher: batch errors: %+v", errs)
			}

			metrics.totalSelected += len(watches)
			metrics.Add(batchMetrics)

			return nil
		})
	if err := tx.Error; err != nil {
		w.log.Sugar().Errorw("Failed to fetch watches", "err", err)
	}

	return metrics
}

func (w *Watcher) collectBatch(ctx context.Context, batch models.Watches, batchStartTime time.Time) (*watchMetrics, []error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var metrics = &watchMetrics{}

	errs := make([]error, 0)
	for _, watch := range batch {
		watch := watch
		wg.Add(1)

		go func() {
			defer wg.Done()
			m, err := w.pollWatch(ctx, watch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			metrics.Add(m)
		}()
	}
	wg.Wait()

	tx := w.db.Model(&batch).Update("last_poll_time", batchStartTime)
	if err := tx.Error; err != nil {
		errs = append(errs, err)
	}

	return metrics, errs
}

func (w *Watcher) pollWatch(ctx context.Context, watch *models.Watch) (*watchMetrics, error) {
	window := time.Duration(watch.InitialWindowMinutes) * time.Minute
	if window <= 0 {
		window = defaultInitialWindow
	}
	fields := watch.FieldList()
	if len(fields) == 0 {
		fields = []string{"Id"}
	}

	m, err := w.deliver(ctx, watch, func() (*models.PollResult, error) {
		return w.poller.Poll(ctx, watch.EntityType, window, fields)
	})
	if err != nil || !watch.TrackDeletes {
		return m, err
	}

	deleted, err := w.deliver(ctx, watch, func() (*models.PollResult, error) {
		return w.poller.PollDeleted(ctx, watch.EntityType, window)
	})
	if err != nil || deleted.updated > 0 {
		return deleted, err
	}
	return m, nil
}

// deliver runs one poll and notifies the watch's recipient of its records.
func (w *Watcher) deliver(ctx context.Context, watch *models.Watch, poll func() (*models.PollResult, error)) (*watchMetrics, error) {
	var errMetric = &watchMetrics{errored: 1}

	result, err := poll()
	switch {
	case err != nil:
		w.log.Sugar().Errorw("error polling watch", "entity", watch.EntityType, "err", err)
		return errMetric, err
	case result.Duplicate:
		return &watchMetrics{duplicate: 1}, nil
	case len(result.Records) == 0:
		return &watchMetrics{unchanged: 1}, nil
	}

	if err := w.handleChanges(ctx, watch, result); err != nil {
		w.log.Sugar().Errorw("error handling changes", "entity", watch.EntityType, "err", err)
		return errMetric, err
	}
	return &watchMetrics{updated: 1}, nil
}

func (w *Watcher) handleChanges(ctx context.Context, watch *models.Watch, result *models.PollResult) error {
	change, err := models.NewPollChangeLog(result, time.Now().UTC())
	if err != nil {
		return err
	}

	tx := w.db.Create(change)
	if err := tx.Error; err != nil {
		return err
	}

	tx = w.db.Model(watch).Update("last_change_time", change.Timestamp)
	if err := tx.Error; err != nil {
		return err
	}

	if err := w.SendChanges(ctx, watch.Platform, watch.Recipient, change); err != nil {
		w.log.Sugar().Errorw("Failed to send changes", "batch_id", change.BatchID, "err", err)
	}
	return nil
}

func (w *Watcher) purgeOldChangeLogs(ctx context.Context, batchStartTime time.Time) {
	retentionCutoff := batchStartTime.Add(-w.opts.ChangeLogTTL)

	tx := w.db.Delete(&models.ChangeLog{}, "timestamp < ?", retentionCutoff)
	if err := tx.Error; err != nil {
		w.log.Sugar().Errorf("purgeOldChangeLogs error: %+v", err)
	}
	if tx.RowsAffected > 0 {
		w.log.Sugar().Infof("Purged %d old change logs", tx.RowsAffected)
	}
}
