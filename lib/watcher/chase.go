package watcher

import (
	"context"
	"time"

	"github.com/fiffu/recordwatch/lib/models"
)

// chaseWatches polls every watch on entityType regardless of when it was last
// polled.
func (w *Watcher) chaseWatches(ctx context.Context, entityType string, timestamp time.Time) {
	var watches models.Watches
	tx := w.db.Where("entity_type = ?", entityType).Find(&watches)
	if err := tx.Error; err != nil {
		w.log.Sugar().Infof("Failed to fetch chased watches, err: %v", err)
		return
	}
	if len(watches) == 0 {
		return
	}

	m, errs := w.collectBatch(ctx, watches, timestamp)
	m.Export(w.metrics.WatchResults, "chase")
	if len(errs) > 0 {
		w.log.Sugar().Warnf("watcher: chase errors: %+v", errs)
	}
	w.log.Sugar().Infow("Chased watches", "entity", entityType, "updated", m.updated, "errored", m.errored)
}
