// Package poller asks the remote store what changed since the last committed
// checkpoint and advances the checkpoint once the changes are in hand.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/fiffu/recordwatch/lib/cursor"
	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/fiffu/recordwatch/lib/models"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"
)

var ErrInvalidWindow = errors.New("initial window must be positive")

// Source is the remote change-query API.
type Source interface {
	ServerTime(ctx context.Context) (time.Time, error)
	UpdatedIDs(ctx context.Context, entity string, from, to time.Time) (ids []string, latestCovered time.Time, err error)
	DeletedIDs(ctx context.Context, entity string, from, to time.Time) (ids []string, latestCovered time.Time, err error)
	FetchRecords(ctx context.Context, entity string, ids, fields []string) (models.Records, error)
}

type Poller struct {
	cursor    *cursor.Cursor
	deletions *cursor.Cursor
	source    Source
	log       *zap.Logger
	metrics   *metrics.Metrics
	locks     *kmutex.Kmutex
}

func New(c *cursor.Cursor, source Source, log *zap.Logger, m *metrics.Metrics) *Poller {
	return &Poller{
		cursor:    c,
		deletions: c.Deletions(),
		source:    source,
		log:       log,
		metrics:   m,
		locks:     kmutex.New(),
	}
}

// query is one kind of change listing with its own checkpoint.
type query struct {
	kind   string
	cursor *cursor.Cursor
	list   func(ctx context.Context, entity string, from, to time.Time) ([]string, time.Time, error)
	fetch  func(ctx context.Context, entity string, ids []string) (models.Records, error)
}

func (p *Poller) updates(fields []string) query {
	return query{
		kind:   models.SourcePoll,
		cursor: p.cursor,
		list:   p.source.UpdatedIDs,
		fetch: func(ctx context.Context, entity string, ids []string) (models.Records, error) {
			return p.source.FetchRecords(ctx, entity, ids, fields)
		},
	}
}

func (p *Poller) deletes() query {
	return query{
		kind:   models.SourceDeleted,
		cursor: p.deletions,
		list:   p.source.DeletedIDs,
		fetch: func(ctx context.Context, entity string, ids []string) (models.Records, error) {
			// Deleted records can no longer be retrieved.
			records := make(models.Records, 0, len(ids))
			for _, id := range ids {
				records = append(records, models.Record{"Id": id})
			}
			return records, nil
		},
	}
}

// Poll returns the records of entity changed since the checkpoint, or since
// initialWindow before the remote clock when there is no checkpoint yet.
func (p *Poller) Poll(ctx context.Context, entity string, initialWindow time.Duration, fields []string) (*models.PollResult, error) {
	return p.run(ctx, entity, initialWindow, p.updates(fields))
}

// PollDeleted returns the ids of records of entity deleted since the deletion
// checkpoint, as records carrying only their Id.
func (p *Poller) PollDeleted(ctx context.Context, entity string, initialWindow time.Duration) (*models.PollResult, error) {
	return p.run(ctx, entity, initialWindow, p.deletes())
}

func (p *Poller) run(ctx context.Context, entity string, initialWindow time.Duration, q query) (*models.PollResult, error) {
	if initialWindow <= 0 {
		return nil, ErrInvalidWindow
	}

	key := q.kind + "/" + entity
	p.locks.Lock(key)
	defer p.locks.Unlock(key)

	result, err := p.poll(ctx, entity, initialWindow, q)
	p.metrics.PollCycles.WithLabelValues(entity, outcome(result, err)).Inc()
	return result, err
}

func (p *Poller) poll(ctx context.Context, entity string, initialWindow time.Duration, q query) (*models.PollResult, error) {
	now, err := p.source.ServerTime(ctx)
	if err != nil {
		return nil, err
	}

	start, found, err := q.cursor.Read(ctx, entity)
	if err != nil {
		return nil, err
	}
	usedInitialWindow := !found
	if usedInitialWindow {
		start = now.Add(-initialWindow)
	}

	ids, latestCovered, err := q.list(ctx, entity, start, now)
	if err != nil {
		return nil, err
	}

	result := &models.PollResult{
		EntityType:    entity,
		Records:       models.Records{},
		InitialWindow: usedInitialWindow,
		Deleted:       q.kind == models.SourceDeleted,
	}

	// The remote source has not moved past the window we already consumed.
	if latestCovered.Equal(start) && !usedInitialWindow && len(ids) > 0 {
		p.log.Sugar().Debugw("Skipping duplicate poll cycle", "entity", entity, "kind", q.kind, "start", start, "ids", len(ids))
		result.Duplicate = true
		result.Cursor = start
		return result, nil
	}

	if len(ids) > 0 {
		records, err := q.fetch(ctx, entity, ids)
		if err != nil {
			return nil, err
		}
		result.Records = records
	}

	if err := q.cursor.Advance(ctx, entity, latestCovered); err != nil {
		return nil, err
	}
	p.metrics.CheckpointAdvances.WithLabelValues(entity).Inc()
	p.metrics.RecordsDelivered.WithLabelValues(entity, q.kind).Add(float64(len(result.Records)))

	result.Cursor = latestCovered
	p.log.Sugar().Debugw("Polled changes", "entity", entity, "kind", q.kind, "start", start, "covered", latestCovered, "records", len(result.Records))
	return result, nil
}

func outcome(result *models.PollResult, err error) string {
	switch {
	case errors.Is(err, cursor.ErrStoreFault):
		return "store_fault"
	case err != nil:
		return "error"
	case result.Duplicate:
		return "duplicate"
	case len(result.Records) == 0:
		return "empty"
	default:
		return "changed"
	}
}
