// Package cursor keeps the last committed change timestamp per entity type.
//
// Each entity type has two slots, current and backup. Advancing copies current
// into backup before current is replaced, so a fault part way through an
// advance leaves the previously committed timestamp readable from one of them.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiffu/recordwatch/lib/checkpoint"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"
)

const (
	latestUpdateTimeKey = "latestUpdateTime"
	latestDeleteTimeKey = "latestDeleteTime"
	backupSuffix        = "Backup"
)

var ErrStoreFault = errors.New("checkpoint store fault")

// StoreFault reports which store operation failed. The poll cycle is safe to retry.
type StoreFault struct {
	Op  string
	Key string
	Err error
}

func (e *StoreFault) Error() string {
	return fmt.Sprintf("checkpoint store fault: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreFault) Unwrap() error { return e.Err }

func (e *StoreFault) Is(target error) bool { return target == ErrStoreFault }

type Cursor struct {
	store  checkpoint.Store
	tenant string
	slot   string
	log    *zap.Logger
	locks  *kmutex.Kmutex
}

// New returns the cursor over updated records.
func New(store checkpoint.Store, tenant string, log *zap.Logger) *Cursor {
	return &Cursor{
		store:  store,
		tenant: tenant,
		slot:   latestUpdateTimeKey,
		log:    log,
		locks:  kmutex.New(),
	}
}

// Deletions returns the cursor over deleted records. It shares the store but
// keeps its own pair of slots.
func (c *Cursor) Deletions() *Cursor {
	return &Cursor{
		store:  c.store,
		tenant: c.tenant,
		slot:   latestDeleteTimeKey,
		log:    c.log,
		locks:  c.locks,
	}
}

func (c *Cursor) currentKey(entity string) string {
	return fmt.Sprintf("%s/%s/%s", c.tenant, entity, c.slot)
}

func (c *Cursor) backupKey(entity string) string {
	return fmt.Sprintf("%s/%s/%s%s", c.tenant, entity, c.slot, backupSuffix)
}

// Read returns the current slot, falling back to the backup slot.
func (c *Cursor) Read(ctx context.Context, entity string) (time.Time, bool, error) {
	for _, key := range []string{c.currentKey(entity), c.backupKey(entity)} {
		ts, found, err := c.get(ctx, key)
		if err != nil {
			return time.Time{}, false, err
		}
		if found {
			return ts, true, nil
		}
	}
	return time.Time{}, false, nil
}

// Advance commits ts as the new current timestamp for entity.
func (c *Cursor) Advance(ctx context.Context, entity string, ts time.Time) error {
	currentKey, backupKey := c.currentKey(entity), c.backupKey(entity)
	c.locks.Lock(currentKey)
	defer c.locks.Unlock(currentKey)

	prev, hasPrev, err := c.store.Get(ctx, currentKey)
	if err != nil {
		return &StoreFault{"get", currentKey, err}
	}

	// After an interrupted advance only the backup slot holds the committed value.
	committed, hasCommitted := prev, hasPrev
	if !hasPrev {
		committed, hasCommitted, err = c.store.Get(ctx, backupKey)
		if err != nil {
			return &StoreFault{"get", backupKey, err}
		}
	}
	if hasCommitted {
		if committedTS, err := decode(committed); err == nil && ts.Before(committedTS) {
			c.log.Sugar().Debugw("Refusing to move checkpoint backwards",
				"entity", entity, "current", committedTS, "requested", ts)
			return nil
		}
	}

	if hasPrev {
		// The old current must be durable in backup before it is removed.
		if err := c.store.Put(ctx, backupKey, prev); err != nil {
			return &StoreFault{"put", backupKey, err}
		}
		if err := c.store.Delete(ctx, currentKey); err != nil {
			return &StoreFault{"delete", currentKey, err}
		}
	}

	if err := c.store.Put(ctx, currentKey, encode(ts)); err != nil {
		return &StoreFault{"put", currentKey, err}
	}
	return nil
}

// Reset forgets both slots, the next poll falls back to its initial window.
func (c *Cursor) Reset(ctx context.Context, entity string) error {
	lockKey := c.currentKey(entity)
	c.locks.Lock(lockKey)
	defer c.locks.Unlock(lockKey)

	for _, key := range []string{c.currentKey(entity), c.backupKey(entity)} {
		if err := c.store.Delete(ctx, key); err != nil {
			return &StoreFault{"delete", key, err}
		}
	}
	return nil
}

func (c *Cursor) get(ctx context.Context, key string) (time.Time, bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, &StoreFault{"get", key, err}
	}
	if !found {
		return time.Time{}, false, nil
	}
	ts, err := decode(raw)
	if err != nil {
		c.log.Sugar().Warnw("Ignoring unreadable checkpoint", "key", key, "err", err)
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func encode(ts time.Time) []byte {
	return []byte(ts.UTC().Format(time.RFC3339Nano))
}

func decode(raw []byte) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, string(raw))
}
