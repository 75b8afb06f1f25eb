package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fiffu/recordwatch/lib/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestGormStore(t *testing.T) Store {
	path := filepath.Join(t.TempDir(), "checkpoints.sqlite")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CheckpointEntry{}))
	return NewGormStore(db)
}

func newTestBadgerStore(t *testing.T) Store {
	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db)
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"gorm":   newTestGormStore,
		"badger": newTestBadgerStore,
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			_, found, err := store.Get(ctx, "tenant/Account/latestUpdateTime")
			require.NoError(t, err)
			assert.False(t, found)

			has, err := store.Has(ctx, "tenant/Account/latestUpdateTime")
			require.NoError(t, err)
			assert.False(t, has)

			require.NoError(t, store.Put(ctx, "tenant/Account/latestUpdateTime", []byte("one")))
			require.NoError(t, store.Put(ctx, "tenant/Account/latestUpdateTime", []byte("two")))

			value, found, err := store.Get(ctx, "tenant/Account/latestUpdateTime")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("two"), value)

			has, err = store.Has(ctx, "tenant/Account/latestUpdateTime")
			require.NoError(t, err)
			assert.True(t, has)

			_, found, err = store.Get(ctx, "tenant/Contact/latestUpdateTime")
			require.NoError(t, err)
			assert.False(t, found, "keys of other entity types must not collide")

			require.NoError(t, store.Delete(ctx, "tenant/Account/latestUpdateTime"))
			require.NoError(t, store.Delete(ctx, "tenant/Account/latestUpdateTime"), "deleting an absent key is not an error")

			_, found, err = store.Get(ctx, "tenant/Account/latestUpdateTime")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, store.Put(ctx, "k", value))
	value[0] = 'x'

	got, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
