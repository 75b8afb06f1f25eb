// Package checkpoint persists small values by key for resumable change polling.
package checkpoint

import "context"

// Store is a durable key/value store. Delete of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
}
