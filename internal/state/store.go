package state

import "context"

// Store is the durable key-value surface controller snapshots are saved
// to. Implementations must tolerate concurrent readers; the controller
// is the only writer.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
