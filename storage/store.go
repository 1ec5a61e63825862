package storage

import (
	"context"
	"errors"
	"fmt"

	"jokenpo/configs"
)

// The state store is the single source of truth for pack stock, player
// inventories and the transaction log. It exposes optimistic transactions in
// the WATCH/MULTI/EXEC style: a caller snapshots the keys it depends on,
// prepares a batch of mutations, and the commit succeeds only when none of
// the watched keys changed in between.

var (
	// ErrCASConflict is returned by Commit when a watched key changed since
	// the snapshot was taken. Callers retry up to configs.MaxCASRetry.
	ErrCASConflict = errors.New("storage: watched key changed")
	// ErrUnavailable is returned on transport loss to the store backend.
	ErrUnavailable = errors.New("storage: state store unavailable")
)

// Entry is a versioned value. Version 0 means the key is absent; watching an
// absent key guards against concurrent creation.
type Entry struct {
	Value   []byte
	Version uint64
}

// Snapshot maps watched keys to the entries observed at watch time.
type Snapshot map[string]Entry

// Mutation is a single write inside an atomic commit.
type Mutation struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// Store is the consistent key-value service shared by all peers.
type Store interface {
	// Watch reads the current entries for keys; absent keys appear with
	// Version 0.
	Watch(ctx context.Context, keys ...string) (Snapshot, error)
	// Commit atomically applies muts iff every key in snap still carries the
	// observed version.
	Commit(ctx context.Context, snap Snapshot, muts []Mutation) error
	// Get reads one key without registering a watch.
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	// Scan returns all live keys with the given prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

// New opens the store backend selected by configs.StorageType.
func New(name string) (Store, error) {
	switch configs.StorageType {
	case configs.MemoryStorage:
		return NewMemStore(name)
	case configs.MongoDB:
		return NewMongoStore(name)
	case configs.PostgreSQL:
		return NewSQLStore()
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", configs.StorageType)
	}
}
