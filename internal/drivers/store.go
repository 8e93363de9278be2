package drivers

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in a backend.
var ErrNotFound = errors.New("record not found")

// Store is the capability interface every storage backend must implement.
// The facade substitutes backends transparently, so the method set is
// mandatory and uniform; there is no optional-method probing.
type Store interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection, prefix string) ([]string, error)
	Exists(ctx context.Context, collection, key string) (bool, error)
	Ping(ctx context.Context) error
	Name() string
}

// Maintainer is the explicitly-checked extension interface for maintenance
// operations that not every backend supports.
type Maintainer interface {
	Truncate(ctx context.Context, collection string) error
	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats describes a backend's content.
type StoreStats struct {
	Collections int   `json:"collections"`
	Records     int64 `json:"records"`
	Bytes       int64 `json:"bytes"`
}
