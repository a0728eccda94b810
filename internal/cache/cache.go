// Package cache provides the content-addressed shard stores the forwarding
// client writes through to.
//
// Keys are lowercase hex content hashes. The client only needs the Store
// contract; eviction is each backend's own concern.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("shardnet-cache")

// Store errors.
var (
	ErrNotFound       = errors.New("shard not in cache")
	ErrClosed         = errors.New("cache closed")
	ErrUnknownBackend = errors.New("unknown cache backend")
)

// Store is a write-through shard cache keyed by content hash.
type Store interface {
	Get(ctx context.Context, hash string) ([]byte, error)
	Set(ctx context.Context, hash string, data []byte) error
	Delete(ctx context.Context, hash string) error
	Keys(ctx context.Context) ([]string, error)
}

// Entry describes one cached shard for listings.
type Entry struct {
	Hash     string
	CID      string
	Size     int
	StoredAt time.Time
}

// Lister is implemented by stores that can describe their contents.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// Backend names accepted by Open.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendDatastore = "datastore"
)

// DefaultMaxEntries bounds the memory and sqlite backends when unset.
const DefaultMaxEntries = 10000

// Options selects and sizes a backend.
type Options struct {
	Backend    string
	Path       string
	MaxEntries int
}

// Open creates the backend named in opts.
func Open(opts Options) (Store, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		s, err := NewMemoryStore(opts.MaxEntries)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		if opts.Path == "" {
			return nil, errors.New("sqlite cache requires a path")
		}
		s, err := NewSQLiteStore(opts.Path, opts.MaxEntries)
		if err != nil {
			return nil, err
		}
		log.Infof("sqlite shard cache at %s", opts.Path)
		return s, nil
	case BackendDatastore:
		return NewMapDatastoreStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
