package cache

import (
	"context"
	"errors"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

var shardPrefix = ds.NewKey("/shards")

// DatastoreStore keeps shards under /shards/<hash> in any go-datastore,
// which lets an embedding node share its existing datastore.
type DatastoreStore struct {
	d ds.Datastore
}

var _ Store = (*DatastoreStore)(nil)

// NewDatastoreStore wraps d.
func NewDatastoreStore(d ds.Datastore) *DatastoreStore {
	return &DatastoreStore{d: d}
}

// NewMapDatastoreStore returns a store over a thread-safe in-memory map.
// Unlike MemoryStore it never evicts.
func NewMapDatastoreStore() *DatastoreStore {
	return NewDatastoreStore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func shardKey(hash string) ds.Key {
	return shardPrefix.ChildString(hash)
}

// Get implements Store.
func (s *DatastoreStore) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.d.Get(ctx, shardKey(hash))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// Set implements Store.
func (s *DatastoreStore) Set(ctx context.Context, hash string, data []byte) error {
	return s.d.Put(ctx, shardKey(hash), append([]byte(nil), data...))
}

// Delete implements Store.
func (s *DatastoreStore) Delete(ctx context.Context, hash string) error {
	return s.d.Delete(ctx, shardKey(hash))
}

// Keys implements Store. Order is whatever the datastore yields.
func (s *DatastoreStore) Keys(ctx context.Context) ([]string, error) {
	res, err := s.d.Query(ctx, query.Query{Prefix: shardPrefix.String(), KeysOnly: true})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, strings.TrimPrefix(e.Key, shardPrefix.String()+"/"))
	}
	return keys, nil
}

// Close closes the underlying datastore.
func (s *DatastoreStore) Close() error {
	return s.d.Close()
}
