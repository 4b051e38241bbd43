// Package localcache is a crash-fast restart hint, never a source of
// truth: table.Replica.Write records each committed dedup block's
// number here; nothing reads the cache back at startup. This is the
// role goleveldb plays for the teacher's replica store (internal/replica/
// level_db.go) — a local cache the coordinator's view always wins over.
package localcache

import (
	"github.com/syndtr/goleveldb/leveldb"
)

// Cache wraps a goleveldb handle with the narrow get/put/close surface
// this package needs, grounded on the teacher's Store interface in
// internal/replica/level_db.go.
type Cache struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a leveldb database at dir.
func Open(dir string) (*Cache, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) Put(key string, value []byte) error {
	return c.db.Put([]byte(key), value, nil)
}

// Get returns (nil, false, nil) if key is absent — never an error, so
// callers can treat a cold cache the same as an empty one.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	v, err := c.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) Delete(key string) error {
	return c.db.Delete([]byte(key), nil)
}

// LogPointerKey and BlockKey give callers a stable key format so the
// cache layout stays inside this package; only BlockKey is used outside
// its tests (by table.Replica.Write).
func LogPointerKey(peer string) string { return "log_pointer:" + peer }

func BlockKey(blockID string) string { return "block:" + blockID }
