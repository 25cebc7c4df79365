// Package cache implements the content-addressed translation cache
// (spec.md §3 "Cache entry", §6 "Cache"): the only persistent state the
// dispatch core writes. Entries are never mutated after creation.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

var bucketName = []byte("translations")

// Cache is a bbolt-backed hash -> model.CacheEntry store. All methods are
// safe for concurrent use; bbolt serializes writers internally.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: mkdir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketName)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

type storedEntry struct {
	Translated string            `json:"translated"`
	CreatedAt  time.Time         `json:"created_at"`
	Metric     *model.ChunkMetric `json:"metric,omitempty"`
}

// Get reads the entry for hash, if present.
func (c *Cache) Get(hash string) (model.CacheEntry, bool, error) {
	var entry model.CacheEntry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(hash))
		if v == nil {
			return nil
		}
		var se storedEntry
		if err := json.Unmarshal(v, &se); err != nil {
			return fmt.Errorf("cache: decode %s: %w", hash, err)
		}
		entry = model.CacheEntry{Translated: se.Translated, CreatedAt: se.CreatedAt, Metric: se.Metric}
		found = true
		return nil
	})
	return entry, found, err
}

// Put writes entry for hash. Per spec.md §5, concurrent writes of the
// same key are idempotent (last writer wins; values must already be
// equal since hash -> translation is a function of the input).
func (c *Cache) Put(hash string, entry model.CacheEntry) error {
	se := storedEntry{Translated: entry.Translated, CreatedAt: entry.CreatedAt, Metric: entry.Metric}
	payload, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", hash, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(hash), payload)
	})
}

// PutIfAbsent writes entry only if hash is not already present, and
// reports whether it wrote. Used where a caller wants to avoid clobbering
// a concurrently-written identical value with a slightly different
// CreatedAt timestamp.
func (c *Cache) PutIfAbsent(hash string, entry model.CacheEntry) (wrote bool, err error) {
	se := storedEntry{Translated: entry.Translated, CreatedAt: entry.CreatedAt, Metric: entry.Metric}
	payload, err := json.Marshal(se)
	if err != nil {
		return false, fmt.Errorf("cache: encode %s: %w", hash, err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(hash)) != nil {
			return nil
		}
		wrote = true
		return b.Put([]byte(hash), payload)
	})
	return wrote, err
}
