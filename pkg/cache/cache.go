// Package cache is a bbolt-backed byte-blob store used both as a
// disk cache for fetched module code and as the durable home for
// scheduler state (last-run timestamps, the last known active-task
// set) that must survive a process restart.
package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/metrics"
	"github.com/cuemby/agentctl/pkg/types"
)

var (
	bucketEntries = []byte("entries")
	bucketTags    = []byte("tags")
)

// DefaultTTL is applied by Set when no explicit TTL is given.
const DefaultTTL = 24 * time.Hour

// Cache is a single-file bbolt store of tagged, optionally-expiring
// byte blobs.
type Cache struct {
	db      *bolt.DB
	maxSize int // 0 means unbounded
}

// Open creates or opens the cache database under dataDir.
func Open(dataDir string, maxSize int) (*Cache, error) {
	path := filepath.Join(dataDir, "cache.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTags)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, maxSize: maxSize}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Set stores value under key with the given tag and TTL (zero TTL
// means DefaultTTL; a negative TTL means the entry never expires).
func (c *Cache) Set(key string, value []byte, tag string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	entry := types.CacheEntry{
		Key:       key,
		Value:     value,
		Tag:       tag,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(key), data); err != nil {
			return err
		}
		if tag != "" {
			if err := addToTagSet(tx, tag, key); err != nil {
				return err
			}
		}
		return sweepExpired(tx)
	})
	if err != nil {
		return err
	}

	metrics.CacheEntriesTotal.Inc()
	c.enforceSizeCap()
	return nil
}

// Get returns the stored value for key, or (nil, false) if absent or
// expired. Expired entries are swept lazily on the next Set.
func (c *Cache) Get(key string) ([]byte, bool) {
	var entry *types.CacheEntry
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		var e types.CacheEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		entry = &e
		return nil
	})
	if entry == nil {
		return nil, false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Value, true
}

// GetJSON is a convenience wrapper decoding a stored value into out.
func (c *Cache) GetJSON(key string, out interface{}) (bool, error) {
	raw, ok := c.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON is a convenience wrapper encoding value before Set.
func (c *Cache) SetJSON(key string, value interface{}, tag string, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(key, data, tag, ttl)
}

// Evict removes every entry tagged with tag.
func (c *Cache) Evict(tag string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		keys, err := tagKeys(tx, tag)
		if err != nil {
			return err
		}
		eb := tx.Bucket(bucketEntries)
		for _, k := range keys {
			if err := eb.Delete([]byte(k)); err != nil {
				return err
			}
			metrics.CacheEvictionsTotal.WithLabelValues("tag").Inc()
		}
		return tx.Bucket(bucketTags).Delete([]byte(tag))
	})
	return err
}

// KeysOfTag returns the keys currently associated with tag.
func (c *Cache) KeysOfTag(tag string) ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *bolt.Tx) error {
		ks, err := tagKeys(tx, tag)
		keys = ks
		return err
	})
	return keys, err
}

// ListTags returns every known tag.
func (c *Cache) ListTags() ([]string, error) {
	var tags []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(k, _ []byte) error {
			tags = append(tags, string(k))
			return nil
		})
	})
	return tags, err
}

func addToTagSet(tx *bolt.Tx, tag, key string) error {
	tb := tx.Bucket(bucketTags)
	set := map[string]struct{}{}
	if raw := tb.Get([]byte(tag)); raw != nil {
		var keys []string
		if err := json.Unmarshal(raw, &keys); err == nil {
			for _, k := range keys {
				set[k] = struct{}{}
			}
		}
	}
	set[key] = struct{}{}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return tb.Put([]byte(tag), data)
}

func tagKeys(tx *bolt.Tx, tag string) ([]string, error) {
	raw := tx.Bucket(bucketTags).Get([]byte(tag))
	if raw == nil {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// sweepExpired deletes expired entries encountered during a write
// transaction. It is intentionally cheap: a full bucket scan only
// happens on a Set call, never on the Get hot path.
func sweepExpired(tx *bolt.Tx) error {
	now := time.Now()
	eb := tx.Bucket(bucketEntries)
	var stale [][]byte
	err := eb.ForEach(func(k, v []byte) error {
		var e types.CacheEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := eb.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// enforceSizeCap applies least-recently-stored eviction once the
// entry count exceeds maxSize, matching the original agent's
// diskcache least-recently-stored policy.
func (c *Cache) enforceSizeCap() {
	if c.maxSize <= 0 {
		return
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEntries)
		type item struct {
			key     string
			created time.Time
		}
		var items []item
		err := eb.ForEach(func(k, v []byte) error {
			var e types.CacheEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			items = append(items, item{key: string(k), created: e.CreatedAt})
			return nil
		})
		if err != nil || len(items) <= c.maxSize {
			return err
		}
		sort.Slice(items, func(i, j int) bool { return items[i].created.Before(items[j].created) })
		excess := len(items) - c.maxSize
		for i := 0; i < excess; i++ {
			if err := eb.Delete([]byte(items[i].key)); err != nil {
				return err
			}
			metrics.CacheEvictionsTotal.WithLabelValues("capacity").Inc()
		}
		return nil
	})
	if err != nil {
		log.WithComponent("cache").Warn().Err(err).Msg("size cap enforcement failed")
	}
}
