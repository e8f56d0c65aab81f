package syncstore

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	snapshotsBucket = []byte("snapshots")
	metaBucket      = []byte("meta")

	lastFullSyncKey  = []byte("last_full_sync")
	lastDeltaSyncKey = []byte("last_delta_sync")
	lastRoleKey      = []byte("last_role")
)

// Cache persists role-scoped snapshots of the local store so a restart can
// skip the full load. Snapshots go stale by age and by role switch.
type Cache struct {
	db  *bbolt.DB
	log *zap.Logger
	now func() time.Time
}

type cacheEntry struct {
	Role    string    `msgpack:"r"`
	SavedAt time.Time `msgpack:"at"`
	Data    Snapshot  `msgpack:"d"`
}

func OpenCache(path string, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	db, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: preparing buckets: %w", err)
	}
	return &Cache{db: db, log: log, now: time.Now}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Save serializes data under the role's key and records the role as last
// used. Failures degrade to running without a cache; callers log and move on.
func (c *Cache) Save(role string, data Snapshot) error {
	entry := cacheEntry{Role: role, SavedAt: c.now(), Data: data}
	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("cache: encoding snapshot: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(snapshotsBucket).Put([]byte(role), raw); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(lastRoleKey, []byte(role))
	})
}

// Load returns the role's snapshot if one exists, was saved under the same
// role, and is younger than maxAge. Anything else is ErrStaleCache.
func (c *Cache) Load(role string, maxAge time.Duration) (Snapshot, time.Time, error) {
	var raw []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(snapshotsBucket).Get([]byte(role)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("cache: reading snapshot: %w", err)
	}
	if raw == nil {
		return nil, time.Time{}, ErrStaleCache
	}
	var entry cacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		c.log.Warn("cache snapshot undecodable, treating as stale", zap.Error(err))
		return nil, time.Time{}, ErrStaleCache
	}
	if entry.Role != role {
		return nil, time.Time{}, ErrStaleCache
	}
	if entry.SavedAt.IsZero() || c.now().Sub(entry.SavedAt) >= maxAge {
		return nil, time.Time{}, ErrStaleCache
	}
	return entry.Data, entry.SavedAt, nil
}

func (c *Cache) LastFullSync() time.Time  { return c.readTime(lastFullSyncKey) }
func (c *Cache) LastDeltaSync() time.Time { return c.readTime(lastDeltaSyncKey) }

func (c *Cache) SetLastFullSync(t time.Time) error  { return c.writeTime(lastFullSyncKey, t) }
func (c *Cache) SetLastDeltaSync(t time.Time) error { return c.writeTime(lastDeltaSyncKey, t) }

// LastRole returns the role the cache was last saved under, to detect role
// switches that force invalidation.
func (c *Cache) LastRole() string {
	var role string
	c.db.View(func(tx *bbolt.Tx) error {
		role = string(tx.Bucket(metaBucket).Get(lastRoleKey))
		return nil
	})
	return role
}

func (c *Cache) readTime(key []byte) time.Time {
	var raw []byte
	c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(key); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if raw == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *Cache) writeTime(key []byte, t time.Time) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(key, []byte(t.Format(time.RFC3339Nano)))
	})
}
