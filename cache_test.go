package syncstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSaveLoadRoundTrip(t *testing.T) {
	c := tempCache(t)
	snap := Snapshot{
		"orders": {"o1": Document{"id": "o1", "status": "open", "total": 10.0}},
		"users":  {"u1": Document{"id": "u1", "first_name": "Ada"}},
	}
	require.NoError(t, c.Save("sales", snap))

	got, savedAt, err := c.Load("sales", DefaultCacheMaxAge)
	require.NoError(t, err)
	assert.False(t, savedAt.IsZero())
	assert.Equal(t, snap, got)
	assert.Equal(t, "sales", c.LastRole())
}

func TestCacheAgeBound(t *testing.T) {
	c := tempCache(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	require.NoError(t, c.Save("sales", Snapshot{"orders": {}}))

	c.now = func() time.Time { return base.Add(71 * time.Hour) }
	_, _, err := c.Load("sales", DefaultCacheMaxAge)
	assert.NoError(t, err, "a snapshot inside the age window is usable")

	c.now = func() time.Time { return base.Add(73 * time.Hour) }
	_, _, err = c.Load("sales", DefaultCacheMaxAge)
	assert.ErrorIs(t, err, ErrStaleCache, "past the age window the snapshot is dead")
}

func TestCacheRoleScoped(t *testing.T) {
	c := tempCache(t)
	require.NoError(t, c.Save("sales", Snapshot{"orders": {}}))

	_, _, err := c.Load("admin", DefaultCacheMaxAge)
	assert.ErrorIs(t, err, ErrStaleCache, "another role's snapshot is never served")

	require.NoError(t, c.Save("admin", Snapshot{"orders": {}}))
	assert.Equal(t, "admin", c.LastRole())

	// Both role snapshots coexist; saving one does not evict the other.
	_, _, err = c.Load("sales", DefaultCacheMaxAge)
	assert.NoError(t, err)
}

func TestCacheEmpty(t *testing.T) {
	c := tempCache(t)
	_, _, err := c.Load("sales", DefaultCacheMaxAge)
	assert.ErrorIs(t, err, ErrStaleCache)
	assert.True(t, c.LastFullSync().IsZero())
	assert.True(t, c.LastDeltaSync().IsZero())
	assert.Empty(t, c.LastRole())
}

func TestCacheSyncTimes(t *testing.T) {
	c := tempCache(t)
	full := time.Date(2026, 3, 1, 8, 0, 0, 123456000, time.UTC)
	delta := full.Add(30 * time.Minute)

	require.NoError(t, c.SetLastFullSync(full))
	require.NoError(t, c.SetLastDeltaSync(delta))

	assert.True(t, c.LastFullSync().Equal(full))
	assert.True(t, c.LastDeltaSync().Equal(delta))
}
