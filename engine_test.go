package syncstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempCachePath(t testing.TB) string {
	t.Helper()
	file := must(os.CreateTemp("", "engine_cache_*.db"))
	file.Close()
	t.Cleanup(func() { os.Remove(file.Name()) })
	return file.Name()
}

func TestEngineNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, IsInvalidArgument(err))

	remote := NewMemRemote()
	defer remote.Close()
	_, err = New(Options{Remote: remote, Feed: remote})
	assert.True(t, IsInvalidArgument(err))
}

func TestEngineNotReadyBeforeStart(t *testing.T) {
	remote := NewMemRemote()
	e, err := New(Options{Remote: remote, Feed: remote, Auth: StaticAuth{User: "u1", UserRole: "sales"}})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Set(ctx, "orders", "o1", Document{}, true), ErrNotReady)
	_, err = e.GenerateOne(ctx, "orders", "")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEngineStartHydratesFromManifest(t *testing.T) {
	ctx := context.Background()
	remote := NewMemRemote()
	ensure(remote.Set(ctx, "orders", "o1", Document{"status": "open"}, false))
	ensure(remote.Set(ctx, "invoices", "i1", Document{}, false))

	e, err := New(Options{
		Remote:   remote,
		Feed:     remote,
		Auth:     StaticAuth{User: "u1", UserRole: "sales"},
		Manifest: RoleManifestFunc(func(role string) []string { return []string{"orders"} }),
		Indexes:  []IndexConfig{ordersByStatus},
	})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Start(ctx))
	select {
	case <-e.Ready():
	default:
		t.Fatal("ready gate must be open after Start")
	}

	_, ok := e.Store().Get("orders", "o1")
	assert.True(t, ok)
	assert.Equal(t, 0, e.Store().Len("invoices"), "collections outside the manifest stay unloaded")
	assert.Len(t, e.Indexes().Group("orders_by_status", "open"), 1)
}

func TestEngineColdStartRestoresCache(t *testing.T) {
	ctx := context.Background()
	path := tempCachePath(t)
	auth := StaticAuth{User: "u1", UserRole: "sales"}
	manifest := RoleManifestFunc(func(string) []string { return []string{"orders"} })

	remote1 := NewMemRemote()
	ensure(remote1.Set(ctx, "orders", "o1", Document{"status": "open"}, false))
	e1, err := New(Options{Remote: remote1, Feed: remote1, Auth: auth, Manifest: manifest, CachePath: path})
	require.NoError(t, err)
	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e1.Close())

	// The second session runs against an empty remote; its documents can
	// only come from the persisted snapshot plus a delta top-up.
	remote2 := NewMemRemote()
	e2, err := New(Options{
		Remote: remote2, Feed: remote2, Auth: auth, Manifest: manifest,
		CachePath: path, Indexes: []IndexConfig{ordersByStatus},
	})
	require.NoError(t, err)
	defer e2.Close()
	require.NoError(t, e2.Start(ctx))

	doc, ok := e2.Store().Get("orders", "o1")
	require.True(t, ok)
	assert.Equal(t, "open", doc["status"])
	assert.Len(t, e2.Indexes().Group("orders_by_status", "open"), 1, "indexes are rebuilt after a restore")
}

func TestEngineRoleSwitchForcesFullLoad(t *testing.T) {
	ctx := context.Background()
	path := tempCachePath(t)
	manifest := RoleManifestFunc(func(string) []string { return []string{"orders"} })

	remote1 := NewMemRemote()
	ensure(remote1.Set(ctx, "orders", "o1", Document{}, false))
	e1, err := New(Options{Remote: remote1, Feed: remote1,
		Auth: StaticAuth{User: "u1", UserRole: "sales"}, Manifest: manifest, CachePath: path})
	require.NoError(t, err)
	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e1.Close())

	remote2 := NewMemRemote()
	ensure(remote2.Set(ctx, "orders", "o2", Document{}, false))
	e2, err := New(Options{Remote: remote2, Feed: remote2,
		Auth: StaticAuth{User: "u2", UserRole: "admin"}, Manifest: manifest, CachePath: path})
	require.NoError(t, err)
	defer e2.Close()
	require.NoError(t, e2.Start(ctx))

	// The sales snapshot is useless to an admin; the store holds the full
	// load's result, not the cached one.
	_, ok := e2.Store().Get("orders", "o1")
	assert.False(t, ok)
	_, ok = e2.Store().Get("orders", "o2")
	assert.True(t, ok)
}

func TestEnginePropagatesBetweenClients(t *testing.T) {
	ctx := context.Background()
	remote := NewMemRemote()
	auth := func(user string) StaticAuth { return StaticAuth{User: user, UserRole: "sales"} }

	a, err := New(Options{Remote: remote, Feed: remote, Auth: auth("alice")})
	require.NoError(t, err)
	b, err := New(Options{Remote: remote, Feed: remote, Auth: auth("bob"),
		Indexes: []IndexConfig{ordersByStatus}})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Set(ctx, "orders", "o1", Document{"status": "open"}, true))

	// One client's write reaches the other through the change feed.
	assert.Eventually(t, func() bool {
		doc, ok := b.Store().Get("orders", "o1")
		return ok && doc["status"] == "open"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(b.Indexes().Group("orders_by_status", "open")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Delete(ctx, "orders", "o1"))
	assert.Eventually(t, func() bool {
		_, ok := b.Store().Get("orders", "o1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineGenerateAfterStart(t *testing.T) {
	ctx := context.Background()
	remote := NewMemRemote()
	ensure(remote.Set(ctx, CountersCollection, "invoices", Document{"last_no": 99.0, "prefix": "INV-"}, false))

	e, err := New(Options{Remote: remote, Feed: remote, Auth: StaticAuth{User: "u1", UserRole: "sales"}})
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Start(ctx))

	id, err := e.GenerateOne(ctx, "invoices", "")
	require.NoError(t, err)
	assert.Equal(t, "INV-100", id)
}
