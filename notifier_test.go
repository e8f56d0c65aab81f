package syncstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type notifierFixture struct {
	store    *Store
	indexes  *IndexManager
	remote   *MemRemote
	notifier *Notifier
	sink     *recordingSink
}

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *recordingSink) Notify(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

func newNotifierFixture(t testing.TB, cache *Cache) *notifierFixture {
	t.Helper()
	f := &notifierFixture{
		store:   NewStore(),
		indexes: NewIndexManager(ordersByStatus),
		remote:  NewMemRemote(),
		sink:    &recordingSink{},
	}
	loader := newLoader(f.store, f.indexes, f.remote, cache, nil)
	f.notifier = &Notifier{
		store:        f.store,
		indexes:      f.indexes,
		feed:         f.remote,
		loader:       loader,
		cache:        cache,
		sink:         f.sink,
		log:          zap.NewNop(),
		role:         func() string { return "sales" },
		now:          time.Now,
		retention:    DefaultRetention,
		pruneHorizon: DefaultPruneHorizon,
	}
	f.notifier.ctx = context.Background()
	t.Cleanup(func() {
		f.notifier.Stop()
		f.remote.Close()
	})
	return f
}

func dataRec(id, coll, docID string, action Action, payload any, at time.Time) Record {
	return Record{
		ID: id, Type: RecordTypeDataChange,
		Collection: coll, DocID: docID,
		Action: action, Payload: payload, CreatedAt: at,
	}
}

func TestNotifierReplaysFeed(t *testing.T) {
	f := newNotifierFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.notifier.Start(ctx))

	require.NoError(t, f.remote.Publish(ctx, &Record{
		Type: RecordTypeDataChange, Collection: "orders", DocID: "o1",
		Action: ActionSet, Payload: Document{"status": "open"},
	}))

	assert.Eventually(t, func() bool {
		doc, ok := f.store.Get("orders", "o1")
		return ok && doc["status"] == "open"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.indexes.Group("orders_by_status", "open")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifierDedupKeepsLatestPerDocument(t *testing.T) {
	f := newNotifierFixture(t, nil)
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	// Two records for the same document arrive in one group; only the one
	// with the greater server timestamp is applied, regardless of order.
	f.notifier.handleGroup([]Record{
		dataRec("r2", "orders", "o1", ActionSet, Document{"status": "closed"}, t2),
		dataRec("r1", "orders", "o1", ActionSet, Document{"status": "open"}, t1),
		dataRec("r3", "orders", "o2", ActionSet, Document{"status": "open"}, t1),
	})

	doc, ok := f.store.Get("orders", "o1")
	require.True(t, ok)
	assert.Equal(t, "closed", doc["status"])
	assert.Equal(t, t2, f.notifier.LastSync())
	assert.Equal(t, 2, f.store.Len("orders"))
}

func TestNotifierPartitionsSinkRecords(t *testing.T) {
	f := newNotifierFixture(t, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.notifier.handleGroup([]Record{
		{ID: "n1", Type: "announcement", Collection: "orders", CreatedAt: at, Payload: Document{"text": "hi"}},
		dataRec("r1", "orders", "o1", ActionSet, Document{"status": "open"}, at),
	})

	recs := f.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "n1", recs[0].ID)
	_, ok := f.store.Get("orders", "o1")
	assert.True(t, ok, "data records still apply when mixed with notifications")
}

func TestNotifierReplaysDeleteAndIncrement(t *testing.T) {
	f := newNotifierFixture(t, nil)
	f.store.Put("orders", "o1", Document{"status": "open"}, false)
	f.indexes.OnUpsert("orders", Document{"id": "o1", "status": "open"})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.notifier.handleGroup([]Record{
		dataRec("r1", "orders", "o1", ActionDelete, nil, at),
		dataRec("r2", "stats", "day", ActionIncrement, IncrementPayload{Field: "count", Delta: 2}, at.Add(time.Second)),
	})

	_, ok := f.store.Get("orders", "o1")
	assert.False(t, ok)
	assert.Nil(t, f.indexes.Group("orders_by_status", "open"))

	doc, ok := f.store.Get("stats", "day")
	require.True(t, ok)
	assert.Equal(t, 2.0, doc["count"])
}

func TestNotifierReplaysWirePayloads(t *testing.T) {
	// Payloads that crossed a wire arrive as plain maps, not typed structs.
	f := newNotifierFixture(t, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.notifier.handleGroup([]Record{
		dataRec("r1", "stats", "day", ActionIncrement, Document{"field": "count", "delta": 3.0}, at),
		dataRec("r2", "orders", "", ActionBatch, Document{
			"items": []any{
				map[string]any{"id": "o1", "op": "s", "data": map[string]any{"status": "open"}},
			},
		}, at.Add(time.Second)),
	})

	doc, _ := f.store.Get("stats", "day")
	assert.Equal(t, 3.0, doc["count"])
	_, ok := f.store.Get("orders", "o1")
	assert.True(t, ok)
}

func TestNotifierInlineBatchReplay(t *testing.T) {
	f := newNotifierFixture(t, nil)
	f.store.Put("orders", "o2", Document{"status": "open"}, false)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.notifier.handleGroup([]Record{
		dataRec("r1", "orders", "", ActionBatch, BatchPayload{Items: []BatchItem{
			{ID: "o1", Op: ActionSet, Data: Document{"status": "open"}},
			{ID: "o2", Op: ActionDelete},
		}}, at),
	})

	_, ok := f.store.Get("orders", "o1")
	assert.True(t, ok)
	_, ok = f.store.Get("orders", "o2")
	assert.False(t, ok)
}

func TestNotifierTaggedBatchRefetches(t *testing.T) {
	f := newNotifierFixture(t, nil)
	ctx := context.Background()
	ensure(f.remote.Set(ctx, "orders", "o1", Document{"batch_id": "b-9", "status": "open"}, false))
	ensure(f.remote.Set(ctx, "orders", "o2", Document{"status": "open"}, false))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.notifier.handleGroup([]Record{
		dataRec("r1", "orders", "", ActionBatch, BatchPayload{BatchID: "b-9"}, at),
	})

	// The record carries only the tag; the tagged documents are re-fetched.
	_, ok := f.store.Get("orders", "o1")
	assert.True(t, ok)
	_, ok = f.store.Get("orders", "o2")
	assert.False(t, ok)
}

func TestNotifierStartSincePoint(t *testing.T) {
	cache := tempCache(t)
	last := time.Now().Add(-time.Hour)
	require.NoError(t, cache.SetLastDeltaSync(last))

	f := newNotifierFixture(t, cache)
	require.NoError(t, f.notifier.Start(context.Background()))
	assert.True(t, f.notifier.LastSync().Equal(last),
		"a recent sync point beats the retention window's edge")

	f2 := newNotifierFixture(t, nil)
	require.NoError(t, f2.notifier.Start(context.Background()))
	edge := time.Now().Add(-DefaultRetention)
	assert.WithinDuration(t, edge, f2.notifier.LastSync(), time.Minute,
		"without a sync point the subscription reaches back one retention window")
}

func TestNotifierPersistsSyncStateAfterReplay(t *testing.T) {
	cache := tempCache(t)
	f := newNotifierFixture(t, cache)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.notifier.handleGroup([]Record{
		dataRec("r1", "orders", "o1", ActionSet, Document{"status": "open"}, at),
	})

	assert.True(t, cache.LastDeltaSync().Equal(at), "the sync point advances to the greatest applied timestamp")
	snap, _, err := cache.Load("sales", DefaultCacheMaxAge)
	require.NoError(t, err)
	assert.Contains(t, snap, "orders")
}

func TestNotifierPruneElevatedRole(t *testing.T) {
	f := newNotifierFixture(t, nil)
	f.notifier.pruneRoles = map[string]bool{"sales": true}

	// Backdate a record beyond the prune horizon.
	f.remote.mu.Lock()
	f.remote.log = append(f.remote.log, Record{
		ID: "ancient", Type: RecordTypeDataChange,
		CreatedAt: time.Now().Add(-DefaultPruneHorizon - time.Hour),
	})
	f.remote.mu.Unlock()

	require.NoError(t, f.notifier.Start(context.Background()))
	assert.Eventually(t, func() bool { return f.remote.LogLen() == 0 },
		2*time.Second, 10*time.Millisecond)
}
