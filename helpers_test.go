package syncstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

type fixture struct {
	store   *Store
	indexes *IndexManager
	remote  *MemRemote
	gw      *Gateway
}

type fixtureConfig struct {
	indexes         []IndexConfig
	inlineThreshold int
	commitCap       int
	now             func() time.Time
}

func newFixture(t testing.TB, cfg fixtureConfig) *fixture {
	t.Helper()
	if cfg.inlineThreshold == 0 {
		cfg.inlineThreshold = DefaultInlineThreshold
	}
	if cfg.commitCap == 0 {
		cfg.commitCap = DefaultCommitCap
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	f := &fixture{
		store:   NewStore(),
		indexes: NewIndexManager(cfg.indexes...),
		remote:  NewMemRemote(),
	}
	f.gw = newGateway(f.store, f.indexes, f.remote, f.remote, zap.NewNop(), gatewayConfig{
		changelog:       DefaultChangelogCollection,
		denylist:        []string{CountersCollection, DefaultConfigCollection},
		inlineThreshold: cfg.inlineThreshold,
		commitCap:       cfg.commitCap,
		actor:           func() string { return "tester" },
		now:             cfg.now,
	})
	t.Cleanup(func() {
		f.gw.waitEmits()
		f.remote.Close()
	})
	return f
}

func tempCache(t testing.TB) *Cache {
	t.Helper()
	file := must(os.CreateTemp("", "cache_test_*.db"))
	file.Close()
	t.Cleanup(func() { os.Remove(file.Name()) })

	cache := must(OpenCache(file.Name(), zap.NewNop()))
	t.Cleanup(func() { cache.Close() })
	return cache
}

// countingRemote records remote traffic per collection so tests can assert
// how many round-trips an operation costs.
type countingRemote struct {
	*MemRemote
	mu      sync.Mutex
	gets    map[string]int
	sets    map[string]int
	incrs   map[string]int
	queries []Query
}

func newCountingRemote() *countingRemote {
	return &countingRemote{
		MemRemote: NewMemRemote(),
		gets:      make(map[string]int),
		sets:      make(map[string]int),
		incrs:     make(map[string]int),
	}
}

func (r *countingRemote) Get(ctx context.Context, collection, id string) (Document, error) {
	r.mu.Lock()
	r.gets[collection]++
	r.mu.Unlock()
	return r.MemRemote.Get(ctx, collection, id)
}

func (r *countingRemote) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	r.mu.Lock()
	r.sets[collection]++
	r.mu.Unlock()
	return r.MemRemote.Set(ctx, collection, id, data, merge)
}

func (r *countingRemote) Increment(ctx context.Context, collection, id, field string, delta float64) (float64, error) {
	r.mu.Lock()
	r.incrs[collection]++
	r.mu.Unlock()
	return r.MemRemote.Increment(ctx, collection, id, field, delta)
}

func (r *countingRemote) Query(ctx context.Context, q Query) ([]Document, error) {
	r.mu.Lock()
	r.queries = append(r.queries, q)
	r.mu.Unlock()
	return r.MemRemote.Query(ctx, q)
}
