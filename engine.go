package syncstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Policy defaults. Inline threshold and commit cap are tunable policy, not
// hard requirements; the commit cap stays under the remote store's
// documented 500-operation limit with headroom.
const (
	DefaultInlineThreshold = 200
	DefaultCommitCap       = 499
	DefaultRetention       = 72 * time.Hour
	DefaultPruneHorizon    = 72 * time.Hour
	DefaultCacheMaxAge     = 72 * time.Hour

	DefaultChangelogCollection = "changelog"
	DefaultConfigCollection    = "config"
	DefaultUsersCollection     = "users"
)

// Auth exposes the authenticated user to the engine, read-only.
type Auth interface {
	UserID() string
	Role() string
}

// StaticAuth is an Auth with fixed values.
type StaticAuth struct {
	User     string
	UserRole string
}

func (a StaticAuth) UserID() string { return a.User }
func (a StaticAuth) Role() string   { return a.UserRole }

// Options configures an Engine. Remote, Feed and Auth are required.
type Options struct {
	Remote   RemoteStore
	Feed     ChangeFeed
	Auth     Auth
	Manifest RoleManifest
	Sink     NotificationSink
	Logger   *zap.Logger

	// CachePath is the durable cache file; empty disables caching.
	CachePath string

	Indexes  []IndexConfig
	Policies map[string]QueryPolicy

	ChangelogCollection string
	ConfigCollection    string
	UsersCollection     string

	InlineThreshold int
	CommitCap       int
	Retention       time.Duration
	PruneHorizon    time.Duration
	CacheMaxAge     time.Duration

	// PruneRoles may best-effort delete old change-log records on start.
	PruneRoles []string

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Engine owns the local store, its indexes, and every sync path in and out
// of it. Public operations gate on a one-shot ready signal flipped by Start,
// so callers may invoke before remote connectivity is established.
type Engine struct {
	store     *Store
	indexes   *IndexManager
	gateway   *Gateway
	generator *Generator
	loader    *Loader
	notifier  *Notifier
	cache     *Cache
	remote    RemoteStore
	auth      Auth
	log       *zap.Logger

	cacheMaxAge time.Duration
	ready       chan struct{}
}

func New(opt Options) (*Engine, error) {
	if opt.Remote == nil {
		return nil, argErrf("new engine", "missing remote store")
	}
	if opt.Feed == nil {
		return nil, argErrf("new engine", "missing change feed")
	}
	if opt.Auth == nil {
		return nil, argErrf("new engine", "missing auth context")
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opt.Clock
	if now == nil {
		now = time.Now
	}
	manifest := opt.Manifest
	if manifest == nil {
		manifest = RoleManifestFunc(func(string) []string { return nil })
	}

	changelog := defaultStr(opt.ChangelogCollection, DefaultChangelogCollection)
	configColl := defaultStr(opt.ConfigCollection, DefaultConfigCollection)
	usersColl := defaultStr(opt.UsersCollection, DefaultUsersCollection)

	store := NewStore()
	for name, p := range opt.Policies {
		store.SetPolicy(name, p)
	}
	indexes := NewIndexManager(opt.Indexes...)

	var cache *Cache
	if opt.CachePath != "" {
		var err error
		cache, err = OpenCache(opt.CachePath, log)
		if err != nil {
			// Cache failures degrade to running without one for the session.
			log.Warn("cache unavailable for this session", zap.Error(err))
			cache = nil
		} else if opt.Clock != nil {
			cache.now = opt.Clock
		}
	}

	gateway := newGateway(store, indexes, opt.Remote, opt.Feed, log, gatewayConfig{
		changelog:       changelog,
		denylist:        []string{CountersCollection, configColl},
		inlineThreshold: defaultInt(opt.InlineThreshold, DefaultInlineThreshold),
		commitCap:       defaultInt(opt.CommitCap, DefaultCommitCap),
		actor:           opt.Auth.UserID,
		now:             now,
	})

	loader := &Loader{
		store:            store,
		indexes:          indexes,
		remote:           opt.Remote,
		cache:            cache,
		manifest:         manifest,
		log:              log,
		role:             opt.Auth.Role,
		now:              now,
		configCollection: configColl,
		usersCollection:  usersColl,
	}

	pruneRoles := make(map[string]bool, len(opt.PruneRoles))
	for _, role := range opt.PruneRoles {
		pruneRoles[role] = true
	}
	notifier := &Notifier{
		store:        store,
		indexes:      indexes,
		feed:         opt.Feed,
		loader:       loader,
		cache:        cache,
		sink:         opt.Sink,
		log:          log,
		role:         opt.Auth.Role,
		now:          now,
		retention:    defaultDur(opt.Retention, DefaultRetention),
		pruneHorizon: defaultDur(opt.PruneHorizon, DefaultPruneHorizon),
		pruneRoles:   pruneRoles,
	}

	return &Engine{
		store:       store,
		indexes:     indexes,
		gateway:     gateway,
		generator:   NewGenerator(opt.Remote, log),
		loader:      loader,
		notifier:    notifier,
		cache:       cache,
		remote:      opt.Remote,
		auth:        opt.Auth,
		log:         log,
		cacheMaxAge: defaultDur(opt.CacheMaxAge, DefaultCacheMaxAge),
		ready:       make(chan struct{}),
	}, nil
}

// Start hydrates the local store and begins replaying the change feed. A
// usable cache snapshot (same role, young enough) restores instantly and is
// topped up with a delta sync; anything else forces a full load. On success
// the ready gate opens and queued operations proceed.
func (e *Engine) Start(ctx context.Context) error {
	restored := false
	if e.cache != nil {
		snap, savedAt, err := e.cache.Load(e.auth.Role(), e.cacheMaxAge)
		switch {
		case err == nil:
			e.store.Restore(snap)
			e.reindexAll()
			if _, err := e.loader.LoadCollections(ctx, nil, LoadOptions{DeltaOnly: true}); err != nil {
				e.log.Warn("delta sync after cache restore failed, forcing full load", zap.Error(err))
			} else {
				restored = true
				e.log.Info("restored from cache",
					zap.Time("saved_at", savedAt),
					zap.String("role", e.auth.Role()))
			}
		case errors.Is(err, ErrStaleCache):
			// Expected on first run, after long absence, or role switch.
		default:
			e.log.Warn("cache load failed", zap.Error(err))
		}
	}
	if !restored {
		if _, err := e.loader.LoadCollections(ctx, nil, LoadOptions{ForceFull: true}); err != nil {
			return err
		}
	}
	if err := e.notifier.Start(ctx); err != nil {
		return err
	}
	close(e.ready)
	return nil
}

// Ready is closed once Start completes.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) whenReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ErrNotReady
	}
}

func (e *Engine) Close() error {
	e.notifier.Stop()
	e.gateway.waitEmits()
	if e.cache != nil {
		e.cache.Close()
	}
	return e.remote.Close()
}

// Store exposes the local mirror for read paths.
func (e *Engine) Store() *Store { return e.store }

// Indexes exposes the derived group-by views.
func (e *Engine) Indexes() *IndexManager { return e.indexes }

func (e *Engine) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	if err := e.whenReady(ctx); err != nil {
		return err
	}
	return e.gateway.Set(ctx, collection, id, data, merge)
}

func (e *Engine) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := e.whenReady(ctx); err != nil {
		return err
	}
	return e.gateway.Update(ctx, collection, id, fields)
}

func (e *Engine) Delete(ctx context.Context, collection, id string) error {
	if err := e.whenReady(ctx); err != nil {
		return err
	}
	return e.gateway.Delete(ctx, collection, id)
}

func (e *Engine) Increment(ctx context.Context, collection, id, field string, delta float64) error {
	if err := e.whenReady(ctx); err != nil {
		return err
	}
	return e.gateway.Increment(ctx, collection, id, field, delta)
}

func (e *Engine) Batch(ctx context.Context, collection string, items []BatchItem) (string, error) {
	if err := e.whenReady(ctx); err != nil {
		return "", err
	}
	return e.gateway.Batch(ctx, collection, items)
}

func (e *Engine) AttachToBatch(ctx context.Context, b Batch, collection string, item BatchItem) error {
	if err := e.whenReady(ctx); err != nil {
		return err
	}
	return e.gateway.AttachToBatch(b, collection, item)
}

// NewBatch hands out a remote batch for AttachToBatch staging; the caller
// owns the commit.
func (e *Engine) NewBatch() Batch {
	return e.remote.NewBatch()
}

func (e *Engine) GenerateOne(ctx context.Context, collection, scopeID string) (string, error) {
	if err := e.whenReady(ctx); err != nil {
		return "", err
	}
	return e.generator.GenerateOne(ctx, collection, scopeID)
}

func (e *Engine) GenerateMany(ctx context.Context, collection string, count int, scopeID string) ([]string, error) {
	if err := e.whenReady(ctx); err != nil {
		return nil, err
	}
	return e.generator.GenerateMany(ctx, collection, count, scopeID)
}

func (e *Engine) LoadCollections(ctx context.Context, names []string, opt LoadOptions) (int, error) {
	if err := e.whenReady(ctx); err != nil {
		return 0, err
	}
	return e.loader.LoadCollections(ctx, names, opt)
}

func (e *Engine) LoadMeta(ctx context.Context) (*Meta, error) {
	if err := e.whenReady(ctx); err != nil {
		return nil, err
	}
	return e.loader.LoadMeta(ctx)
}

// reindexAll rebuilds every index from the store's current contents, used
// after a snapshot restore.
func (e *Engine) reindexAll() {
	for _, name := range e.store.CollectionNames() {
		e.indexes.RebuildForFullLoad(name)
		for _, doc := range e.store.Collection(name) {
			e.indexes.OnUpsert(name, doc)
		}
	}
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultDur(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
