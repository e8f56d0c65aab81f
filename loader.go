package syncstore

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RoleManifest resolves the ordered list of collections a role works with.
type RoleManifest interface {
	Collections(role string) []string
}

// RoleManifestFunc adapts a function to the RoleManifest interface.
type RoleManifestFunc func(role string) []string

func (f RoleManifestFunc) Collections(role string) []string { return f(role) }

// LoadOptions selects the loader's fetch mode. Zero value is a default load:
// full replace limited by each collection's query policy.
type LoadOptions struct {
	// ForceFull replaces collections wholesale even when a delta would do.
	ForceFull bool
	// DeltaOnly merges only documents updated since the last delta sync.
	DeltaOnly bool
	// BatchID fetches only documents tagged by a large batch write.
	BatchID string
	// LimitOverride replaces the per-collection result ceiling.
	LimitOverride int
	// Exclude drops collections from a manifest-resolved load.
	Exclude []string
}

// Loader bulk-loads collections into the local store. All hydration funnels
// through the same local-apply path as the gateway, so indexes stay
// consistent no matter how documents arrive.
type Loader struct {
	store    *Store
	indexes  *IndexManager
	remote   RemoteStore
	cache    *Cache
	manifest RoleManifest
	log      *zap.Logger
	role     func() string
	now      func() time.Time

	configCollection string
	usersCollection  string
}

// Meta is the result of LoadMeta: the singleton configuration document and
// the user roster with derived display names.
type Meta struct {
	Config       Document
	Users        []Document
	DisplayNames []string
}

// LoadCollections loads the named collections, or the role manifest's list
// (minus exclusions) when names is nil. Remote ordering is never requested:
// the integrated store's native ordering silently excludes documents lacking
// the sort field, so all ordering defers to the sorter after fetch. Returns
// the total number of documents fetched and saves the cache when nonzero.
func (l *Loader) LoadCollections(ctx context.Context, names []string, opt LoadOptions) (int, error) {
	if names == nil {
		names = l.manifest.Collections(l.role())
		if len(opt.Exclude) > 0 {
			kept := names[:0:0]
			for _, name := range names {
				if !slices.Contains(opt.Exclude, name) {
					kept = append(kept, name)
				}
			}
			names = kept
		}
	}

	delta := opt.DeltaOnly && !opt.ForceFull
	var since time.Time
	if delta && l.cache != nil {
		since = l.cache.LastDeltaSync()
	}

	total := 0
	for _, name := range names {
		q := Query{Collection: name}
		switch {
		case opt.BatchID != "":
			q.Filters = []Filter{{Field: "batch_id", Op: FilterEq, Value: opt.BatchID}}
		case delta:
			if !since.IsZero() {
				q.Filters = []Filter{{Field: "updated_at", Op: FilterGte, Value: since}}
			}
		default:
			if opt.LimitOverride > 0 {
				q.Limit = opt.LimitOverride
			} else if p, ok := l.store.Policy(name); ok {
				q.Limit = p.ResultLimit
			}
		}

		docs, err := l.remote.Query(ctx, q)
		if err != nil {
			return total, remoteErrf("load", name, "", err)
		}

		if opt.BatchID != "" || delta {
			for _, doc := range docs {
				id, _ := doc["id"].(string)
				if id == "" {
					continue
				}
				applyLocalSet(l.store, l.indexes, name, id, doc, true)
			}
		} else {
			byID := make(map[string]Document, len(docs))
			for _, doc := range docs {
				if id, _ := doc["id"].(string); id != "" {
					byID[id] = doc
				}
			}
			l.indexes.RebuildForFullLoad(name)
			l.store.Replace(name, byID)
			for _, doc := range byID {
				l.indexes.OnUpsert(name, doc)
			}
		}
		total += len(docs)
	}

	if total > 0 {
		l.saveCache(delta || opt.BatchID != "")
	}
	return total, nil
}

// LoadMeta loads the singleton configuration document, decoding any
// JSON-encoded nested values, plus the complete user roster with derived
// display names.
func (l *Loader) LoadMeta(ctx context.Context) (*Meta, error) {
	meta := &Meta{}

	cfg, err := l.remote.Get(ctx, l.configCollection, "global")
	switch {
	case err == nil:
		cfg = decodeNestedJSON(cfg)
		applyLocalSet(l.store, l.indexes, l.configCollection, "global", cfg, false)
		meta.Config = cfg
	case err == ErrNotFound:
		// No configuration yet; not an error.
	default:
		return nil, remoteErrf("load meta", l.configCollection, "global", err)
	}

	users, err := l.remote.Query(ctx, Query{Collection: l.usersCollection})
	if err != nil {
		return nil, remoteErrf("load meta", l.usersCollection, "", err)
	}
	for _, u := range users {
		id, _ := u["id"].(string)
		if id == "" {
			continue
		}
		applyLocalSet(l.store, l.indexes, l.usersCollection, id, u, true)
		meta.Users = append(meta.Users, u)
		if name := displayName(u); name != "" {
			meta.DisplayNames = append(meta.DisplayNames, name)
		}
	}
	slices.Sort(meta.DisplayNames)
	return meta, nil
}

func (l *Loader) saveCache(deltaSync bool) {
	if l.cache == nil {
		return
	}
	role := l.role()
	if err := l.cache.Save(role, l.store.Snapshot()); err != nil {
		l.log.Warn("cache save failed, proceeding without cache", zap.Error(err))
		return
	}
	now := l.now()
	if deltaSync {
		l.cache.SetLastDeltaSync(now)
	} else {
		l.cache.SetLastFullSync(now)
		l.cache.SetLastDeltaSync(now)
	}
}

// decodeNestedJSON expands string fields that hold JSON objects or arrays,
// which the configuration document stores as encoded text.
func decodeNestedJSON(doc Document) Document {
	out := cloneDocument(doc)
	for k, v := range out {
		s, ok := v.(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(s)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			out[k] = parsed
		}
	}
	return out
}

func displayName(u Document) string {
	if s, _ := u["display_name"].(string); s != "" {
		return s
	}
	s, _ := u["name"].(string)
	return s
}
