package syncstore

import (
	"fmt"
	"sync"
)

// IndexConfig declares a derived group-by view over a source collection.
type IndexConfig struct {
	Name    string
	Source  string
	GroupBy string
}

// IndexManager maintains group-by views. Views are never authoritative:
// every entry is a reprojection of its source collection, created and
// destroyed only as a side effect of the source document's lifecycle.
type IndexManager struct {
	mu      sync.RWMutex
	configs []IndexConfig
	views   map[string]map[string]map[string]Document
}

func NewIndexManager(configs ...IndexConfig) *IndexManager {
	m := &IndexManager{
		configs: configs,
		views:   make(map[string]map[string]map[string]Document, len(configs)),
	}
	for _, cfg := range configs {
		m.views[cfg.Name] = make(map[string]map[string]Document)
	}
	return m
}

// OnUpsert projects a stored document into every index sourced from its
// collection. A document whose group field is unset (or zero-valued) is not
// indexed; an earlier entry under a different group key is moved here only
// by the delete/upsert pair the caller performs, so upserts that change the
// group field must pass the pre-update document to OnDelete first.
func (m *IndexManager) OnUpsert(collection string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := doc["id"].(string)
	if id == "" {
		return
	}
	for _, cfg := range m.configs {
		if cfg.Source != collection {
			continue
		}
		key, ok := groupKeyOf(doc[cfg.GroupBy])
		if !ok {
			continue
		}
		view := m.views[cfg.Name]
		group := view[key]
		if group == nil {
			group = make(map[string]Document)
			view[key] = group
		}
		group[id] = doc
	}
}

// OnDelete removes a document from every index sourced from its collection,
// dropping any group that becomes empty.
func (m *IndexManager) OnDelete(collection, id string, before Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.Source != collection {
			continue
		}
		view := m.views[cfg.Name]
		if before != nil {
			if key, ok := groupKeyOf(before[cfg.GroupBy]); ok {
				if group := view[key]; group != nil {
					delete(group, id)
					if len(group) == 0 {
						delete(view, key)
					}
				}
				continue
			}
		}
		// No pre-delete value: sweep all groups.
		for key, group := range view {
			if _, ok := group[id]; ok {
				delete(group, id)
				if len(group) == 0 {
					delete(view, key)
				}
			}
		}
	}
}

// RebuildForFullLoad clears every index sourced from collection; the loader
// repopulates entries one by one as the collection is rehydrated.
func (m *IndexManager) RebuildForFullLoad(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.Source == collection {
			m.views[cfg.Name] = make(map[string]map[string]Document)
		}
	}
}

// Group returns a copy of one group's id→document map.
func (m *IndexManager) Group(indexName, key string) map[string]Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.views[indexName][key]
	if src == nil {
		return nil
	}
	out := make(map[string]Document, len(src))
	for id, doc := range src {
		out[id] = doc
	}
	return out
}

// GroupKeys returns the keys of all non-empty groups of an index.
func (m *IndexManager) GroupKeys(indexName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	view := m.views[indexName]
	keys := make([]string, 0, len(view))
	for key := range view {
		keys = append(keys, key)
	}
	return keys
}

// groupKeyOf maps a field value to an index group key. Unset and zero
// values (nil, empty string, zero numbers, false) do not form groups.
func groupKeyOf(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case bool:
		if !v {
			return "", false
		}
		return "true", true
	default:
		if n, ok := asNumber(v); ok {
			if n == 0 {
				return "", false
			}
			return trimFloat(n), true
		}
		return fmt.Sprint(v), true
	}
}
