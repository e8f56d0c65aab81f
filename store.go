package syncstore

import (
	"sync"
)

// Document is a single schemaless record. The "id" field, when present,
// mirrors the document's key in its collection.
type Document = map[string]any

// SortAsc and SortDesc are the accepted query policy sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// QueryPolicy is a collection's default load/display policy.
type QueryPolicy struct {
	ResultLimit   int    `msgpack:"l"`
	SortKey       string `msgpack:"k"`
	SortDirection string `msgpack:"d"`
}

// Store is the in-memory mirror of remote collections. It is mutated by
// three paths (gateway, loader, notifier); a single RW mutex keeps each
// operation atomic, while cross-operation ordering is the callers' concern.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	policies    map[string]QueryPolicy
}

// Snapshot is a deep copy of the store's data, safe to serialize and to
// restore into a fresh store.
type Snapshot map[string]map[string]Document

func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string]Document),
		policies:    make(map[string]QueryPolicy),
	}
}

func (s *Store) SetPolicy(collection string, p QueryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[collection] = p
}

func (s *Store) Policy(collection string) (QueryPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[collection]
	return p, ok
}

func (s *Store) Get(collection, id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	return doc, ok
}

// Put stores a document, merging into any existing one when merge is true
// (incoming fields win) and replacing it wholesale otherwise. Returns the
// resulting document.
func (s *Store) Put(collection, id string, data Document, merge bool) Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	// The previous document is never mutated in place: index maintenance
	// needs the pre-update value to stay intact until reprojection.
	var doc Document
	if old, ok := coll[id]; ok && merge {
		doc = applyPatch(cloneDocument(old), data)
	} else {
		doc = applyPatch(Document{}, data)
	}
	doc["id"] = id
	coll[id] = doc
	return doc
}

// Delete removes a document, returning its pre-delete value.
func (s *Store) Delete(collection, id string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	doc, ok := coll[id]
	if ok {
		delete(coll, id)
	}
	return doc, ok
}

// Increment adjusts a numeric field in place, treating a missing or
// non-numeric current value as zero. Returns the new value.
func (s *Store) Increment(collection, id, field string, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	doc := coll[id]
	if doc == nil {
		doc = Document{"id": id}
	} else {
		doc = cloneDocument(doc)
	}
	cur, _ := asNumber(doc[field])
	doc[field] = cur + delta
	coll[id] = doc
	return cur + delta
}

// Replace swaps out a collection's entire contents (full load).
func (s *Store) Replace(collection string, docs map[string]Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := make(map[string]Document, len(docs))
	for id, doc := range docs {
		coll[id] = doc
	}
	s.collections[collection] = coll
}

// Collection returns a shallow copy of a collection's id→document map.
func (s *Store) Collection(collection string) map[string]Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.collections[collection]
	out := make(map[string]Document, len(src))
	for id, doc := range src {
		out[id] = doc
	}
	return out
}

// Documents returns a collection's documents as a slice, unordered.
func (s *Store) Documents(collection string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.collections[collection]
	out := make([]Document, 0, len(src))
	for _, doc := range src {
		out = append(out, doc)
	}
	return out
}

// SortedDocuments returns a collection's documents ordered by its query
// policy (or unordered if none is configured).
func (s *Store) SortedDocuments(collection string) []Document {
	docs := s.Documents(collection)
	if p, ok := s.Policy(collection); ok && p.SortKey != "" {
		SortDocuments(docs, p.SortKey, p.SortDirection)
	}
	return docs
}

func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *Store) CollectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

// Snapshot deep-copies the store's data for durable caching.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.collections))
	for name, coll := range s.collections {
		cc := make(map[string]Document, len(coll))
		for id, doc := range coll {
			cc[id] = cloneDocument(doc)
		}
		snap[name] = cc
	}
	return snap
}

// Restore replaces the store's entire contents from a snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]map[string]Document, len(snap))
	for name, coll := range snap {
		cc := make(map[string]Document, len(coll))
		for id, doc := range coll {
			cc[id] = cloneDocument(doc)
		}
		s.collections[name] = cc
	}
}
